package values

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestKind(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, "null"},
		{"x", "string"},
		{3, "number"},
		{2.5, "number"},
		{true, "boolean"},
		{[]any{1}, "array"},
		{[]string{"a"}, "array"},
		{map[string]any{}, "object"},
		{struct{}{}, "object"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Kind(tt.in), "%#v", tt.in)
	}
}

func TestIsEmpty(t *testing.T) {
	for _, v := range []any{nil, "", "   ", "\t\n", []any{}, map[string]any{}} {
		assert.True(t, IsEmpty(v), "%#v", v)
	}
	for _, v := range []any{"a", " a ", 0, false, []any{nil}, map[string]any{"k": 1}} {
		assert.False(t, IsEmpty(v), "%#v", v)
	}
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "hi", Stringify("hi"))
	assert.Equal(t, "42", Stringify(42))
	assert.Equal(t, "2.5", Stringify(2.5))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, `{"a":1,"b":[1,2]}`, Stringify(map[string]any{"b": []any{1, 2}, "a": 1}))
	assert.Equal(t, `{"html":"<p>a & b</p>"}`, Stringify(map[string]any{"html": "<p>a & b</p>"}))
}

func TestMarshalJSON(t *testing.T) {
	data, err := MarshalJSON([]any{"<x>", "&&"})
	require.NoError(t, err)
	assert.Equal(t, `["<x>","&&"]`, string(data))

	_, err = MarshalJSON(make(chan int))
	assert.Error(t, err)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(1, 1.0))
	assert.True(t, Equal(int64(3), uint8(3)))
	assert.False(t, Equal(1, "1"))
	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(nil, 0))
	assert.True(t, Equal([]any{1, "a"}, []any{1.0, "a"}))
	assert.True(t, Equal([]string{"a"}, []any{"a"}))
	assert.True(t, Equal(map[string]any{"x": 1}, map[string]any{"x": 1.0}))
	assert.False(t, Equal(map[string]any{"x": 1}, map[string]any{"y": 1}))
}

func TestCompare(t *testing.T) {
	c, ok := Compare(2, 1.5)
	require.True(t, ok)
	assert.Equal(t, 1, c)

	c, ok = Compare("a", "b")
	require.True(t, ok)
	assert.Equal(t, -1, c)

	_, ok = Compare("a", 1)
	assert.False(t, ok)
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(0))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy([]any{}))
	assert.True(t, Truthy("x"))
	assert.True(t, Truthy(1))
	assert.True(t, Truthy(map[string]any{"a": 1}))
}

func TestDeepCopy_Isolation(t *testing.T) {
	orig := map[string]any{
		"list":   []any{1, map[string]any{"n": 1}},
		"nested": map[string]any{"k": "v"},
		"tags":   []string{"a"},
	}
	cp := DeepCopy(orig).(map[string]any)

	cp["list"].([]any)[1].(map[string]any)["n"] = 2
	cp["nested"].(map[string]any)["k"] = "changed"
	cp["tags"].([]string)[0] = "z"

	assert.Equal(t, 1, orig["list"].([]any)[1].(map[string]any)["n"])
	assert.Equal(t, "v", orig["nested"].(map[string]any)["k"])
	assert.Equal(t, "a", orig["tags"].([]string)[0])
}

func TestDeepCopy_TypedContainers(t *testing.T) {
	orig := map[string][]int{"a": {1, 2}}
	cp := DeepCopy(orig).(map[string][]int)
	cp["a"][0] = 9
	assert.Equal(t, 1, orig["a"][0])
}

func TestDeepCopy_EqualProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ints := rapid.MapOf(rapid.StringN(1, 5, -1), rapid.Int()).Draw(rt, "ints")
		strs := rapid.SliceOf(rapid.String()).Draw(rt, "strs")
		in := make(map[string]any, len(ints)+1)
		for k, v := range ints {
			in[k] = v
		}
		list := make([]any, len(strs))
		for i, s := range strs {
			list[i] = s
		}
		in["__list"] = list
		if !Equal(in, DeepCopy(in)) {
			rt.Fatalf("copy differs from original: %v", in)
		}
	})
}
