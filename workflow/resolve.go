package workflow

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/nahisaho/musubi/internal/values"
)

// templatePattern 匹配 ${name} 引用
var templatePattern = regexp.MustCompile(`\$\{\s*([^{}]+?)\s*\}`)

// ResolveValue 解析值中的变量引用，不修改 vars。
//
//   - {"$var": name, "default": d}：取变量值；变量未定义时取 d（或 nil），显式绑定为 nil 时返回 nil
//   - 字符串中的 ${name}：替换为变量的字符串形式，缺失时为空串
//   - map 与切片递归解析
//
// 插值结果按原样插入，变量值本身不会被再次展开。
func ResolveValue(v any, vars map[string]any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return interpolate(t, vars)
	case map[string]any:
		if name, ok := varRef(t); ok {
			if val, found := lookup(vars, name); found {
				return values.DeepCopy(val)
			}
			return ResolveValue(t["default"], vars)
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = ResolveValue(val, vars)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = ResolveValue(val, vars)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = interpolate(val, vars)
		}
		return out
	}
	return v
}

// varRef 判断 map 是否为 {"$var": name} 形式的引用
func varRef(m map[string]any) (string, bool) {
	raw, ok := m["$var"]
	if !ok {
		return "", false
	}
	name, ok := raw.(string)
	if !ok {
		return "", false
	}
	for k := range m {
		if k != "$var" && k != "default" {
			return "", false
		}
	}
	return name, true
}

func interpolate(s string, vars map[string]any) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return templatePattern.ReplaceAllStringFunc(s, func(m string) string {
		name := templatePattern.FindStringSubmatch(m)[1]
		val, _ := lookup(vars, name)
		return values.Stringify(val)
	})
}

// lookup 先按完整名称查找，再按点分路径逐层查找 map
func lookup(vars map[string]any, name string) (any, bool) {
	if v, ok := vars[name]; ok {
		return v, true
	}
	if !strings.Contains(name, ".") {
		return nil, false
	}
	var cur any = vars
	for _, part := range strings.Split(name, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// asList 将任意切片或数组转换为 []any
func asList(v any) ([]any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case []any:
		return t, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
