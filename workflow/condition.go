package workflow

import (
	"strings"

	"github.com/nahisaho/musubi/internal/values"
)

// 条件运算符
const (
	OpEq     = "$eq"
	OpNe     = "$ne"
	OpGt     = "$gt"
	OpLt     = "$lt"
	OpExists = "$exists"
	OpAnd    = "$and"
	OpOr     = "$or"
	OpNot    = "$not"
)

// EvaluateCondition 求值条件表达式。
//
// 条件可以是布尔字面量、变量名字符串（按真值判断），
// 或只含一个运算符的 map。未知运算符与无法识别的形式求值为 false。
func EvaluateCondition(cond any, vars map[string]any) bool {
	switch c := cond.(type) {
	case bool:
		return c
	case string:
		name := strings.TrimSpace(c)
		if strings.HasPrefix(name, "${") && strings.HasSuffix(name, "}") {
			name = strings.TrimSpace(name[2 : len(name)-1])
		}
		v, _ := lookup(vars, name)
		return values.Truthy(v)
	case map[string]any:
		if _, ok := varRef(c); ok {
			return values.Truthy(ResolveValue(c, vars))
		}
		if len(c) != 1 {
			return false
		}
		for op, arg := range c {
			return evalOperator(op, arg, vars)
		}
	}
	return false
}

func evalOperator(op string, arg any, vars map[string]any) bool {
	switch op {
	case OpEq, OpNe, OpGt, OpLt:
		l, r, ok := operands(arg, vars)
		if !ok {
			return false
		}
		switch op {
		case OpEq:
			return values.Equal(l, r)
		case OpNe:
			return !values.Equal(l, r)
		case OpGt:
			c, ok := values.Compare(l, r)
			return ok && c > 0
		default:
			c, ok := values.Compare(l, r)
			return ok && c < 0
		}
	case OpExists:
		name, ok := ResolveValue(arg, vars).(string)
		if !ok {
			return false
		}
		v, found := lookup(vars, name)
		return found && v != nil
	case OpAnd:
		list, ok := asList(arg)
		if !ok {
			return false
		}
		for _, sub := range list {
			if !EvaluateCondition(sub, vars) {
				return false
			}
		}
		return true
	case OpOr:
		list, ok := asList(arg)
		if !ok {
			return false
		}
		for _, sub := range list {
			if EvaluateCondition(sub, vars) {
				return true
			}
		}
		return false
	case OpNot:
		return !EvaluateCondition(arg, vars)
	}
	return false
}

// operands 解析二元运算符的左右操作数
func operands(arg any, vars map[string]any) (any, any, bool) {
	list, ok := asList(arg)
	if !ok || len(list) != 2 {
		return nil, nil, false
	}
	return ResolveValue(list[0], vars), ResolveValue(list[1], vars), true
}
