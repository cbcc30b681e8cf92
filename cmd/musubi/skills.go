package main

import (
	"context"
	"fmt"
	"strings"

	musubi "github.com/nahisaho/musubi"
	"github.com/nahisaho/musubi/agent/orchestration"
	"github.com/nahisaho/musubi/internal/values"
)

// registerDemoSkills 注册内置演示技能
func registerDemoSkills(rt *musubi.Runtime) error {
	skills := []struct {
		name     string
		fn       orchestration.SkillFunc
		keywords []string
	}{
		{"echo", echoSkill, []string{"echo", "repeat"}},
		{"upper", upperSkill, []string{"upper", "uppercase", "shout"}},
		{"concat", concatSkill, []string{"concat", "join"}},
	}
	for _, s := range skills {
		if err := rt.RegisterSkill(s.name, s.fn, s.keywords...); err != nil {
			return fmt.Errorf("register skill %s: %w", s.name, err)
		}
	}
	return nil
}

func echoSkill(_ context.Context, input any, _ *orchestration.Engine) (any, error) {
	return input, nil
}

// upperSkill 字符串转大写；记录取 text 字段
func upperSkill(_ context.Context, input any, _ *orchestration.Engine) (any, error) {
	if m, ok := input.(map[string]any); ok {
		input = m["text"]
	}
	return strings.ToUpper(values.Stringify(input)), nil
}

// concatSkill 拼接 parts，分隔符取 sep（默认空格）
func concatSkill(_ context.Context, input any, _ *orchestration.Engine) (any, error) {
	m, ok := input.(map[string]any)
	if !ok {
		return values.Stringify(input), nil
	}
	sep := " "
	if s, ok := m["sep"].(string); ok {
		sep = s
	}
	var parts []string
	switch p := m["parts"].(type) {
	case []any:
		for _, item := range p {
			parts = append(parts, values.Stringify(item))
		}
	case []string:
		parts = p
	case nil:
	default:
		parts = append(parts, values.Stringify(p))
	}
	return strings.Join(parts, sep), nil
}
