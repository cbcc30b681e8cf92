// Copyright (c) Musubi Authors.
// Licensed under the MIT License.

// Package triage 对输入文本分类并通过交接模式路由到合适的代理。
//
// Classifier 支持 keyword、intent、capability、llm 与 hybrid（默认）五种策略，
// 分类结果落在固定类别集合 billing、support、sales、technical、refund、
// general、escalation、unknown 中。Pattern 按 CanHandle 过滤已注册代理，
// 按 CalculateScore 排序选出目标，再交给 handoff.Pattern 执行。
package triage
