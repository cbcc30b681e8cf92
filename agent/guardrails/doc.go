// Copyright (c) Musubi Authors.
// Licensed under the MIT License.

/*
包 guardrails 为 Agent 的输入与输出提供声明式护栏。

# 概述

护栏在 skill 执行前后对值做统一校验，返回结构化的 [Result]
（passed、violations、metadata）。只有 error 级别的违规会使护栏失败，
warning 与 info 仅作记录。

# 规则 DSL

  - [RuleBuilder]：链式构建 required / maxLength / noPII / noInjection 等规则
  - [RuleRegistry]：命名规则集；[DefaultRuleRegistry] 预置
    security、strictContent、userInput、agentOutput
  - [RuleSpec]：规则的可序列化形式，可从 YAML 加载

违规代码取规则 ID 的大写形式，例如 noInjection 产生 NOINJECTION。

# 护栏

  - [InputGuardrail]：清洗、自定义验证器、字段规则、通用规则
  - [OutputGuardrail]：转换器、规则、内容策略、质量检查、脱敏
  - [SafetyCheckGuardrail]：按级别组合规则，可选条款合规检查
  - [Chain]：顺序或并行执行多个护栏

# Tripwire

开启 TripwireEnabled 后，未通过的护栏以 [*TripwireError] 返回，
调用方通过 [AsTripwire] 识别。偏好返回值风格的调用方可使用 [Evaluate]
得到 [Outcome]（pass / fail / trip）。

# 检测器

PII 与注入检测基于正则，不保证完备。regexp.Regexp 无状态，
同一模式可在并发请求间安全复用。
*/
package guardrails
