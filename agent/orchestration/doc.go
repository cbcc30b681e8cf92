// Copyright (c) Musubi Authors.
// Licensed under the MIT License.

/*
包 orchestration 提供编排引擎、模式注册表与顺序执行模式。

# 概述

Engine 注册模式（Pattern）与技能（Skill），按名称把一次请求分派给模式执行。
每次执行创建一个编排上下文 Context，放入活动表，在引擎级超时下运行模式，
结束后从活动表移除。子技能调用在父上下文下形成调用树。

# 核心类型

  - Invocable：技能的统一调用接口，SkillFunc 适配普通函数
  - Pattern：组合策略，附带 PatternDescriptor 元数据
  - PatternRegistry：模式注册与按任务文本选择最佳模式
  - Sequential：线性流水线，上一个技能的输出作为下一个技能的输入
  - HumanGate：人工确认钩子，未配置时默认自动通过

# 事件

引擎在每个生命周期节点发布事件：patternRegistered、skillRegistered、
executionStarted、executionCompleted、executionFailed、executionCancelled、
skillExecutionStarted/Completed/Failed、humanValidationRequested。
*/
package orchestration
