// Copyright (c) Musubi Authors.
// Licensed under the MIT License.

/*
包 metrics 把事件总线上的编排事件转换为 Prometheus 指标。

# 概述

Collector 通过 promauto 在给定 Registerer 上注册向量指标，
并以 Attach 订阅 events.Bus，按事件类型记录：

  - 护栏：检查次数（passed/failed/tripwire）与耗时，按 guardrail 分组。
  - 工作流：执行次数（按终态）、执行耗时、步骤结果（按步骤类型）、重试次数。
  - 编排：模式执行次数与耗时、技能执行次数、人工确认请求数。
  - 交接与分诊：交接次数（按目标与结果）、分诊类别计数。

所有指标按 namespace 隔离。Record* 方法也可直接调用。
*/
package metrics
