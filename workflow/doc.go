// Copyright (c) Musubi Authors.
// Licensed under the MIT License.

/*
Package workflow 提供声明式工作流的解析、校验与执行。

# 概述

工作流定义（[Definition]）由带标签的步骤（[Step]）组成，可以从 YAML
或 JSON 加载（[ParseDefinition]、[LoadDefinitionFile]）。[Executor] 是一个
协作式解释器：顶层步骤严格按声明顺序执行，嵌套步骤（condition 分支、
parallel、loop 体）共享同一个 [ExecutionContext]。

# 步骤类型

  - skill       ：从 [SkillRegistry] 查找 [Runnable] 并执行
  - tool        ：通过 [ToolConnector] 调用外部工具
  - condition   ：求值条件后执行 thenSteps 或 elseSteps
  - parallel    ：以 maxConcurrency 为窗口并发执行，结果按提交顺序返回
  - loop        ：遍历 items，绑定 item / index 变量后执行循环体
  - checkpoint  ：深拷贝变量与当前步骤
  - human-review：进入 waitingReview 并阻塞在 [ReviewGate] 上
  - set-variable：设置变量

其他类型可通过 [HandlerRegistry.Register] 注册。

# 变量与条件

字符串中的 ${name} 按变量的字符串形式插值，{"$var": name, "default": d}
取变量原值。条件支持 $eq $ne $gt $lt $exists $and $or $not，
未知运算符求值为 false。见 [ResolveValue] 与 [EvaluateCondition]。

# 错误恢复与控制

步骤失败时先按 [RetryPolicy] 重试，然后应用步骤的 onError 策略
（skip、fallback、rollback、manual、abort），仍未处理的错误再交给
工作流级 errorHandling。Pause / Resume / Cancel 在顶层步骤之间生效，
暂停等待基于 channel 唤醒而非轮询。

# 历史

终止后的执行快照写入 [HistoryStore]（[MemoryHistoryStore] 或
[RedisHistoryStore]），仅用于事后排查。
*/
package workflow
