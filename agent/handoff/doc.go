// Copyright (c) Musubi Authors.
// Licensed under the MIT License.

/*
包 handoff 提供代理之间的控制权交接模式。

# 概述

源代理把对话交给若干候选目标代理之一，同时传递过滤后的对话历史
与升级数据 EscalationData。目标代理以编排引擎技能的形式注册，
交接在当前编排上下文下创建带 isHandoff、sourceAgent、history
元数据的子上下文。

# 选择策略

  - first-match：第一个条件为真（或无条件）的目标
  - best-match：条件返回数值时直接计分，true 加 10，false 排除，再加优先级
  - round-robin：交接链长度对候选数取模
  - weighted：按优先级加权随机

交接链记录 {from, to, reason, timestamp}，长度达到 MaxHandoffs（默认 10）
时拒绝继续交接。

# 事件

handoff:started、handoff:selecting、handoff:completed、handoff:failed。
*/
package handoff
