// Copyright (c) Musubi Authors.
// Licensed under the MIT License.

/*
Package types 提供 musubi 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 guardrails、workflow、
orchestration 等上层模块提供统一的错误码与 Context 传播契约。

# 核心类型

  - Error / ErrorCode：结构化错误体系，含 Retryable、Source、Details
  - AsError / IsErrorCode / IsRetryable / WrapError：错误工具链

# Context 传播

  - WithTraceID / WithRunID / WithAgentID / WithExecutionID
*/
package types
