// Copyright (c) BIEM Authors.
// Licensed under the MIT License.

/*
Package types 提供 BIEM 记忆引擎的全局共享类型定义。

# 概述

types 是引擎最底层的公共包，不依赖任何内部包，为 memory、knowledge、llm、
api 等上层模块提供统一的类型契约。所有跨包共享的错误码与 Context 键均
定义于此，以避免循环依赖。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码、Retryable、Provider 标记
  - 五类错误码：Validation / NotFound / Conflict / Dependency / Internal

# 主要能力

  - Context 传播：WithTraceID / WithScopeKey / WithContributorID / WithSessionID
  - 错误工具链：IsRetryable / GetErrorCode / IsNotFound
*/
package types
