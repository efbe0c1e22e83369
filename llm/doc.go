// Copyright (c) BIEM Authors.
// Licensed under the MIT License.

/*
Package llm 提供 BIEM 记忆引擎消费的大语言模型接入层。

# 概述

记忆引擎对 LLM 的需求是克制的：实体与关系抽取、记忆冲突裁决、
固结摘要与知识三元组抽取，全部是单轮同步 JSON 任务。本包因此
只暴露同步补全接口，屏蔽不同服务商在鉴权、错误语义上的差异；
流式输出与工具调用不在范围内。

# Provider 抽象

核心接口是 [Provider]，包含 Completion / HealthCheck / Name 三个方法。
[OpenAIProvider] 是唯一内置实现，任何 OpenAI 兼容服务（OpenAI、
DeepSeek、vLLM、Ollama /v1 等）都可以通过 [ProviderConfig].BaseURL 接入。

# 核心类型

  - [ChatRequest] / [ChatResponse]：聊天请求与响应，JSONMode 要求模型输出 JSON 对象
  - [Message] / [Role]：对话消息与角色
  - [HealthStatus]：健康检查状态
  - [Error] / [ErrorCode]：统一错误体系，对齐 HTTP 状态与可重试性

# 响应辅助

[FirstChoice] 与 [FirstContent] 安全提取首个候选，空响应不会 panic，
抽取与裁决路径都经由它们消费模型输出。

# 相关子包

- llm/retry：指数退避重试器，嵌入补算与抽取调用共用。
- llm/embedding：文本嵌入 Provider 接口、多服务商实现与 Redis 缓存。
*/
package llm
