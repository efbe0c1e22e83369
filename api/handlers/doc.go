// Copyright (c) BIEM Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 BIEM HTTP API 的请求处理器实现。

# 概述

handlers 包实现了 BIEM 所有 HTTP 端点的请求处理逻辑，
包括记忆写入与检索、知识抽取与裁决、事件推送、健康检查
以及统一的响应/错误处理。
所有 Handler 均遵循标准 net/http 接口，通过 Swagger 注解生成 API 文档。

# 核心类型

  - MemoryHandler    — 记忆写入、检索、反馈、因果链路与上下文构建
  - KnowledgeHandler — 知识抽取、查询、待确认裁决与版本历史
  - EventsHandler    — WebSocket 事件推送（失调信号、待确认生命周期）
  - StatsHandler     — 记忆层与知识层统计聚合
  - HealthHandler    — 服务健康检查（/health, /healthz, /ready）
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息，含 code、message、retryable 标记
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码
  - HealthCheck      — 可插拔健康检查接口（PingCheck 探测任意依赖）

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON 辅助函数
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx，过期待确认映射 410）
  - WebSocket 推送：EventsHandler 按连接订阅两条事件流，慢客户端丢帧
  - 作用域隔离：记忆端点从请求上下文读取认证中间件注入的作用域
  - 可扩展健康检查：RegisterCheck 注册自定义 HealthCheck 实现
*/
package handlers
