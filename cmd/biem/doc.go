// Copyright (c) BIEM Authors.
// Licensed under the MIT License.

/*
Package main 提供 BIEM 服务端程序入口。

# 概述

cmd/biem 是 BIEM 记忆引擎的可执行入口，提供 HTTP API 服务、
数据库迁移、健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、
结构化日志（zap）、Prometheus 指标采集、OpenTelemetry 追踪以及配置热重载。

# 核心类型

  - Server           — 主服务器，组装记忆/知识引擎并管理 HTTP、Metrics 双端口
  - Middleware        — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter    — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：serve（启动服务）、migrate（数据库迁移）、version、health
  - 引擎装配：数据库 → 结晶/知识存储 → Redis → 事件日志 → 嵌入 → LLM →
    记忆 Manager → 知识 Service，按依赖顺序启动并水合
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    Metrics、OTelTracing、CORS、RateLimiter（基于 IP）、APIKeyAuth、
    JWTAuth（可选）、ScopeContext（作用域注入）
  - 配置热重载：HotReloadManager 监听文件变更并回调
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 停止热更新 → 关闭 HTTP → 关闭 Metrics →
    停止引擎 → 关闭存储 → Wait
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
