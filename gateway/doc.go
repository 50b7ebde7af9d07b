// 版权所有 2026 WellGate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 gateway 定义 AI 请求网关的核心模型：请求/响应、错误分类与
Provider 抽象。

# 概述

网关面向健康教练业务接收聊天补全请求，按优先级排队、选择上游、
复用连接并缓存响应。本包只含跨子系统共享的类型；队列、连接池、
熔断、worker 等实现位于各自的子包。

# 核心类型

  - [Request] / [Response]：入口请求与最终响应
  - [ChatRequest] / [ChatResponse] / [StreamChunk]：适配器层模型
  - [Provider]：上游适配接口，提供 Completion / Stream / Embedding /
    ListModels / HealthCheck / Name
  - [Error] / [ErrorClass]：类型化错误与分类
  - [ConversationContext]：按请求派生的会话上下文

# 错误语义

适配器返回的错误必须是 *[Error]。TRANSIENT 与 RATE_LIMITED 可重试；
UNAUTHORIZED 与 PERMANENT 立即上浮；BAD_REQUEST 与 UNAUTHORIZED
不计入熔断失败。
*/
package gateway
