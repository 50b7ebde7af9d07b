// 版权所有 2026 WellGate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package server 提供网关的 HTTP 前端。
//
// 暴露 /v1 聊天接口（单发、批量、流式、模型目录）、/admin 管理接口
// 与 /health 探活。/v1 与 /admin 通过 X-API-Key 共享密钥认证，
// 聊天路径带按用户限流；流式响应使用 SSE。
package server
