// Copyright (c) WellGate Authors.
// Licensed under the MIT License.

/*
Package main 提供 wellgate 服务端程序入口。

# 概述

cmd/wellgate 是 AI 请求网关与记忆管道的可执行入口，提供 HTTP API
服务、健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、
结构化日志（zap）、Prometheus 指标采集以及灰度开关热重载。

# 退出码

  - 0 — 正常退出（收到 SIGINT/SIGTERM 并完成排空）
  - 1 — 配置或启动失败
  - 2 — 运行时异常退出
*/
package main
