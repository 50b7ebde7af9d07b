// 版权所有 2026 WellGate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package config 提供 wellgate 的配置管理功能。
//
// 包含配置加载与文件变更监听。支持从 YAML 文件与环境变量加载，
// 优先级为 默认值 → YAML → 环境变量。
package config
