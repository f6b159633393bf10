// Package config 提供 swarmd 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（SWARM_ 前缀）的顺序叠加，
// 并提供配置文件变更监听，用于运行时调整日志级别。
package config
