/*
Package main 提供 swarmd 节点程序入口。

# 概述

swarmd 在单个进程内运行节点注册表、任务协调器、健康检查、孤儿任务迁移
与任务投递，并通过 HTTP API 和 websocket 对外暴露。配置来自 YAML 文件与
SWARM_ 前缀的环境变量。

# 子命令

  - serve    启动节点（--config、--node-id）
  - migrate  管理事件库 schema（up/down/status/version/goto/force/reset）
  - health   请求 /health 判断节点存活
  - version  打印构建信息

# 中间件链

Recovery → RequestID → SecurityHeaders → RequestLogger → OTelTracing →
Metrics → CORS → APIKeyAuth → (JWTAuth → SubjectRateLimiter → RequireRole)
或 RateLimiter。

# 关闭顺序

HTTP 停止后依次：停止投递与健康检查、排空事件总线、关闭 metrics 端口、
关闭遥测、断开 Redis 与数据库。
*/
package main
