/*
Package handlers 提供 swarm 协调节点 HTTP API 的请求处理器实现。

# 概述

所有 Handler 遵循标准 net/http 接口，通过 Register 将 Go 1.22 风格的
"METHOD /path/{id}" 路由注册到 http.ServeMux，并使用统一的
{success, data, error, timestamp} 响应结构。

# 核心类型

  - TaskHandler   : 任务提交、指派、完成、失败、节点选择与对端同步
  - AgentHandler  : Agent 注册、心跳、注销与 district 迁移
  - ClusterHandler: 节点成员管理、集群状态、孤儿任务检测与迁移
  - HealthHandler : 存活探针与基于 leader、依赖探测的就绪探针，附集群概况
  - Hub           : 以 websocket 推送遥测事件，同时实现 events.Sink
  - ResponseWriter: 捕获状态码与响应大小，供中间件使用

# 错误映射

coordinator 的哨兵错误通过 WriteDomainError 转换为 types.Error：
NOT_FOUND → 404，CAPABILITY_UNAVAILABLE / TASK_TERMINAL → 409，
INVALID_REQUEST → 400，NO_NODES → 503。
*/
package handlers
