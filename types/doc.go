/*
Package types 提供 swarm 编排层的全局共享类型定义。

types 是最底层的公共包，不依赖任何内部包。目前只承载结构化错误体系：
ErrorCode、Error（含 HTTP 状态码与 Retryable 标记）以及
AsError / GetErrorCode / IsRetryable 等工具函数，供 api/handlers
在边界处把领域错误映射为统一响应。
*/
package types
