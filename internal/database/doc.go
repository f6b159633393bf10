/*
包 database 提供基于 GORM 的数据库连接与连接池管理，支持健康检查、
统计信息采集与事务重试，承载任务事件的持久化存储。

# 核心类型

  - Open/Dialector：按 config.DatabaseConfig 选择 postgres、mysql 或
    sqlite 方言。sqlite 在 cgo 可用时走 mattn/go-sqlite3，否则走
    modernc.org/sqlite（与 golang-migrate 的 sqlite 驱动共用 "sqlite" 注册名）。
  - PoolManager：连接池管理器，持有 GORM DB 实例与底层 sql.DB，
    提供 DB()、Ping()、Stats()、Close() 等生命周期方法。
  - PoolConfig：连接池配置，包含最大空闲连接数、最大打开连接数、
    连接最大生命周期、空闲超时与健康检查间隔。

# 主要能力

  - 健康检查：后台定时 PingContext 探活，连接数写入 Prometheus。
  - 事务管理：WithTransaction 提供单次事务执行并记录耗时，
    WithTransactionRetry 支持指数退避重试（死锁、序列化失败等场景）。
*/
package database
