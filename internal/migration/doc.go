/*
包 migration 管理事件存储的数据库 Schema，支持 PostgreSQL、MySQL 与
SQLite，基于 golang-migrate 实现。

迁移文件通过 embed.FS 内嵌，目前只包含 task_events 表，供
events.StoreSink 持久化任务遥测事件。SQLite 使用纯 Go 的 modernc 驱动，
无需 CGO。

# 核心类型

  - Migrator / DefaultMigrator：Up/Down/DownAll/Steps/Goto/Force/
    Version/Status/Info/Close。
  - Config：数据库类型、连接 URL 与迁移表名。
  - CLI：为 swarmd migrate 子命令提供格式化输出。

工厂函数 NewMigratorFromConfig 直接读取应用的 DatabaseConfig。
*/
package migration
