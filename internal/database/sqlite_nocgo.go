//go:build !cgo

package database

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	// 纯 Go 驱动，注册为 "sqlite"，与迁移工具共用
	_ "modernc.org/sqlite"
)

// CGO_ENABLED=0 时改用 modernc 驱动
func sqliteDialector(dsn string) gorm.Dialector {
	return sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: dsn})
}
