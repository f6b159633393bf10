//go:build cgo

package database

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// cgo 可用时使用 mattn/go-sqlite3
func sqliteDialector(dsn string) gorm.Dialector {
	return sqlite.Open(dsn)
}
