// 测试用内存 SQLite 数据库夹具。
package testutil

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// OpenSQLite 返回隔离的内存数据库。纯 Go 驱动的内存库按连接私有，
// 连接池必须钉死单连接，否则已建的表会在其他连接中凭空消失。
func OpenSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	return db
}
