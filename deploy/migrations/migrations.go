package migrations

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed mysql/*.sql postgres/*.sql
var files embed.FS

// For 返回指定方言目录下的 SQL 迁移文件。
func For(dialect string) (fs.FS, error) {
	if _, err := fs.ReadDir(files, dialect); err != nil {
		return nil, fmt.Errorf("没有 %s 方言的迁移文件: %w", dialect, err)
	}
	return fs.Sub(files, dialect)
}
