package sqlmigrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"AgentDCA/deploy/migrations"
	xerrors "AgentDCA/internal/errors"
	"AgentDCA/pkg/logger"
)

// Dialect 描述迁移记录表在不同数据库上的差异。
type Dialect struct {
	Name       string
	historyDDL string
	insert     string
}

var (
	// MySQL 使用 ? 占位符。
	MySQL = Dialect{
		Name: "mysql",
		historyDDL: `CREATE TABLE IF NOT EXISTS schema_migrations (
	version VARCHAR(32) NOT NULL PRIMARY KEY,
	checksum CHAR(64) NOT NULL,
	applied_at BIGINT NOT NULL
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		insert: `INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?)`,
	}
	// Postgres 使用 $n 占位符。
	Postgres = Dialect{
		Name: "postgres",
		historyDDL: `CREATE TABLE IF NOT EXISTS schema_migrations (
	version VARCHAR(32) PRIMARY KEY,
	checksum CHAR(64) NOT NULL,
	applied_at BIGINT NOT NULL
)`,
		insert: `INSERT INTO schema_migrations (version, checksum, applied_at) VALUES ($1, $2, $3)`,
	}
)

// Migration 是一个迁移文件。
type Migration struct {
	Version    string
	Name       string
	Checksum   string
	Statements []string
}

// Option 配置 Runner。
type Option func(*Runner)

// WithFiles 替换内置迁移文件。
func WithFiles(files fs.FS) Option {
	return func(r *Runner) {
		if files != nil {
			r.files = files
		}
	}
}

// WithClock 注入时间函数。
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// Runner 按版本顺序执行尚未应用的迁移，每个文件一个事务。
type Runner struct {
	db      *sql.DB
	dialect Dialect
	files   fs.FS
	now     func() time.Time
	log     *slog.Logger
}

// NewRunner 创建迁移运行器，默认读取 deploy/migrations 下与方言同名的目录。
func NewRunner(db *sql.DB, dialect Dialect, opts ...Option) (*Runner, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "迁移运行器缺少数据库连接")
	}
	r := &Runner{
		db:      db,
		dialect: dialect,
		now:     time.Now,
		log:     logger.Named("migrate").With(slog.String("dialect", dialect.Name)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.files == nil {
		files, err := migrations.For(dialect.Name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "")
		}
		r.files = files
	}
	return r, nil
}

// Run 执行迁移并返回本次应用的版本。
func (r *Runner) Run(ctx context.Context) ([]string, error) {
	if _, err := r.db.ExecContext(ctx, r.dialect.historyDDL); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}
	applied, err := r.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := Load(r.files)
	if err != nil {
		return nil, err
	}

	var done []string
	for _, m := range pending {
		if checksum, ok := applied[m.Version]; ok {
			if checksum != m.Checksum {
				r.log.Warn("已应用的迁移文件内容发生变化", slog.String("version", m.Version), slog.String("file", m.Name))
			}
			continue
		}
		if err := r.apply(ctx, m); err != nil {
			return done, err
		}
		r.log.Info("已应用数据库迁移", slog.String("version", m.Version), slog.String("file", m.Name))
		done = append(done, m.Version)
	}
	return done, nil
}

func (r *Runner) appliedVersions(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 schema_migrations 失败")
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 schema_migrations 失败")
		}
		applied[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 schema_migrations 失败")
	}
	return applied, nil
}

func (r *Runner) apply(ctx context.Context, m Migration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启迁移事务失败")
	}
	for _, stmt := range m.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("执行迁移 %s 失败", m.Name))
		}
	}
	if _, err := tx.ExecContext(ctx, r.dialect.insert, m.Version, m.Checksum, r.now().Unix()); err != nil {
		_ = tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录迁移版本失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交迁移事务失败")
	}
	return nil
}

// Load 读取目录下全部 .sql 文件并按版本排序。没有语句的文件被忽略。
func Load(files fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取迁移目录失败")
	}
	var out []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || path.Ext(name) != ".sql" {
			continue
		}
		content, err := fs.ReadFile(files, name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取迁移文件 "+name+" 失败")
		}
		statements := Split(string(content))
		if len(statements) == 0 {
			continue
		}
		sum := sha256.Sum256(content)
		out = append(out, Migration{
			Version:    versionOf(name),
			Name:       name,
			Checksum:   hex.EncodeToString(sum[:]),
			Statements: statements,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Version == out[j].Version {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// Split 按分号拆分语句，并去掉整行的 -- 注释。
func Split(content string) []string {
	var b strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	var statements []string
	for _, stmt := range strings.Split(b.String(), ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

func versionOf(name string) string {
	base := strings.TrimSuffix(name, path.Ext(name))
	if idx := strings.IndexByte(base, '_'); idx > 0 {
		return base[:idx]
	}
	return base
}
