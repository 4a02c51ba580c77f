package settings

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"OperatorHub/deploy/migrations"
	"OperatorHub/pkg/logger"
)

var embeddedMigrations fs.FS = migrations.Files

const (
	createMigrationsTableSQL = `CREATE TABLE IF NOT EXISTS settings_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`
	selectMigrationsSQL = `SELECT version FROM settings_migrations`
	insertMigrationSQL  = `INSERT INTO settings_migrations (version, applied_at) VALUES (?, ?)`
)

// migrationFile 是一个 <version>_<name>.sql 文件拆分后的语句。
type migrationFile struct {
	version    string
	name       string
	statements []string
}

// runMigrations 按版本顺序执行尚未记录在 settings_migrations 中的迁移，每个文件一个事务。
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createMigrationsTableSQL); err != nil {
		return fmt.Errorf("创建 settings_migrations 表失败: %w", err)
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		return err
	}

	log := logger.Named("settings")
	for _, m := range files {
		if applied[m.version] {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
		log.Info("设置库迁移已执行", slog.String("version", m.version), slog.String("file", m.name))
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, selectMigrationsSQL)
	if err != nil {
		return nil, fmt.Errorf("查询已执行迁移失败: %w", err)
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("读取迁移版本失败: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func applyMigration(ctx context.Context, db *sql.DB, m migrationFile) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, stmt := range m.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("执行迁移 %s 失败: %w", m.name, err)
		}
	}
	if _, err = tx.ExecContext(ctx, insertMigrationSQL, m.version, time.Now().Unix()); err != nil {
		return fmt.Errorf("记录迁移 %s 失败: %w", m.version, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移 %s 失败: %w", m.version, err)
	}
	return nil
}

// loadMigrationFiles 读取 fsys 根目录下的 .sql 文件，空文件被忽略。
func loadMigrationFiles(fsys fs.FS) ([]migrationFile, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("列出迁移文件失败: %w", err)
	}

	files := make([]migrationFile, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		stmts := splitStatements(string(content))
		if len(stmts) == 0 {
			continue
		}
		files = append(files, migrationFile{version: migrationVersion(name), name: name, statements: stmts})
	}
	slices.SortFunc(files, func(a, b migrationFile) int {
		return cmp.Or(cmp.Compare(a.version, b.version), cmp.Compare(a.name, b.name))
	})
	return files, nil
}

func splitStatements(content string) []string {
	var out []string
	for _, stmt := range strings.Split(content, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// migrationVersion 取文件名第一个下划线前的部分，0001_plugin_settings.sql 的版本为 0001。
func migrationVersion(name string) string {
	base := strings.TrimSuffix(name, path.Ext(name))
	version, _, _ := strings.Cut(base, "_")
	return version
}
