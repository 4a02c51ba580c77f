package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "OperatorHub/internal/errors"
	"OperatorHub/pkg/plugin"
)

const (
	selectSettingsSQL = `SELECT settings FROM plugin_settings WHERE plugin = ? AND dataset = ?`
	upsertSettingsSQL = `INSERT INTO plugin_settings (plugin, dataset, settings, updated_at)
VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE settings = VALUES(settings), updated_at = VALUES(updated_at)`
	deleteSettingsSQL = `DELETE FROM plugin_settings WHERE plugin = ? AND dataset = ?`
)

// MySQLSource 把插件设置存放在 plugin_settings 表中。
type MySQLSource struct {
	db  *sql.DB
	now func() time.Time
}

var _ plugin.SettingsSource = (*MySQLSource)(nil)

// NewMySQLSource 建立连接并执行迁移。
func NewMySQLSource(ctx context.Context, cfg Config) (*MySQLSource, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open settings database")
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "migrate settings database")
	}
	return newMySQLSource(db), nil
}

func newMySQLSource(db *sql.DB) *MySQLSource {
	return &MySQLSource{db: db, now: time.Now}
}

// Close 释放连接池。
func (s *MySQLSource) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GlobalSettings 实现 plugin.SettingsSource。
func (s *MySQLSource) GlobalSettings(ctx context.Context, name string) (map[string]any, error) {
	return s.load(ctx, name, "")
}

// DatasetSettings 实现 plugin.SettingsSource。
func (s *MySQLSource) DatasetSettings(ctx context.Context, dataset, name string) (map[string]any, error) {
	if strings.TrimSpace(dataset) == "" {
		return nil, nil
	}
	return s.load(ctx, name, dataset)
}

// SetGlobal 写入插件的全局设置层。
func (s *MySQLSource) SetGlobal(ctx context.Context, name string, values map[string]any) error {
	return s.store(ctx, name, "", values)
}

// SetDataset 写入插件在某数据集上的设置层。
func (s *MySQLSource) SetDataset(ctx context.Context, dataset, name string, values map[string]any) error {
	if strings.TrimSpace(dataset) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "dataset cannot be empty")
	}
	return s.store(ctx, name, dataset, values)
}

// Delete 删除一层设置，不存在时不报错。
func (s *MySQLSource) Delete(ctx context.Context, dataset, name string) error {
	if _, err := s.db.ExecContext(ctx, deleteSettingsSQL, name, dataset); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除插件设置失败")
	}
	return nil
}

func (s *MySQLSource) load(ctx context.Context, name, dataset string) (map[string]any, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, selectSettingsSQL, name, dataset).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询插件设置失败")
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("插件 %s 的设置不是合法 JSON", name))
	}
	return out, nil
}

func (s *MySQLSource) store(ctx context.Context, name, dataset string, values map[string]any) error {
	if strings.TrimSpace(name) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin name cannot be empty")
	}
	if values == nil {
		values = map[string]any{}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码插件设置失败")
	}
	if _, err := s.db.ExecContext(ctx, upsertSettingsSQL, name, dataset, string(raw), s.now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存插件设置失败")
	}
	return nil
}
