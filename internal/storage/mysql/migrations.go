package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"RentEscrow/deploy/migrations"
)

const (
	createSchemaMigrationsSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        digest CHAR(66) NOT NULL,
        applied_at BIGINT NOT NULL
)`
	selectAppliedMigrationsSQL = `SELECT version, digest FROM schema_migrations`
	recordMigrationSQL         = `INSERT INTO schema_migrations (version, digest, applied_at) VALUES (?, ?, ?)`
)

// schemaStep 是一个迁移文件：版本号取文件名前缀，digest 是文件内容的 keccak256。
type schemaStep struct {
	version    string
	file       string
	digest     string
	statements []string
}

// migrator 把内嵌的 SQL 文件按版本顺序应用到数据库。
// 已应用版本的 digest 与当前文件不一致时拒绝启动，避免线上表结构与代码悄悄分叉。
type migrator struct {
	db     *sql.DB
	source fs.FS
	now    func() time.Time
}

// runMigrations 使用内嵌的迁移文件升级数据库。
func runMigrations(ctx context.Context, db *sql.DB) error {
	m := &migrator{db: db, source: migrations.Files, now: time.Now}
	return m.up(ctx)
}

func (m *migrator) up(ctx context.Context) error {
	steps, err := m.steps()
	if err != nil {
		return err
	}
	if _, err := m.db.ExecContext(ctx, createSchemaMigrationsSQL); err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}

	for _, step := range steps {
		digest, done := applied[step.version]
		if !done {
			continue
		}
		if digest != step.digest {
			return fmt.Errorf("迁移 %s 已应用但文件内容已变化 (记录 %s, 当前 %s)", step.file, digest, step.digest)
		}
	}
	for _, step := range steps {
		if _, done := applied[step.version]; done {
			continue
		}
		if err := m.apply(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

// applied 返回已应用版本到 digest 的映射。
func (m *migrator) applied(ctx context.Context) (map[string]string, error) {
	rows, err := m.db.QueryContext(ctx, selectAppliedMigrationsSQL)
	if err != nil {
		return nil, fmt.Errorf("查询 schema_migrations 失败: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var version, digest string
		if err := rows.Scan(&version, &digest); err != nil {
			return nil, fmt.Errorf("解析 schema_migrations 失败: %w", err)
		}
		out[version] = digest
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 schema_migrations 失败: %w", err)
	}
	return out, nil
}

// apply 在一个事务中执行文件内的全部语句并登记版本。
// 注意 MySQL 的 DDL 会隐式提交，失败的文件需要人工检查。
func (m *migrator) apply(ctx context.Context, step schemaStep) (err error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, stmt := range step.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("执行迁移 %s 第 %d 条语句失败: %w", step.file, i+1, err)
		}
	}
	if _, err = tx.ExecContext(ctx, recordMigrationSQL, step.version, step.digest, m.now().Unix()); err != nil {
		return fmt.Errorf("记录迁移版本 %s 失败: %w", step.version, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移 %s 失败: %w", step.file, err)
	}
	return nil
}

// steps 读取 source 中的 .sql 文件并按版本排序。同一版本出现两次视为错误。
func (m *migrator) steps() ([]schemaStep, error) {
	files, err := fs.Glob(m.source, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}

	byVersion := make(map[string]string, len(files))
	steps := make([]schemaStep, 0, len(files))
	for _, file := range files {
		content, err := fs.ReadFile(m.source, file)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", file, err)
		}
		statements := splitSQLStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		version := parseMigrationVersion(path.Base(file))
		if prev, dup := byVersion[version]; dup {
			return nil, fmt.Errorf("迁移版本 %s 重复: %s 与 %s", version, prev, file)
		}
		byVersion[version] = file
		steps = append(steps, schemaStep{
			version:    version,
			file:       file,
			digest:     crypto.Keccak256Hash(content).Hex(),
			statements: statements,
		})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

// splitSQLStatements 按分号拆分语句，丢弃空语句与整行的 -- 注释。
func splitSQLStatements(content string) []string {
	var kept strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept.WriteString(line)
		kept.WriteByte('\n')
	}

	var statements []string
	for _, stmt := range strings.Split(kept.String(), ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

// parseMigrationVersion 取文件名中第一个下划线或点之前的部分。
func parseMigrationVersion(name string) string {
	if idx := strings.IndexAny(name, "_."); idx > 0 {
		return name[:idx]
	}
	return name
}
