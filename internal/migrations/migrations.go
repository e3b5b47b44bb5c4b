// Package migrations embeds the database schema and applies it with goose.
package migrations

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed sql/*.sql
var files embed.FS

const dir = "sql"

// TableName is the goose version table.
const TableName = "schema_migrations"

type zapLogger struct {
	log *zap.SugaredLogger
}

func (l zapLogger) Printf(format string, v ...interface{}) { l.log.Infof(format, v...) }
func (l zapLogger) Fatalf(format string, v ...interface{}) { l.log.Fatalf(format, v...) }

func setup(logger *zap.Logger) error {
	goose.SetBaseFS(files)
	goose.SetTableName(TableName)
	goose.SetLogger(zapLogger{log: logger.Sugar()})
	return goose.SetDialect("postgres")
}

// Run executes a goose command ("up", "down", "status", "redo", "reset", "version")
// against the pool.
func Run(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger, command string) error {
	if err := setup(logger); err != nil {
		return fmt.Errorf("goose setup: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	if err := goose.RunContext(ctx, command, db, dir); err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}
	return nil
}

func Up(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	return Run(ctx, pool, logger, "up")
}
