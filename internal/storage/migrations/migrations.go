package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresExecer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type PostgresExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ClickhouseExecer is satisfied by clickhouse driver.Conn.
type ClickhouseExecer interface {
	Exec(ctx context.Context, query string, args ...any) error
}

// ApplyPostgres applies all embedded SQL files in lexical order.
// Migrations are expected to be idempotent.
func ApplyPostgres(ctx context.Context, db PostgresExecer) error {
	files, err := sqlFiles(PostgresFS, "postgres")
	if err != nil {
		return fmt.Errorf("read embedded postgres migrations: %w", err)
	}

	for _, file := range files {
		data, err := fs.ReadFile(PostgresFS, "postgres/"+file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		if _, err := db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
	}

	return nil
}

// ApplyClickhouse applies all embedded SQL files in lexical order, one
// statement at a time. The ClickHouse driver does not support multi-statement Exec.
func ApplyClickhouse(ctx context.Context, conn ClickhouseExecer) error {
	files, err := sqlFiles(ClickhouseFS, "clickhouse")
	if err != nil {
		return fmt.Errorf("read embedded clickhouse migrations: %w", err)
	}

	for _, file := range files {
		data, err := fs.ReadFile(ClickhouseFS, "clickhouse/"+file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if err := validateNoSemicolonInStrings(string(data)); err != nil {
			return fmt.Errorf("validate migration %s: %w", file, err)
		}
		for _, stmt := range splitStatements(string(data)) {
			if err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %s: %w", file, err)
			}
		}
	}

	return nil
}

func sqlFiles(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// splitStatements splits SQL content into individual statements by semicolon.
//
// The splitter does not understand string literals, block comments or
// dollar quoting. Migrations use -- comments only and never put a semicolon
// inside a literal; validateNoSemicolonInStrings enforces the latter.
func splitStatements(input string) []string {
	var filtered []string
	for _, line := range strings.Split(input, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		filtered = append(filtered, line)
	}
	joined := strings.Join(filtered, "\n")

	var stmts []string
	for _, part := range strings.Split(joined, ";") {
		stmt := strings.TrimSpace(part)
		if stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// validateNoSemicolonInStrings rejects SQL with a semicolon inside a
// single-quoted literal.
func validateNoSemicolonInStrings(sql string) error {
	inString := false
	for i := 0; i < len(sql); i++ {
		ch := sql[i]
		if ch == '\'' {
			if i+1 < len(sql) && sql[i+1] == '\'' {
				i++
				continue
			}
			inString = !inString
		} else if ch == ';' && inString {
			return fmt.Errorf("semicolon found inside string literal")
		}
	}
	return nil
}
