// Package database provides a read-only SQL inspection endpoint for SQLite
// databases. The LLM composes three functions (list_databases,
// describe_table, run_query) to answer questions about stored data without
// mutating it.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	ensemble "github.com/ensembleai/ensemble"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const (
	defaultRowLimit = 100
	maxOutputSize   = 32 * 1024 // 32KB
)

// Endpoint serves read-only SQL tools over a SQLite database.
type Endpoint struct {
	db    *sql.DB
	label string
}

var _ ensemble.Endpoint = (*Endpoint)(nil)

// New creates a database endpoint over an existing handle. label names the
// database in tool output (e.g. "sales").
func New(db *sql.DB, label string) *Endpoint {
	return &Endpoint{db: db, label: label}
}

// Open creates a database endpoint for a SQLite file at path.
func Open(path, label string) (*Endpoint, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return New(db, label), nil
}

func (e *Endpoint) Specs() []ensemble.ToolSpec {
	return []ensemble.ToolSpec{
		{
			Name:        "list_databases",
			Description: "List the available database and its tables with row counts. Use this first to discover what data is available.",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
			Output:      "Database name followed by one line per table: name and row count.",
		},
		{
			Name:        "describe_table",
			Description: "Show the columns of a table: name, type, and whether the column is part of the primary key.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"table": {
						"type": "string",
						"description": "Table name as returned by list_databases"
					}
				},
				"required": ["table"]
			}`),
			Output: "One line per column: name, type, and key marker.",
		},
		{
			Name:        "run_query",
			Description: "Run a read-only SELECT query and return the rows. Only SELECT statements are allowed; results are capped at 100 rows.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"sql": {
						"type": "string",
						"description": "A single SELECT statement"
					}
				},
				"required": ["sql"]
			}`),
			Output: "Header row followed by pipe-separated result rows.",
		},
	}
}

// Call dispatches a tool invocation. The invocation context identifies the
// caller in logs upstream; the endpoint itself is stateless per call.
func (e *Endpoint) Call(ctx context.Context, name string, args json.RawMessage, _ ensemble.InvocationContext) (string, error) {
	switch name {
	case "list_databases":
		return e.listDatabases(ctx)
	case "describe_table":
		return e.describeTable(ctx, args)
	case "run_query":
		return e.runQuery(ctx, args)
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

func (e *Endpoint) listDatabases(ctx context.Context) (string, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return "", fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return "", fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("list tables: %w", err)
	}
	if len(names) == 0 {
		return fmt.Sprintf("Database %q has no tables.", e.label), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Database %q has %d tables:\n", e.label, len(names))
	for _, name := range names {
		var count int
		// Table names come from sqlite_master, not the model.
		if err := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "`+name+`"`).Scan(&count); err != nil {
			return "", fmt.Errorf("count %s: %w", name, err)
		}
		fmt.Fprintf(&b, "- %s (%d rows)\n", name, count)
	}
	return b.String(), nil
}

func (e *Endpoint) describeTable(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Table string `json:"table"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if params.Table == "" {
		return "", fmt.Errorf("table is required")
	}
	if !validIdentifier(params.Table) {
		return "", fmt.Errorf("invalid table name: %s", params.Table)
	}

	rows, err := e.db.QueryContext(ctx, `SELECT name, type, pk FROM pragma_table_info(?)`, params.Table)
	if err != nil {
		return "", fmt.Errorf("describe %s: %w", params.Table, err)
	}
	defer rows.Close()

	var b strings.Builder
	n := 0
	for rows.Next() {
		var name, typ string
		var pk int
		if err := rows.Scan(&name, &typ, &pk); err != nil {
			return "", fmt.Errorf("scan column: %w", err)
		}
		if n == 0 {
			fmt.Fprintf(&b, "Table %q columns:\n", params.Table)
		}
		marker := ""
		if pk > 0 {
			marker = " (primary key)"
		}
		fmt.Fprintf(&b, "- %s %s%s\n", name, typ, marker)
		n++
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("describe %s: %w", params.Table, err)
	}
	if n == 0 {
		return "", fmt.Errorf("no such table: %s", params.Table)
	}
	return b.String(), nil
}

func (e *Endpoint) runQuery(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		SQL string `json:"sql"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}

	query := strings.TrimSpace(params.SQL)
	if query == "" {
		return "", fmt.Errorf("sql is required")
	}
	if !isSelect(query) {
		return "", fmt.Errorf("only SELECT statements are allowed")
	}

	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return "", fmt.Errorf("run query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", fmt.Errorf("read columns: %w", err)
	}

	var b strings.Builder
	b.WriteString(strings.Join(cols, " | "))
	b.WriteByte('\n')

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	n := 0
	for rows.Next() {
		if n >= defaultRowLimit {
			fmt.Fprintf(&b, "... truncated at %d rows\n", defaultRowLimit)
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", fmt.Errorf("scan row: %w", err)
		}
		fields := make([]string, len(vals))
		for i, v := range vals {
			fields[i] = renderValue(v)
		}
		b.WriteString(strings.Join(fields, " | "))
		b.WriteByte('\n')
		n++
		if b.Len() > maxOutputSize {
			b.WriteString("... output truncated\n")
			break
		}
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("run query: %w", err)
	}
	if n == 0 {
		b.WriteString("(no rows)\n")
	}
	return b.String(), nil
}

// isSelect reports whether the statement is a plain SELECT (or WITH ...
// SELECT). Compound statements are rejected by the single-statement check in
// the driver.
func isSelect(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	return strings.HasPrefix(q, "select") || strings.HasPrefix(q, "with")
}

// validIdentifier accepts plain table names: letters, digits, underscores.
func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}

func renderValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Close releases the underlying database handle.
func (e *Endpoint) Close() error {
	return e.db.Close()
}
