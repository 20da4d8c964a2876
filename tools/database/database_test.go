package database

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	ensemble "github.com/ensembleai/ensemble"
)

func testEndpoint(t *testing.T) *Endpoint {
	t.Helper()
	e, err := Open(filepath.Join(t.TempDir(), "sales.db"), "sales")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	ctx := context.Background()
	stmts := []string{
		`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, city TEXT)`,
		`CREATE TABLE orders (id INTEGER PRIMARY KEY, user_id INTEGER, total REAL)`,
		`INSERT INTO users VALUES (1, 'Ada', 'London'), (2, 'Grace', 'New York')`,
		`INSERT INTO orders VALUES (1, 1, 42.5), (2, 1, 10.0), (3, 2, 99.9)`,
	}
	for _, stmt := range stmts {
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
	return e
}

func call(t *testing.T, e *Endpoint, name, args string) string {
	t.Helper()
	out, err := e.Call(context.Background(), name, json.RawMessage(args), ensemble.InvocationContext{})
	if err != nil {
		t.Fatalf("Call(%s): %v", name, err)
	}
	return out
}

func TestSpecs(t *testing.T) {
	e := testEndpoint(t)
	specs := e.Specs()
	if len(specs) != 3 {
		t.Fatalf("specs = %d, want 3", len(specs))
	}
	names := map[string]bool{}
	for _, s := range specs {
		names[s.Name] = true
		if !json.Valid(s.Parameters) {
			t.Errorf("%s has invalid parameter schema", s.Name)
		}
	}
	for _, want := range []string{"list_databases", "describe_table", "run_query"} {
		if !names[want] {
			t.Errorf("missing spec %s", want)
		}
	}
}

func TestListDatabases(t *testing.T) {
	e := testEndpoint(t)
	out := call(t, e, "list_databases", `{}`)

	if !strings.Contains(out, `"sales"`) {
		t.Errorf("missing database label: %s", out)
	}
	if !strings.Contains(out, "users (2 rows)") {
		t.Errorf("missing users count: %s", out)
	}
	if !strings.Contains(out, "orders (3 rows)") {
		t.Errorf("missing orders count: %s", out)
	}
}

func TestDescribeTable(t *testing.T) {
	e := testEndpoint(t)
	out := call(t, e, "describe_table", `{"table":"users"}`)

	if !strings.Contains(out, "id INTEGER (primary key)") {
		t.Errorf("missing primary key column: %s", out)
	}
	if !strings.Contains(out, "name TEXT") || !strings.Contains(out, "city TEXT") {
		t.Errorf("missing columns: %s", out)
	}
}

func TestDescribeTableMissing(t *testing.T) {
	e := testEndpoint(t)
	_, err := e.Call(context.Background(), "describe_table",
		json.RawMessage(`{"table":"nope"}`), ensemble.InvocationContext{})
	if err == nil {
		t.Fatal("expected error for missing table")
	}
}

func TestDescribeTableRejectsBadIdentifier(t *testing.T) {
	e := testEndpoint(t)
	_, err := e.Call(context.Background(), "describe_table",
		json.RawMessage(`{"table":"users; drop table users"}`), ensemble.InvocationContext{})
	if err == nil {
		t.Fatal("expected error for invalid identifier")
	}
}

func TestRunQuery(t *testing.T) {
	e := testEndpoint(t)
	out := call(t, e, "run_query",
		`{"sql":"SELECT name, total FROM users JOIN orders ON orders.user_id = users.id WHERE total > 40 ORDER BY total"}`)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d lines: %s", len(lines), out)
	}
	if lines[0] != "name | total" {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "Ada") || !strings.Contains(lines[2], "Grace") {
		t.Errorf("rows = %v", lines[1:])
	}
}

func TestRunQueryNoRows(t *testing.T) {
	e := testEndpoint(t)
	out := call(t, e, "run_query", `{"sql":"SELECT * FROM users WHERE id = 99"}`)
	if !strings.Contains(out, "(no rows)") {
		t.Errorf("expected no-rows marker: %s", out)
	}
}

func TestRunQueryRejectsWrites(t *testing.T) {
	e := testEndpoint(t)
	for _, q := range []string{
		`{"sql":"DELETE FROM users"}`,
		`{"sql":"INSERT INTO users VALUES (3, 'x', 'y')"}`,
		`{"sql":"UPDATE users SET name = 'x'"}`,
	} {
		_, err := e.Call(context.Background(), "run_query", json.RawMessage(q), ensemble.InvocationContext{})
		if err == nil {
			t.Errorf("write statement accepted: %s", q)
		}
	}
}

func TestUnknownTool(t *testing.T) {
	e := testEndpoint(t)
	_, err := e.Call(context.Background(), "drop_everything", json.RawMessage(`{}`), ensemble.InvocationContext{})
	if err == nil {
		t.Fatal("expected error for unknown tool")
	}
}
