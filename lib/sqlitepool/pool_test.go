// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"path/filepath"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/vigil-sh/vigil/lib/sqlitepool"
)

func TestOpenRequiresPath(t *testing.T) {
	if _, err := sqlitepool.Open(sqlitepool.Config{}); err == nil {
		t.Fatal("Open with empty Path succeeded")
	}
}

func TestTakePutRoundTrip(t *testing.T) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteTransient(conn,
				"CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT)", nil)
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()
	conn, err := pool.Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}

	err = sqlitex.Execute(conn, "INSERT INTO kv (k, v) VALUES (?, ?)", &sqlitex.ExecOptions{
		Args: []any{"session", "S1"},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	pool.Put(conn)

	conn, err = pool.Take(ctx)
	if err != nil {
		t.Fatalf("second Take: %v", err)
	}
	defer pool.Put(conn)

	var got string
	err = sqlitex.Execute(conn, "SELECT v FROM kv WHERE k = ?", &sqlitex.ExecOptions{
		Args: []any{"session"},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			got = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != "S1" {
		t.Fatalf("v = %q, want S1", got)
	}
}

func TestOnConnectErrorSurfacesFromTake(t *testing.T) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path: filepath.Join(t.TempDir(), "bad.db"),
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteTransient(conn, "THIS IS NOT SQL", nil)
		},
	})
	if err != nil {
		// Some pool implementations validate eagerly; that's fine too.
		return
	}
	defer pool.Close()

	if _, err := pool.Take(context.Background()); err == nil {
		t.Fatal("Take succeeded despite failing OnConnect")
	}
}
