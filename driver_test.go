// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package jsonquery

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"
	"sync"
	"unsafe"

	"github.com/mattn/go-sqlite3"
)

// This file contains a wrapper sql.Driver over the SQLite driver which
// counts the queries run on connections and on prepared statements, and
// records the statements prepared and closed. Tests use it to check the
// number of round trips of a query and to check for statement leaks.

// openedStmts and closedStmts store the pointers to the created/closed
// statements indexed by test name.
var openedStmts = map[string]map[uintptr]string{}
var closedStmts = map[string]map[uintptr]bool{}
var stmtRegistryMutex sync.RWMutex

// dbQueriesRun and stmtQueriesRun count the number of queries run directly
// against the database and queries that are run through a prepared statement.
// The maps are indexed by the test name. The queriesRunMutex must be used when
// accessing the counts.
var dbQueriesRun = map[string]int{}
var stmtQueriesRun = map[string]int{}
var queriesRunMutex sync.RWMutex

func countQuery(counts map[string]int, testName string) {
	queriesRunMutex.Lock()
	defer queriesRunMutex.Unlock()
	counts[testName]++
}

type countingDriver struct {
	driver.Driver
}

type countingConn struct {
	testName string
	*sqlite3.SQLiteConn
}

type countingStmt struct {
	testName string
	*sqlite3.SQLiteStmt
}

func (s *countingStmt) Close() error {
	stmtRegistryMutex.Lock()
	defer stmtRegistryMutex.Unlock()
	if _, ok := closedStmts[s.testName]; !ok {
		closedStmts[s.testName] = map[uintptr]bool{}
	}
	closedStmts[s.testName][uintptr(unsafe.Pointer(s))] = true
	return s.SQLiteStmt.Close()
}

func (c *countingConn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	s, err := c.SQLiteConn.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	sm, ok := s.(*sqlite3.SQLiteStmt)
	if !ok {
		panic(fmt.Sprintf("internal error: base driver is not SQLite, got %T", s))
	}
	stmt := &countingStmt{SQLiteStmt: sm, testName: c.testName}

	stmtRegistryMutex.Lock()
	defer stmtRegistryMutex.Unlock()
	if _, ok := openedStmts[c.testName]; !ok {
		openedStmts[c.testName] = map[uintptr]string{}
	}
	openedStmts[c.testName][uintptr(unsafe.Pointer(stmt))] = query
	return stmt, nil
}

func (c *countingConn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *countingConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	rows, err := c.SQLiteConn.QueryContext(ctx, query, args)
	if err == nil {
		countQuery(dbQueriesRun, c.testName)
	}
	return rows, err
}

func (s *countingStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	rows, err := s.SQLiteStmt.QueryContext(ctx, args)
	if err == nil {
		countQuery(stmtQueriesRun, s.testName)
	}
	return rows, err
}

const testNameTag = "testName"

// Open expects the DSN to contain the test name using the testNameTag
// attribute.
func (d *countingDriver) Open(name string) (driver.Conn, error) {
	var testName string
	if _, parameters, ok := strings.Cut(name, "?"); ok {
		for _, p := range strings.Split(parameters, "&") {
			if key, value, _ := strings.Cut(p, "="); key == testNameTag {
				testName = value
			}
		}
	}
	if testName == "" {
		panic("internal error: testName is not found in the db DSN")
	}

	baseConn, err := d.Driver.Open(name)
	if err != nil {
		return nil, err
	}
	conn, ok := baseConn.(*sqlite3.SQLiteConn)
	if !ok {
		panic("internal error: base driver is not SQLite")
	}
	return &countingConn{SQLiteConn: conn, testName: testName}, nil
}

func init() {
	sql.Register("sqlite3_counting", &countingDriver{
		&sqlite3.SQLiteDriver{},
	})
}
