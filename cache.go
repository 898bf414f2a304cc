// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package jsonquery

import (
	"context"
	"database/sql"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// maxCachedStatements bounds the number of statements a cache holds. Queries
// differ in their SQL text whenever their filters, window or IN lists do.
const maxCachedStatements = 256

// maxSeenStatements bounds the number of SQL texts remembered as run once.
const maxSeenStatements = 4 * maxCachedStatements

// prepareSubstrate is an object that queries can be prepared on, e.g. a sql.DB
// or sql.Conn.
type prepareSubstrate interface {
	PrepareContext(context.Context, string) (*sql.Stmt, error)
}

// cachedStatement is a prepared statement and the number of sessions using
// it. An evicted statement is closed once no session uses it.
type cachedStatement struct {
	stmt    *sql.Stmt
	users   int
	evicted bool
}

// statementCache holds the statements prepared on a database, indexed by
// their SQL text, and evicts the least recently used one when full. A SQL
// text is only prepared once it has run twice. Sessions bind cached
// statements to their transaction with sql.Tx.StmtContext, which does not
// prepare them again.
//
// The mutex must be locked when accessing stmts and seen.
type statementCache struct {
	ps    prepareSubstrate
	stmts *simplelru.LRU[string, *cachedStatement]
	seen  *simplelru.LRU[string, struct{}]
	mutex sync.Mutex
}

func newStatementCache(ps prepareSubstrate) *statementCache {
	sc := &statementCache{ps: ps}
	// NewLRU only fails for a size that is not positive.
	sc.stmts, _ = simplelru.NewLRU[string, *cachedStatement](maxCachedStatements, sc.evict)
	sc.seen, _ = simplelru.NewLRU[string, struct{}](maxSeenStatements, nil)
	return sc
}

// evict is called by stmts with the mutex locked.
func (sc *statementCache) evict(_ string, cs *cachedStatement) {
	if cs.evicted {
		return
	}
	cs.evicted = true
	if cs.users == 0 {
		_ = cs.stmt.Close()
	}
}

// acquire returns the statement prepared for query, if there is one. The
// caller must release it when done.
func (sc *statementCache) acquire(query string) (*cachedStatement, bool) {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	cs, ok := sc.stmts.Get(query)
	if ok {
		cs.users++
	}
	return cs, ok
}

// release gives back a statement returned by acquire.
func (sc *statementCache) release(cs *cachedStatement) {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	cs.users--
	if cs.evicted && cs.users == 0 {
		_ = cs.stmt.Close()
	}
}

// ran records that query ran successfully without a prepared statement. It
// reports whether it had run before.
func (sc *statementCache) ran(query string) bool {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	if sc.stmts.Contains(query) {
		return false
	}
	if sc.seen.Contains(query) {
		sc.seen.Remove(query)
		return true
	}
	sc.seen.Add(query, struct{}{})
	return false
}

// prepare prepares query unless it is already cached.
func (sc *statementCache) prepare(ctx context.Context, query string) error {
	sc.mutex.Lock()
	ok := sc.stmts.Contains(query)
	sc.mutex.Unlock()
	if ok {
		return nil
	}
	stmt, err := sc.ps.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	// Check if a statement has been inserted by someone else since we last
	// checked.
	if sc.stmts.Contains(query) {
		return stmt.Close()
	}
	sc.stmts.Add(query, &cachedStatement{stmt: stmt})
	return nil
}

// len returns the number of cached statements.
func (sc *statementCache) len() int {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	return sc.stmts.Len()
}

// close closes and forgets every cached statement. Statements still in use
// are closed when released.
func (sc *statementCache) close() error {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	var first error
	for _, query := range sc.stmts.Keys() {
		cs, _ := sc.stmts.Peek(query)
		cs.evicted = true
		if cs.users > 0 {
			continue
		}
		if err := cs.stmt.Close(); err != nil && first == nil {
			first = errors.Wrapf(err, "cannot close statement %q", query)
		}
	}
	sc.stmts.Purge()
	sc.seen.Purge()
	return first
}
