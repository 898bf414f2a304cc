// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package jsonquery

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// session is the storage session of one request: a transaction that is
// only read from and always rolled back.
type session struct {
	tx     *sql.Tx
	cache  *statementCache
	logger *zap.Logger
	// held are the cached statements the session runs. ran are the SQL
	// texts it ran successfully without one.
	held []*cachedStatement
	ran  []string
}

// withSession runs f in a new session and ends it whatever f returns. When
// f succeeds, the statements it ran unprepared for the second time are
// prepared once the transaction has ended, so a database limited to one
// connection is never asked for a second one.
func (m *Manager) withSession(ctx context.Context, f func(*session) error) (err error) {
	tx, err := m.db.BeginTx(ctx, m.txOptions)
	if err != nil {
		m.logger.Warn("cannot begin session", zap.Error(err))
		return err
	}
	s := &session{tx: tx, cache: m.stmts, logger: m.logger}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			m.logger.Warn("cannot end session", zap.Error(err))
		}
		s.release()
		if err == nil {
			s.prepare(ctx)
		}
	}()
	return f(s)
}

// Query runs stmt in the session.
func (s *session) Query(ctx context.Context, stmt sq.Sqlizer) (*sql.Rows, error) {
	query, args, err := stmt.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "cannot build statement")
	}
	s.logger.Debug("query", zap.String("sql", query), zap.Int("args", len(args)))

	var rows *sql.Rows
	cached, ok := s.acquire(query)
	if ok {
		// The transaction statement is closed with the transaction. This
		// does not prepare the statement again.
		rows, err = s.tx.StmtContext(ctx, cached.stmt).QueryContext(ctx, args...)
	} else {
		rows, err = s.tx.QueryContext(ctx, query, args...)
	}
	if err != nil {
		s.logger.Debug("query failed", zap.String("sql", query), zap.Error(err))
		return nil, err
	}
	if !ok && s.cache != nil {
		s.ran = append(s.ran, query)
	}
	return rows, nil
}

func (s *session) acquire(query string) (*cachedStatement, bool) {
	if s.cache == nil {
		return nil, false
	}
	cached, ok := s.cache.acquire(query)
	if ok {
		s.held = append(s.held, cached)
	}
	return cached, ok
}

// release gives back the cached statements once the transaction has ended.
func (s *session) release() {
	for _, cached := range s.held {
		s.cache.release(cached)
	}
	s.held = nil
}

// prepare caches the statements the session ran unprepared that had run
// before. Failures only cost the cache entry.
func (s *session) prepare(ctx context.Context) {
	for _, query := range s.ran {
		if !s.cache.ran(query) {
			continue
		}
		if err := s.cache.prepare(ctx, query); err != nil {
			s.logger.Debug("cannot cache statement", zap.String("sql", query), zap.Error(err))
		}
	}
	s.ran = nil
}
