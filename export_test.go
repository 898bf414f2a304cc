// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package jsonquery

// CountingDriver names the SQLite driver that counts round trips. Its DSN
// must carry a TestNameTag parameter.
const CountingDriver = "sqlite3_counting"

const TestNameTag = testNameTag

// QueriesRun returns the number of queries run for the named test, directly
// or through prepared statements.
func QueriesRun(testName string) int {
	queriesRunMutex.RLock()
	defer queriesRunMutex.RUnlock()
	return dbQueriesRun[testName] + stmtQueriesRun[testName]
}

// StatementsPrepared returns the number of statements prepared on the
// driver for the named test.
func StatementsPrepared(testName string) int {
	stmtRegistryMutex.RLock()
	defer stmtRegistryMutex.RUnlock()
	return len(openedStmts[testName])
}

func (m *Manager) CachedStatements() int {
	if m.stmts == nil {
		return 0
	}
	return m.stmts.len()
}
