// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

// Package dialect holds the per-database differences the query pipeline has
// to care about: placeholder style, identifier quoting and how the driver
// reports an undefined function.
package dialect

import (
	"database/sql"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"modernc.org/sqlite"
)

// ErrUnknownDialect is returned by ForDriver for driver names without a
// dialect.
var ErrUnknownDialect = errors.New("unknown dialect")

// Dialect describes how SQL is written for one family of databases.
type Dialect struct {
	// Name is the dialect name, e.g. "sqlite".
	Name string
	// Placeholder is the placeholder format passed to squirrel.
	Placeholder sq.PlaceholderFormat
	// quote is the identifier quote character.
	quote string
	// diagnose reports whether err is the database's "undefined function"
	// diagnostic and, if known, the 1-based position in the SQL text it
	// refers to.
	diagnose func(err error) (undefinedFunction bool, position int)
	// abortsTx is set when a failed statement aborts the transaction it ran
	// in, so nothing else can run in it until rollback.
	abortsTx bool
}

var (
	SQLite = Dialect{
		Name:        "sqlite",
		Placeholder: sq.Question,
		quote:       `"`,
		diagnose:    diagnoseSQLite,
	}
	Postgres = Dialect{
		Name:        "postgres",
		Placeholder: sq.Dollar,
		quote:       `"`,
		diagnose:    diagnosePostgres,
		abortsTx:    true,
	}
	MySQL = Dialect{
		Name:        "mysql",
		Placeholder: sq.Question,
		quote:       "`",
		diagnose:    diagnoseMySQL,
	}
)

// drivers maps database/sql driver names to dialects.
var drivers = map[string]Dialect{
	"sqlite3":  SQLite,
	"sqlite":   SQLite,
	"pgx":      Postgres,
	"postgres": Postgres,
	"mysql":    MySQL,
}

// ForDriver returns the dialect used with the named database/sql driver.
func ForDriver(driverName string) (Dialect, error) {
	d, ok := drivers[driverName]
	if !ok {
		return Dialect{}, errors.Wrapf(ErrUnknownDialect, "driver %q", driverName)
	}
	return d, nil
}

// ForDB returns the dialect of the driver behind db. ok is false for drivers
// it does not recognise.
func ForDB(db *sql.DB) (d Dialect, ok bool) {
	switch db.Driver().(type) {
	case *sqlite3.SQLiteDriver, *sqlite.Driver:
		return SQLite, true
	case *stdlib.Driver:
		return Postgres, true
	case *mysql.MySQLDriver:
		return MySQL, true
	}
	return Dialect{}, false
}

// Quote quotes an identifier.
func (d Dialect) Quote(ident string) string {
	return d.quote + strings.ReplaceAll(ident, d.quote, d.quote+d.quote) + d.quote
}

// Qualify returns the quoted column reference alias.column.
func (d Dialect) Qualify(alias, column string) string {
	return d.Quote(alias) + "." + d.Quote(column)
}

// StatementBuilder returns a squirrel statement builder using the dialect's
// placeholders.
func (d Dialect) StatementBuilder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(d.Placeholder)
}

// UndefinedFunction reports whether err is the database telling us that a
// function in the statement does not exist. position is the 1-based character
// offset of the offending call in the SQL text, or 0 if the database does not
// report one.
func (d Dialect) UndefinedFunction(err error) (ok bool, position int) {
	if d.diagnose == nil || err == nil {
		return false, 0
	}
	return d.diagnose(err)
}

// CanRetryAfterError reports whether statements can still run in a
// transaction after one of its statements failed.
func (d Dialect) CanRetryAfterError() bool {
	return !d.abortsTx
}

// SQLite reports unknown functions as a plain SQLITE_ERROR when the statement
// is prepared, told apart from other SQLITE_ERRORs only by its message. The
// caller narrows it down by preparing each call on its own.
func diagnoseSQLite(err error) (bool, int) {
	var mattnErr sqlite3.Error
	if errors.As(err, &mattnErr) {
		return mattnErr.Code == sqlite3.ErrError && noSuchFunction(mattnErr), 0
	}
	var moderncErr *sqlite.Error
	if errors.As(err, &moderncErr) {
		return moderncErr.Code() == sqliteError && noSuchFunction(moderncErr), 0
	}
	return false, 0
}

func noSuchFunction(err error) bool {
	return strings.Contains(err.Error(), "no such function")
}

// sqliteError is SQLITE_ERROR.
const sqliteError = 1

// undefinedFunction is the SQLSTATE for undefined_function.
const undefinedFunction = "42883"

func diagnosePostgres(err error) (bool, int) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == undefinedFunction {
		return true, int(pgErr.Position)
	}
	return false, 0
}

// MySQL error numbers for ER_SP_DOES_NOT_EXIST and
// ER_FUNC_INEXISTENT_NAME_COLLISION.
const (
	mysqlNoSuchFunction    = 1305
	mysqlFunctionCollision = 1630
)

func diagnoseMySQL(err error) (bool, int) {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlNoSuchFunction || myErr.Number == mysqlFunctionCollision, 0
	}
	return false, 0
}
