// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

// Package test holds the managers and employees fixture shared by the
// package tests and the end to end tests of the query pipeline.
package test

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/canonical/jsonquery/internal/schema"
)

type Manager struct {
	ID        int        `db:"id,pk"`
	Name      string     `db:"name"`
	Employees []Employee `rel:"employees,id,manager_id"`
}

func (Manager) TableName() string { return "managers" }

type Employee struct {
	ID        int             `db:"id,pk"`
	Name      string          `db:"name"`
	Surname   string          `db:"surname"`
	Age       int             `db:"age"`
	Salary    decimal.Decimal `db:"salary"`
	Hired     time.Time       `db:"hired,date"`
	ManagerID *int            `db:"manager_id"`
	Manager   *Manager        `rel:"manager,manager_id,id"`
}

func (Employee) TableName() string { return "employees" }

// Registry returns a registry holding the managers and employees models.
func Registry() (*schema.Registry, error) {
	r := schema.NewRegistry()
	for _, sample := range []any{Manager{}, Employee{}} {
		t, err := schema.Reflect(sample)
		if err != nil {
			return nil, err
		}
		if err := r.Add(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Tables creates the fixture tables.
var Tables = []string{`
CREATE TABLE managers (
	id integer PRIMARY KEY,
	name text NOT NULL
)`, `
CREATE TABLE employees (
	id integer PRIMARY KEY,
	name text NOT NULL,
	surname text NOT NULL,
	age integer NOT NULL,
	salary numeric,
	hired date,
	manager_id integer REFERENCES managers (id)
)`,
}

// Rows fills the fixture tables. Only jack, jilly and michael work for
// johnny.
var Rows = []string{
	`INSERT INTO managers (id, name) VALUES (1, 'johnny')`,
	`INSERT INTO employees (id, name, surname, age, salary, hired, manager_id) VALUES
		(1, 'michael', 'michael', 40, 3000.5, '2015-03-01', 1),
		(2, 'jack', 'j', 25, 2000, '2019-06-15', 1),
		(3, 'jilly', 'j', 19, 1500.25, '2021-01-10', 1),
		(4, 'francy', 'f', 31, NULL, '2017-11-20', NULL)`,
}

// Populate creates and fills the fixture tables in db.
func Populate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range append(append([]string{}, Tables...), Rows...) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "cannot prepare fixture")
		}
	}
	return nil
}

// OpenSQLite returns a populated in-memory SQLite database. It is limited
// to one connection since every connection to ":memory:" is a new database.
func OpenSQLite(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := Populate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
