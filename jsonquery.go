// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package jsonquery

import (
	"context"
	"database/sql"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/canonical/jsonquery/internal/aggregate"
	"github.com/canonical/jsonquery/internal/assemble"
	"github.com/canonical/jsonquery/internal/compile"
	"github.com/canonical/jsonquery/internal/dialect"
	"github.com/canonical/jsonquery/internal/encode"
	"github.com/canonical/jsonquery/internal/paginate"
	"github.com/canonical/jsonquery/internal/record"
	"github.com/canonical/jsonquery/internal/schema"
	"github.com/canonical/jsonquery/internal/search"
)

type (
	// Model is the read-only description of a registered model.
	Model = schema.Model
	// Definition declares a model without a Go struct.
	Definition         = schema.Definition
	FieldDefinition    = schema.FieldDefinition
	RelationDefinition = schema.RelationDefinition
	// Record is a serialized model instance.
	Record = record.Record
	// PageResult is the result of a paginated query.
	PageResult = paginate.Page
	// AggregateResult maps "<function>__<field>" to the function's value.
	AggregateResult = aggregate.Result
	// Encoder serializes query results.
	Encoder = encode.Encoder
	// FilterLimits bounds the size of the filter tree of a query.
	FilterLimits = search.Limits
)

// DefaultMaxResultsPerPage is the page size used when none is configured.
const DefaultMaxResultsPerPage = 100

// Manager runs JSON queries against the models registered with it. A
// Manager is safe for concurrent use once its models are added.
type Manager struct {
	db         *sql.DB
	ownDB      bool
	dialect    dialect.Dialect
	registry   *schema.Registry
	maxPerPage int
	limits     search.Limits
	encoder    encode.Encoder
	logger     *zap.Logger
	stmts      *statementCache
	txOptions  *sql.TxOptions

	// recordOptions holds the default "to_dict" options of each model.
	recordOptions map[string]map[string]any
	mutex         sync.RWMutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialect sets the SQL dialect. By default it is found from the driver.
func WithDialect(d dialect.Dialect) Option {
	return func(m *Manager) {
		m.dialect = d
	}
}

// WithMaxResultsPerPage sets the default page size. Zero returns every
// result in one page.
func WithMaxResultsPerPage(n int) Option {
	return func(m *Manager) {
		m.maxPerPage = n
	}
}

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithEncoder sets the encoder used by ToJSON.
func WithEncoder(e Encoder) Option {
	return func(m *Manager) {
		m.encoder = e
	}
}

// WithFilterLimits bounds the depth and size of filter trees.
func WithFilterLimits(limits FilterLimits) Option {
	return func(m *Manager) {
		m.limits = limits
	}
}

// WithReadOnly runs sessions in read-only transactions, for databases that
// support them.
func WithReadOnly(readOnly bool) Option {
	return func(m *Manager) {
		m.txOptions = &sql.TxOptions{ReadOnly: readOnly}
	}
}

// WithStatementCache turns the prepared statement cache on or off. It is on
// by default.
func WithStatementCache(enabled bool) Option {
	return func(m *Manager) {
		if enabled {
			m.stmts = newStatementCache(m.db)
		} else {
			m.stmts = nil
		}
	}
}

// New returns a Manager querying db. The caller keeps ownership of db.
func New(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{
		db:            db,
		registry:      schema.NewRegistry(),
		maxPerPage:    DefaultMaxResultsPerPage,
		limits:        search.DefaultLimits,
		encoder:       encode.JSON{},
		logger:        zap.NewNop(),
		stmts:         newStatementCache(db),
		recordOptions: map[string]map[string]any{},
	}
	m.dialect, _ = dialect.ForDB(db)
	if m.dialect.Name == "" {
		m.dialect = dialect.SQLite
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open opens a database with the named driver and returns a Manager
// querying it. Closing the Manager closes the database.
func Open(driverName, dsn string, opts ...Option) (*Manager, error) {
	d, err := dialect.ForDriver(driverName)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open %s database", driverName)
	}
	m := New(db, append([]Option{WithDialect(d)}, opts...)...)
	m.ownDB = true
	return m, nil
}

// DB returns the underlying database.
func (m *Manager) DB() *sql.DB {
	return m.db
}

// Close closes the cached prepared statements, and the database if the
// Manager opened it.
func (m *Manager) Close() error {
	var err error
	if m.stmts != nil {
		err = m.stmts.close()
	}
	if m.ownDB {
		if dbErr := m.db.Close(); err == nil {
			err = dbErr
		}
	}
	return err
}

// ModelOption configures a model added to a Manager.
type ModelOption func(*modelOptions)

type modelOptions struct {
	name          string
	recordOptions map[string]any
}

// WithName registers the model under name instead of its table name.
func WithName(name string) ModelOption {
	return func(o *modelOptions) {
		o.name = name
	}
}

// WithRecordOptions sets the default "to_dict" options of the model's
// records. The "to_dict" member of a query overrides them key by key.
func WithRecordOptions(opts map[string]any) ModelOption {
	return func(o *modelOptions) {
		o.recordOptions = opts
	}
}

// AddModel registers the model described by the struct sample. Columns are
// the fields tagged with "db", relations the fields tagged with "rel".
func (m *Manager) AddModel(sample any, opts ...ModelOption) error {
	t, err := schema.Reflect(sample)
	if err != nil {
		return err
	}
	return m.add(t, opts)
}

// AddDefinition registers a declared model.
func (m *Manager) AddDefinition(def Definition, opts ...ModelOption) error {
	t, err := schema.FromDefinition(def)
	if err != nil {
		return err
	}
	return m.add(t, opts)
}

func (m *Manager) add(t *schema.Table, opts []ModelOption) error {
	var o modelOptions
	for _, opt := range opts {
		opt(&o)
	}
	t, err := t.Named(o.name)
	if err != nil {
		return err
	}
	if _, err := record.ParseOptions(o.recordOptions); err != nil {
		return errors.Wrapf(err, "model %q", t.Name())
	}
	if err := m.registry.Add(t); err != nil {
		return err
	}
	m.mutex.Lock()
	m.recordOptions[t.Name()] = o.recordOptions
	m.mutex.Unlock()
	m.logger.Debug("model added", zap.String("model", t.Name()), zap.String("table", t.Table()))
	return nil
}

// Model returns the model registered under name.
func (m *Manager) Model(name string) (Model, error) {
	return m.registry.Model(name)
}

// Models returns the names of the registered models, sorted.
func (m *Manager) Models() []string {
	return m.registry.Names()
}

// SelectOption sets a call argument of Select.
type SelectOption func(*selectOptions)

type selectOptions struct {
	page    int
	perPage int
}

// Page selects the page to return, starting at 1.
func Page(n int) SelectOption {
	return func(o *selectOptions) {
		o.page = n
	}
}

// ResultsPerPage overrides the page size of the Manager. Zero returns every
// result in one page.
func ResultsPerPage(n int) SelectOption {
	return func(o *selectOptions) {
		o.perPage = n
	}
}

// Select runs a query against the named model. query is the decoded JSON
// query document; nil selects every record. The result is a *Record when
// the query asks for a single record, an *AggregateResult when it lists
// functions and a *PageResult otherwise.
//
// Errors caused by the query are one of the kinds listed in this package
// and are returned before the database is accessed, with the exception of
// ErrUnsupportedAggregateFunction, ErrNotFound and ErrMultipleResults.
// Database errors are returned unchanged.
func (m *Manager) Select(ctx context.Context, model string, query map[string]any, opts ...SelectOption) (any, error) {
	o := selectOptions{page: 1, perPage: m.maxPerPage}
	for _, opt := range opts {
		opt(&o)
	}
	if o.page < 1 {
		return nil, &search.Error{Path: "page", Reason: "must be at least 1"}
	}
	if o.perPage < 0 {
		return nil, &search.Error{Path: "results_per_page", Reason: "must not be negative"}
	}
	mdl, err := m.registry.Model(model)
	if err != nil {
		return nil, err
	}
	params, err := search.Parse(query, m.limits)
	if err != nil {
		return nil, err
	}
	return m.run(ctx, mdl, params, o)
}

// SelectJSON is Select followed by ToJSON.
func (m *Manager) SelectJSON(ctx context.Context, model string, query map[string]any, opts ...SelectOption) ([]byte, error) {
	result, err := m.Select(ctx, model, query, opts...)
	if err != nil {
		return nil, err
	}
	return m.ToJSON(result)
}

// SelectByUnique returns the single record of model whose field equals
// value. An empty field means "id".
func (m *Manager) SelectByUnique(ctx context.Context, model string, value any, field string) (*Record, error) {
	if field == "" {
		field = "id"
	}
	mdl, err := m.registry.Model(model)
	if err != nil {
		return nil, err
	}
	params := &search.Parameters{
		Filter: &search.Junction{Filters: []search.Filter{
			&search.Leaf{Name: field, Op: "eq", Value: value},
		}},
		Mode: search.Single,
	}
	result, err := m.run(ctx, mdl, params, selectOptions{page: 1})
	if err != nil {
		return nil, err
	}
	return result.(*Record), nil
}

// ToJSON serializes a result with the Manager's encoder.
func (m *Manager) ToJSON(v any) ([]byte, error) {
	return m.encoder.Encode(v)
}

// run compiles and checks everything about the query, then runs it in one
// session.
func (m *Manager) run(ctx context.Context, mdl schema.Model, params *search.Parameters, o selectOptions) (_ any, err error) {
	defer func() {
		if err == nil {
			return
		}
		if IsClientError(err) {
			m.logger.Debug("query rejected", zap.String("model", mdl.Name()), zap.Error(err))
		} else {
			m.logger.Warn("query failed", zap.String("model", mdl.Name()), zap.Error(err))
		}
	}()

	compiler := compile.New(m.registry, m.dialect)
	scope := compiler.Scope(mdl)
	where, err := compiler.Compile(scope, params.Filter)
	if err != nil {
		return nil, err
	}
	q, err := assemble.Assemble(compiler, scope, where, params.Order, params.Limit, params.Offset)
	if err != nil {
		return nil, err
	}
	recordOpts, err := m.recordOptionsFor(mdl, params.Record)
	if err != nil {
		return nil, err
	}
	if err = record.CheckJoinedLoad(mdl, params.JoinedLoad); err != nil {
		return nil, err
	}

	var result any
	err = m.withSession(ctx, func(s *session) error {
		var err error
		switch params.Mode {
		case search.Single:
			result, err = m.single(ctx, s, q, recordOpts, params)
		case search.Aggregate:
			result, err = aggregate.Evaluate(ctx, s, q, params.Functions)
		default:
			result, err = m.page(ctx, s, q, recordOpts, params, o)
		}
		return err
	})
	return result, err
}

// recordOptionsFor merges the request's record options over the model's.
func (m *Manager) recordOptionsFor(mdl schema.Model, request map[string]any) (*record.Options, error) {
	m.mutex.RLock()
	defaults := m.recordOptions[mdl.Name()]
	m.mutex.RUnlock()
	opts, err := record.ParseOptions(record.Merge(defaults, request))
	if err != nil {
		return nil, err
	}
	if err := opts.Check(mdl, m.registry); err != nil {
		return nil, err
	}
	return opts, nil
}

func (m *Manager) single(ctx context.Context, s *session, q *assemble.Query, opts *record.Options, params *search.Parameters) (*Record, error) {
	// Two rows are enough to tell one match from many.
	n := 2
	if params.Limit != nil && *params.Limit < n {
		n = *params.Limit
	}
	records, err := m.fetch(ctx, s, q, q.Window(0, n), opts, params.JoinedLoad)
	if err != nil {
		return nil, err
	}
	switch len(records) {
	case 0:
		return nil, notFound(q.Model().Name())
	case 1:
		return records[0], nil
	}
	return nil, multipleResults(q.Model().Name())
}

func (m *Manager) page(ctx context.Context, s *session, q *assemble.Query, opts *record.Options, params *search.Parameters, o selectOptions) (*PageResult, error) {
	total, err := count(ctx, s, q)
	if err != nil {
		return nil, err
	}
	return paginate.Paginate(ctx, total, o.page, o.perPage, func(ctx context.Context, start, end int) ([]any, error) {
		records, err := m.fetch(ctx, s, q, q.Window(start, end), opts, params.JoinedLoad)
		if err != nil {
			return nil, err
		}
		objects := make([]any, len(records))
		for i, r := range records {
			objects[i] = r
		}
		return objects, nil
	})
}

// fetch runs stmt and serializes the records it returns.
func (m *Manager) fetch(ctx context.Context, s *session, q *assemble.Query, stmt sq.SelectBuilder, opts *record.Options, joinedLoad []string) ([]*Record, error) {
	rows, err := s.Query(ctx, stmt)
	if err != nil {
		return nil, err
	}
	records, err := record.Scan(rows, q.Fields())
	if err != nil {
		return nil, err
	}
	loader := record.NewLoader(s, m.registry, m.dialect, joinedLoad)
	return loader.Serialize(ctx, q.Model(), records, opts)
}

func count(ctx context.Context, s *session, q *assemble.Query) (int, error) {
	rows, err := s.Query(ctx, q.Count())
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var n int
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, err
		}
		return 0, errors.New("count returned no rows")
	}
	if err := rows.Scan(&n); err != nil {
		return 0, errors.Wrap(err, "cannot scan count")
	}
	return n, rows.Close()
}
