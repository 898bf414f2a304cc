/*
Package jsonquery runs queries written as JSON documents against relational
databases, and returns their results as JSON.

A query names filters, ordering, a window and the shape of the records to
return. Filters compare the fields of a model with values, with other
fields of the same record or with the fields of related records:

	{
		"filters": [
			{"name": "age", "op": "lt", "val": 30},
			{"junction": "or", "filters": [
				{"name": "manager", "op": "has", "val": {"name": "name", "op": "eq", "val": "johnny"}},
				{"name": "name", "op": "eq", "field": "surname"}
			]}
		],
		"order_by": [{"field": "age", "direction": "desc"}],
		"limit": 10
	}

A "limit" of 0 selects no records. Leave it out to select them all.

Every query is translated to a single SQL SELECT statement. Values are
always bound as parameters and identifiers are always quoted, so the query
document never reaches the database as SQL text.

# Models

Models are registered with a Manager, from a tagged struct or from a
Definition. Columns are the fields tagged with "db" and relations the
fields tagged with "rel", which names the relation, the local column and
the column of the related model:

	type Employee struct {
		ID        int      `db:"id,pk"`
		Name      string   `db:"name"`
		ManagerID *int     `db:"manager_id"`
		Manager   *Manager `rel:"manager,manager_id,id"`
	}

	func (Employee) TableName() string { return "employees" }

	m := jsonquery.New(db)
	err := m.AddModel(Employee{})

# Results

Select returns one of three results depending on the query:

  - a *PageResult with the page number, the number of pages, the number of
    matching records and the records of the page;
  - a *Record when the query sets "single", failing with ErrNotFound or
    ErrMultipleResults unless exactly one record matches;
  - an *AggregateResult when the query lists "functions", keyed by
    "<function>__<field>".

All the statements of one Select run in one read transaction.

# Errors

Errors caused by the query document are reported with one of the kinds
declared in this package, such as ErrUnknownField or ErrUnknownOperator,
and carry the offending identifier, see Identifier. They are detected
before the database is accessed, except for unsupported aggregate
functions and the cardinality of single record queries. Errors from the
database are returned unchanged.
*/
package jsonquery
