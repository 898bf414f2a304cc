/*
Package search parses query documents into Parameters.

A query document is the untyped, JSON shaped value a caller submits:

	{
	  "filters":   [{"name": "age", "op": "lt", "val": 20},
	                {"name": "name", "op": "eq", "field": "surname"},
	                {"junk": "or", "filters": [...]}],
	  "order_by":  [{"field": "age", "direction": "desc"}],
	  "limit":     10,
	  "offset":    3,
	  "disjunction": false,
	  "single":    false,
	  "functions": [{"name": "count", "field": "id"}],
	  "to_dict":   {"deep": {"employees": []}},
	  "joinedload": ["employees"]
	}

Parsing only checks the shape of the document. Names of fields, relations,
operators and functions are resolved later against a model.
*/
package search
