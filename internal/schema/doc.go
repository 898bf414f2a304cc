/*
Package schema describes the models that queries run against.

A model is a named table with an ordered set of scalar fields, a set of named
relations to other models and an ordered primary key. Models are built either
by reflecting on a tagged Go struct:

	type Employee struct {
		ID        int      `db:"id,pk"`
		Name      string   `db:"name"`
		ManagerID int      `db:"manager_id"`
		Manager   *Manager `rel:"manager,manager_id,id"`
	}

or from a declarative Definition, typically read from a configuration file.

The `rel` tag holds the relation name, the local column and the column on the
related model that it joins to. Slice typed fields are to-many relations,
everything else is to-one.

Models are registered once in a Registry and are read-only afterwards.
*/
package schema
