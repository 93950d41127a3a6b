package query

// Predicate represents a filter condition.
//
// This is a sealed interface - only types in this package implement it.
//
// Predicate types:
//   - Equals: field = value
//   - After: field > value (cursor paging on a sequence column)
//   - And: all predicates must be true
//
// OR predicates and subqueries are not supported. Callers needing a union
// run two queries.
type Predicate interface {
	predicateNode()
}

// Select represents a table read with filtering.
//
// Semantics:
//
//	SELECT <columns> FROM <from> WHERE <filter> ORDER BY <order> ASC LIMIT <limit>
//
// Example:
//
//	Select{
//	  From:    "events",
//	  Columns: []string{"seq", "name", "payload"},
//	  Filter: And{Predicates: []Predicate{
//	    Equals{Field: "name", Value: "ChannelClosed"},
//	    After{Field: "seq", Value: 10},
//	  }},
//	  OrderBy: "seq",
//	  Limit:   50,
//	}
//
// Rules:
//   - Columns must be explicit (no SELECT *)
//   - OrderBy is mandatory; results are always deterministic
//   - Limit 0 means no limit
type Select struct {
	From    string
	Columns []string
	Filter  Predicate // nil = no filter
	OrderBy string
	Limit   int
}

// Equals matches rows where Field equals Value.
// Value must be a string, an integer or a bool.
type Equals struct {
	Field string
	Value any
}

func (Equals) predicateNode() {}

// After matches rows where Field is strictly greater than Value.
type After struct {
	Field string
	Value int64
}

func (After) predicateNode() {}

// And matches rows where every predicate matches. An empty And matches all rows.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Where builds an And from the non-nil predicates, or nil when none remain.
// Optional filters can then be appended unconditionally.
func Where(preds ...Predicate) Predicate {
	var kept []Predicate
	for _, p := range preds {
		if p != nil {
			kept = append(kept, p)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	default:
		return And{Predicates: kept}
	}
}

// EqualsIf returns an Equals predicate when value is non-empty, nil otherwise.
func EqualsIf(field, value string) Predicate {
	if value == "" {
		return nil
	}
	return Equals{Field: field, Value: value}
}
