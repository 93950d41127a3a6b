package query

import (
	"fmt"
	"regexp"
	"strings"
)

var identifier = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Compile converts a Select to parameterized SQL for SQLite.
// Returns (sql, params, error).
//
// Values are always bound as ? parameters, never interpolated. Table and
// column names are restricted to lower-case identifiers.
func Compile(q Select) (string, []any, error) {
	if !identifier.MatchString(q.From) {
		return "", nil, fmt.Errorf("invalid table name %q", q.From)
	}
	if len(q.Columns) == 0 {
		return "", nil, fmt.Errorf("select from %s: columns must be explicit", q.From)
	}
	for _, col := range q.Columns {
		if !identifier.MatchString(col) {
			return "", nil, fmt.Errorf("invalid column name %q", col)
		}
	}
	if q.OrderBy == "" {
		return "", nil, fmt.Errorf("select from %s: order by is required", q.From)
	}
	if !identifier.MatchString(q.OrderBy) {
		return "", nil, fmt.Errorf("invalid order column %q", q.OrderBy)
	}
	if q.Limit < 0 {
		return "", nil, fmt.Errorf("negative limit %d", q.Limit)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(q.Columns, ", "), q.From)

	var params []any
	if q.Filter != nil {
		where, whereParams, err := compilePredicate(q.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		b.WriteString(" WHERE ")
		b.WriteString(where)
		params = whereParams
	}

	fmt.Fprintf(&b, " ORDER BY %s ASC", q.OrderBy)
	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		params = append(params, q.Limit)
	}
	return b.String(), params, nil
}

func compilePredicate(p Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case Equals:
		return compileEquals(pred)
	case *Equals:
		return compileEquals(*pred)
	case After:
		return compileAfter(pred)
	case *After:
		return compileAfter(*pred)
	case And:
		return compileAnd(pred)
	case *And:
		return compileAnd(*pred)
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func compileEquals(eq Equals) (string, []any, error) {
	if !identifier.MatchString(eq.Field) {
		return "", nil, fmt.Errorf("invalid field name %q", eq.Field)
	}
	switch eq.Value.(type) {
	case string, int, int64, uint64, bool:
	default:
		return "", nil, fmt.Errorf("field %s: unsupported value type %T", eq.Field, eq.Value)
	}
	return eq.Field + " = ?", []any{eq.Value}, nil
}

func compileAfter(a After) (string, []any, error) {
	if !identifier.MatchString(a.Field) {
		return "", nil, fmt.Errorf("invalid field name %q", a.Field)
	}
	return a.Field + " > ?", []any{a.Value}, nil
}

func compileAnd(and And) (string, []any, error) {
	if len(and.Predicates) == 0 {
		return "1 = 1", nil, nil
	}
	parts := make([]string, 0, len(and.Predicates))
	var params []any
	for _, pred := range and.Predicates {
		sql, predParams, err := compilePredicate(pred)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, sql)
		params = append(params, predParams...)
	}
	return strings.Join(parts, " AND "), params, nil
}
