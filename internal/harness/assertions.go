package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/cenwadike/dan/internal/store"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			if event.Type == TypeTransaction {
				fmt.Fprintf(&buf, "  [%d] %s by %s: %s %s\n", i+1, event.Instruction, event.Payer, event.Status, event.Code)
			}
		}
	}
	return buf.String()
}

// AssertionContext provides the final state assertions read from.
type AssertionContext struct {
	Ctx    context.Context
	Store  *store.Store
	Supply uint64

	names names
}

// assertTraceContains checks for a transaction with the instruction, an
// optional status and a subset of args.
func assertTraceContains(trace []TraceEvent, assertion Assertion, n names) error {
	want, err := n.expandMap(assertion.Args)
	if err != nil {
		return fmt.Errorf("trace_contains args: %w", err)
	}
	for _, event := range trace {
		if event.Type != TypeTransaction || event.Instruction != assertion.Instruction {
			continue
		}
		if assertion.Status != "" && event.Status != assertion.Status {
			continue
		}
		if matchArgs(event.Args, want) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("instruction %s with args %v", assertion.Instruction, assertion.Args),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks instructions appear in the given order.
// Intervening transactions are allowed.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	pos := 0
	for _, want := range assertion.Instructions {
		found := false
		for pos < len(trace) {
			event := trace[pos]
			pos++
			if event.Type == TypeTransaction && event.Instruction == want {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("instructions in order: %v", assertion.Instructions),
				Actual:   fmt.Sprintf("%s missing or out of order", want),
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks the instruction appears exactly Count times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type != TypeTransaction || event.Instruction != assertion.Instruction {
			continue
		}
		if assertion.Status != "" && event.Status != assertion.Status {
			continue
		}
		count++
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Instruction),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertEventCount checks the event was emitted exactly Count times.
func assertEventCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == TypeEvent && event.Event == assertion.Event {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertEventCount,
			Expected: fmt.Sprintf("%d %s events", assertion.Count, assertion.Event),
			Actual:   fmt.Sprintf("%d events", count),
			Trace:    trace,
		}
	}
	return nil
}

func assertBalance(actx *AssertionContext, assertion Assertion) error {
	addr, err := actx.names.account(assertion.Account)
	if err != nil {
		return err
	}
	var lamports uint64
	acct, err := actx.Store.Account(actx.Ctx, addr)
	switch {
	case errors.Is(err, store.ErrAccountNotFound):
	case err != nil:
		return err
	default:
		lamports = acct.Lamports
	}
	if lamports != *assertion.Equals {
		return &AssertionError{
			Type:     AssertBalance,
			Expected: fmt.Sprintf("%s holds %d", assertion.Account, *assertion.Equals),
			Actual:   fmt.Sprintf("%d", lamports),
		}
	}
	return nil
}

func assertExists(actx *AssertionContext, assertion Assertion) error {
	addr, err := actx.names.account(assertion.Account)
	if err != nil {
		return err
	}
	_, err = actx.Store.Account(actx.Ctx, addr)
	exists := err == nil
	if err != nil && !errors.Is(err, store.ErrAccountNotFound) {
		return err
	}
	if exists != *assertion.Exists {
		return &AssertionError{
			Type:     AssertExists,
			Expected: fmt.Sprintf("%s exists = %t", assertion.Account, *assertion.Exists),
			Actual:   fmt.Sprintf("exists = %t", exists),
		}
	}
	return nil
}

// assertConservation checks no lamports were created or destroyed.
func assertConservation(actx *AssertionContext) error {
	total, err := actx.Store.TotalLamports(actx.Ctx)
	if err != nil {
		return err
	}
	if total != actx.Supply {
		return &AssertionError{
			Type:     AssertConservation,
			Expected: fmt.Sprintf("total lamports %d", actx.Supply),
			Actual:   fmt.Sprintf("%d", total),
		}
	}
	return nil
}

// assertFinalState checks exactly one row of a store table matches Where
// and holds the Expect columns.
//
// Security: Table and column names are validated against a whitelist pattern
// to prevent SQL injection via identifier interpolation.
func assertFinalState(actx *AssertionContext, assertion Assertion) error {
	if !validIdentifier.MatchString(assertion.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}
	where, err := actx.names.expandMap(assertion.Where)
	if err != nil {
		return fmt.Errorf("final_state where: %w", err)
	}
	expect, err := actx.names.expandMap(assertion.Expect)
	if err != nil {
		return fmt.Errorf("final_state expect: %w", err)
	}

	whereSQL, whereArgs, err := buildWhereClause(where)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("SELECT * FROM %s", assertion.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := actx.Store.DB().QueryContext(actx.Ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}

	if !rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, formatWhereClause(where)),
			Actual:   "row not found",
		}
	}

	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}
	if err := rows.Scan(valuePtrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}

	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, formatWhereClause(where)),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	actualRow := make(map[string]any, len(columns))
	for i, col := range columns {
		actualRow[col] = values[i]
	}

	keys := make([]string, 0, len(expect))
	for k := range expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		expectedValue := expect[key]
		actualValue, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}
		if !stateValuesEqual(expectedValue, actualValue) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, expectedValue, expectedValue),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actualValue, actualValue),
			}
		}
	}
	return nil
}

// buildWhereClause constructs a parameterized WHERE clause. Keys are sorted
// for determinism.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, toSQLValue(where[key]))
	}
	return strings.Join(clauses, " AND "), args, nil
}

// toSQLValue converts a scenario value to a SQL-compatible value.
func toSQLValue(v any) any {
	switch val := v.(type) {
	case string, int, int64, bool:
		return val
	default:
		if n, ok := asInt64(val); ok {
			return n
		}
		return fmt.Sprintf("%v", val)
	}
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares expected and actual values from store tables.
// SQLite returns int64 for integers and []byte for blobs.
func stateValuesEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}
	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}

	switch exp := expected.(type) {
	case string:
		actualStr, ok := actual.(string)
		return ok && exp == actualStr
	case bool:
		if actualBool, ok := actual.(bool); ok {
			return exp == actualBool
		}
		// SQLite stores booleans as integers
		if actualInt, ok := actual.(int64); ok {
			return exp == (actualInt != 0)
		}
		return false
	}
	if e, ok := asInt64(expected); ok {
		a, ok := asInt64(actual)
		return ok && e == a
	}
	return reflect.DeepEqual(expected, actual)
}

// matchArgs checks if actual args contain all expected args (subset match).
// Extra keys in actual are ignored.
func matchArgs(actual any, expected map[string]any) bool {
	if len(expected) == 0 {
		return true
	}
	actualMap, ok := actual.(map[string]any)
	if !ok {
		return false
	}
	for key, expectedVal := range expected {
		actualVal, exists := actualMap[key]
		if !exists || !valuesEqual(actualVal, expectedVal) {
			return false
		}
	}
	return true
}

// valuesEqual compares two scenario values, treating every integer type
// alike.
func valuesEqual(actual, expected any) bool {
	if a, ok := asInt64(actual); ok {
		e, ok := asInt64(expected)
		return ok && a == e
	}
	return reflect.DeepEqual(actual, expected)
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns one message per failed assertion.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			var n names
			if actx != nil {
				n = actx.names
			}
			err = assertTraceContains(result.Trace, assertion, n)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertEventCount:
			err = assertEventCount(result.Trace, assertion)
		case AssertBalance, AssertExists, AssertConservation, AssertFinalState:
			switch {
			case actx == nil || actx.Store == nil:
				err = fmt.Errorf("%s requires a store", assertion.Type)
			case assertion.Type == AssertBalance:
				err = assertBalance(actx, assertion)
			case assertion.Type == AssertExists:
				err = assertExists(actx, assertion)
			case assertion.Type == AssertConservation:
				err = assertConservation(actx)
			default:
				err = assertFinalState(actx, assertion)
			}
		default:
			err = fmt.Errorf("unknown assertion type %q", assertion.Type)
		}

		if err != nil {
			errs = append(errs, "assertion["+strconv.Itoa(i)+"] "+err.Error())
		}
	}
	return errs
}
