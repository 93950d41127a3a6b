// Package query is a small predicate language for the store's read side.
//
// Read endpoints (event listings, settlement history) describe what they
// want as a Select value; Compile turns it into parameterized SQLite with a
// mandatory ORDER BY so paging is stable.
package query
