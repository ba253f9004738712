package wire

import "regexp"

// searchPathPattern matches a SET [SESSION|LOCAL] search_path statement.
// Detecting this from the SQL text, rather than from a reported
// ParameterStatus, is necessary because Postgres does not report
// search_path changes via ParameterStatus by default (only a small,
// hardcoded set of GUCs are).
var searchPathPattern = regexp.MustCompile(`(?i)^\s*SET\s+(SESSION\s+|LOCAL\s+)?search_path\b`)

// maybeInvalidateCache bumps the statement cache's epoch when tag shows the
// backend just executed a statement that invalidates every prepared
// statement on the connection (DEALLOCATE ALL, DISCARD ALL), matching the
// teacher's pattern of reacting to CommandComplete tags rather than
// re-parsing SQL for state the backend already summarized for us.
func (c *Conn) maybeInvalidateCache(tag string) {
	switch tag {
	case "DEALLOCATE ALL", "DISCARD ALL":
		c.cache.Invalidate()
	}
}

// detectSearchPathChange invalidates the statement cache when sql sets
// search_path: a prepared statement's column types and even its name
// resolution can depend on search_path, so every statement parsed under the
// old path must be treated as stale once it changes.
func (c *Conn) detectSearchPathChange(sql string) {
	if searchPathPattern.MatchString(sql) {
		c.cache.Invalidate()
	}
}
