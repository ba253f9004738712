package wire

import (
	"strings"

	"github.com/redshiftdb/rswire/codes"
	rserr "github.com/redshiftdb/rswire/errors"
)

// InFailedTransactionError is synthesized by the executor when a backend
// silently turns a COMMIT or PREPARE TRANSACTION into a ROLLBACK: this
// happens when an earlier statement in the same transaction failed and the
// caller issued the commit without noticing (or without checking) that
// error. Cause, when known, is the ErrorResponse that actually poisoned the
// transaction.
type InFailedTransactionError struct {
	Cause error
}

func (e *InFailedTransactionError) Error() string {
	if e.Cause != nil {
		return "transaction was rolled back instead of committed, likely caused by: " + e.Cause.Error()
	}
	return "transaction was rolled back instead of committed"
}

func (e *InFailedTransactionError) Unwrap() error { return e.Cause }

// isCommitLikeStatement classifies sql as a logical COMMIT or PREPARE
// TRANSACTION. Go's regexp package (RE2) has no negative lookahead, so
// unlike an engine that could match "COMMIT" while excluding "ROLLBACK" with
// a single lookahead pattern, this checks the statement's leading keyword
// directly — which excludes ROLLBACK by construction, without needing to
// special-case it.
func isCommitLikeStatement(sql string) bool {
	upper := strings.ToUpper(strings.TrimSpace(sql))
	return strings.HasPrefix(upper, "COMMIT") || strings.HasPrefix(upper, "PREPARE TRANSACTION")
}

// recordTxFailCause remembers desc as the cause of the transaction's
// current failed state, for a later silent-rollback to report.
func (c *Conn) recordTxFailCause(desc *rserr.Error) {
	c.mu.Lock()
	c.lastTxFailCause = desc
	c.mu.Unlock()
}

// detectSilentRollback reports, as an error, when sql was a logical commit
// but tag shows the backend actually rolled the transaction back.
func (c *Conn) detectSilentRollback(sql, tag string) error {
	if tag != "ROLLBACK" || !isCommitLikeStatement(sql) {
		return nil
	}

	c.mu.Lock()
	cause := c.lastTxFailCause
	c.mu.Unlock()

	return rserr.WithCode(&InFailedTransactionError{Cause: cause}, codes.InFailedSQLTransaction)
}
