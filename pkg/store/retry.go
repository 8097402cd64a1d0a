// retry.go retries journal writes that fail with transient SQLite errors.
//
// The journal writer shares the database with readers such as the journal
// subcommand tailing a live run. busy_timeout absorbs most SQLITE_BUSY
// cases, but WAL checkpoints can still surface SQLITE_LOCKED or
// IOERR_SHORT_READ, which go away on a second attempt.
package store

import (
	"math/rand"
	"strings"
	"time"
)

// retryPolicy is exponential backoff with jitter.
type retryPolicy struct {
	retries   int
	baseDelay time.Duration
	maxDelay  time.Duration
	sleep     func(time.Duration)
}

var defaultRetryConfig = retryPolicy{
	retries:   3,
	baseDelay: 50 * time.Millisecond,
	maxDelay:  500 * time.Millisecond,
	sleep:     time.Sleep,
}

// transientMarkers are substrings modernc.org/sqlite puts in errors that
// are worth retrying, by name and by numeric code.
var transientMarkers = []string{
	"SQLITE_BUSY",
	"SQLITE_LOCKED",
	"IOERR_SHORT_READ",
	"database is locked",
	"database table is locked",
	"(5)",
	"(6)",
	"(522)",
}

func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// retryOp runs fn until it succeeds, fails permanently, or the policy's
// retries are used up. It returns fn's last error.
func retryOp(p retryPolicy, fn func() error) error {
	err := fn()
	for attempt := 0; attempt < p.retries && isTransientSQLiteErr(err); attempt++ {
		p.sleep(backoffDelay(p, attempt))
		err = fn()
	}
	return err
}

// backoffDelay is baseDelay*2^attempt capped at maxDelay, plus up to
// baseDelay of jitter.
func backoffDelay(p retryPolicy, attempt int) time.Duration {
	d := p.baseDelay << uint(attempt)
	if d > p.maxDelay || d <= 0 {
		d = p.maxDelay
	}
	if p.baseDelay > 0 {
		d += time.Duration(rand.Int63n(int64(p.baseDelay)))
	}
	return d
}
