// iface.go defines the narrow interfaces the rest of the RTI depends on.
//
// The concrete *Store satisfies both. The journal writer only needs
// JournalStore, which lets tests substitute an in-memory fake.
package store

import (
	"github.com/daviddao/tagrti/pkg/model"
	"github.com/daviddao/tagrti/pkg/tag"
)

// JournalStore is what a Journal writes through.
type JournalStore interface {
	// InsertEvents appends a batch of events in one transaction.
	InsertEvents(events []model.Event) error

	// SetStartTime records the agreed federation start time.
	SetStartTime(runID string, start int64) error

	// SetStopTag records the granted stop tag.
	SetStopTag(runID string, t tag.Tag) error
}

// StoreInterface is the full set of store operations.
type StoreInterface interface {
	JournalStore

	// Close closes the database connection.
	Close() error

	// --- Runs ---

	// CreateRun records the start of a run.
	CreateRun(r *model.Run) error

	// GetRun retrieves a run by ID.
	GetRun(id string) (*model.Run, error)

	// LatestRun returns the most recently created run.
	LatestRun() (*model.Run, error)

	// ListRuns returns up to limit runs, newest first.
	ListRuns(limit int) ([]model.Run, error)

	// --- Events ---

	// InsertEvent appends one event. Returns the row ID.
	InsertEvent(e *model.Event) (int64, error)

	// ListEvents returns events of a run matching f, in order.
	ListEvents(runID string, f EventFilter) ([]model.Event, error)

	// CountEvents returns the number of events recorded for a run.
	CountEvents(runID string) int64
}

// Compile-time check that *Store implements StoreInterface.
var _ StoreInterface = (*Store)(nil)
