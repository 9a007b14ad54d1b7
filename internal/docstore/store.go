// Package docstore provides the transactional document store backing the
// control plane. Documents are addressed by (collection, id) and serialized
// as JSON. Two implementations exist: MemoryStore for tests and zero-config
// dev, and PgxStore for PostgreSQL-backed persistence.
package docstore

import (
	"context"
	"strings"
)

// Collection names persisted by the control plane.
const (
	ColReservations       = "reservations"
	ColStorageAudit       = "reservationStorageAudit"
	ColFairnessAudit      = "reservationQueueFairnessAudit"
	ColAgentQuotes        = "agentQuotes"
	ColAgentReservations  = "agentReservations"
	ColAgentOrders        = "agentOrders"
	ColAgentClients       = "agentClients"
	ColAgentAccounts      = "agentAccounts"
	ColAgentLedger        = "agentAccountLedger"
	ColAgentAuditLogs     = "agentAuditLogs"
	ColAgentRequests      = "agentRequests"
	ColAgentRequestAudit  = "agentRequestAudit"
	ColAgentTerms         = "agentTermsAcceptances"
	ColLibraryItems       = "libraryItems"
	ColLibraryLoans       = "libraryLoans"
	ColLibraryFees        = "libraryReplacementFees"
	ColLoanIdempotency    = "libraryLoanIdempotency"
	ColBatches            = "batches"
	ColBatchTimeline      = "batchTimeline"
	ColNotifications      = "notifications"
)

// Store is the primary storage interface. All engine code depends on this
// interface so tests can run against MemoryStore.
type Store interface {
	// Get decodes the document at (collection, id) into out.
	// Returns *ErrNotFound when absent.
	Get(ctx context.Context, collection, id string, out any) error

	// Put writes a document unconditionally (merge-by-replace).
	Put(ctx context.Context, collection, id string, doc any) error

	// Create writes a document only if it does not exist yet.
	// Returns *ErrExists when the slot is taken.
	Create(ctx context.Context, collection, id string, doc any) error

	// Delete removes a document; deleting a missing document is a no-op.
	Delete(ctx context.Context, collection, id string) error

	// List streams every document in a collection to each. Iteration order
	// is unspecified; callers sort decoded rows themselves.
	List(ctx context.Context, collection string, each func(id string, raw []byte) error) error

	// RunTxn executes fn inside a transaction. The body may be invoked more
	// than once on contention and must be re-entrant: re-read state, then
	// write. Writes are atomic and visible only on commit.
	RunTxn(ctx context.Context, fn func(tx Txn) error) error

	// Ping checks reachability.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Txn is the transactional view handed to RunTxn bodies.
type Txn interface {
	Get(collection, id string, out any) error
	Put(collection, id string, doc any) error
	Create(collection, id string, doc any) error
	Delete(collection, id string) error
	List(collection string, each func(id string, raw []byte) error) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested document does not exist.
type ErrNotFound struct {
	Collection string
	ID         string
}

func (e *ErrNotFound) Error() string {
	return e.Collection + "/" + e.ID + " not found"
}

// ErrExists is returned by Create when the document already exists.
type ErrExists struct {
	Collection string
	ID         string
}

func (e *ErrExists) Error() string {
	return e.Collection + "/" + e.ID + " already exists"
}

// ErrMissingIndex is returned when an ordered query targets a collection
// without a registered composite index. Surfaced as FAILED_PRECONDITION.
type ErrMissingIndex struct {
	Collection string
	Key        string
}

func (e *ErrMissingIndex) Error() string {
	return "missing composite index on " + e.Collection + " (" + e.Key + ")"
}

// ── Index registry ──────────────────────────────────────────

// requiredIndexes lists the composite indexes the engine relies on for
// ordered queries. PgxStore materializes these at migrate time; both
// backends reject ordered queries on unindexed keys.
var requiredIndexes = map[string][]string{
	ColReservations:   {"ownerUid,createdAt desc", "assignedStationId"},
	ColLibraryLoans:   {"borrowerUid"},
	ColAgentOrders:    {"agentClientId", "uid"},
	ColAgentAuditLogs: {"agentClientId"},
}

// HasIndex reports whether an ordered query on (collection, key) is backed
// by a registered index.
func HasIndex(collection, key string) bool {
	for _, k := range requiredIndexes[collection] {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}

// CheckIndex returns *ErrMissingIndex when the index is absent.
func CheckIndex(collection, key string) error {
	if !HasIndex(collection, key) {
		return &ErrMissingIndex{Collection: collection, Key: key}
	}
	return nil
}
