// Package library implements the studio library loan lifecycle: checkout,
// check-in, mark-lost, and replacement-fee assessment, each guarded by the
// idempotency ledger and the rollout phase gate.
package library

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/mudflat/studio/control-plane/internal/apperr"
	"github.com/mudflat/studio/control-plane/internal/audit"
	"github.com/mudflat/studio/control-plane/internal/docstore"
	"github.com/mudflat/studio/control-plane/internal/idempotency"
	"github.com/mudflat/studio/control-plane/internal/identity"
	"github.com/mudflat/studio/control-plane/pkg/models"
)

// Engine owns library items, loans, and fees.
type Engine struct {
	store  docstore.Store
	audit  *audit.Emitter
	ledger *idempotency.Ledger
	phase  identity.Phase

	now func() time.Time
}

// New creates the engine. phase is the library rollout gate for this
// deployment.
func New(store docstore.Store, emitter *audit.Emitter, phase identity.Phase) *Engine {
	return &Engine{
		store:  store,
		audit:  emitter,
		ledger: idempotency.NewLedger(store, docstore.ColLoanIdempotency, "library-loan"),
		phase:  phase,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) emitAudit(ctx context.Context, actor *identity.Actor, requestID, action, outcome, reasonCode, resourceID, ownerUID string) {
	e.audit.Emit(ctx, models.AuditEvent{
		RequestID:    requestID,
		ActorUID:     actor.UID,
		ActorMode:    actor.Mode,
		Action:       action,
		Outcome:      outcome,
		ReasonCode:   reasonCode,
		ResourceType: "libraryLoan",
		ResourceID:   resourceID,
		OwnerUID:     ownerUID,
	})
}

func loadItem(tx docstore.Txn, id string, out *models.LibraryItem) error {
	err := tx.Get(docstore.ColLibraryItems, id, out)
	var notFound *docstore.ErrNotFound
	if errors.As(err, &notFound) {
		return apperr.NotFound("ITEM_NOT_FOUND", "library item %s not found", id)
	}
	return err
}

func loadLoan(tx docstore.Txn, id string, out *models.Loan) error {
	err := tx.Get(docstore.ColLibraryLoans, id, out)
	var notFound *docstore.ErrNotFound
	if errors.As(err, &notFound) {
		return apperr.NotFound("LOAN_NOT_FOUND", "loan %s not found", id)
	}
	return err
}

// ListMine returns the caller's loans, newest first.
func (e *Engine) ListMine(ctx context.Context, actor *identity.Actor, borrowerUID string) ([]models.Loan, error) {
	if err := identity.RequirePhase(e.phase, identity.Phase1ReadOnly); err != nil {
		return nil, err
	}
	if borrowerUID == "" {
		borrowerUID = actor.UID
	}
	if aerr := actor.Authorize(borrowerUID, "library:read", "loans", true); aerr != nil {
		return nil, aerr
	}
	if err := docstore.CheckIndex(docstore.ColLibraryLoans, "borrowerUid"); err != nil {
		return nil, apperr.FailedPrecondition("MISSING_INDEX", "%s", err.Error())
	}

	var rows []models.Loan
	err := e.store.List(ctx, docstore.ColLibraryLoans, func(_ string, raw []byte) error {
		var l models.Loan
		if err := json.Unmarshal(raw, &l); err != nil {
			return err
		}
		if l.BorrowerUID == borrowerUID {
			rows = append(rows, l)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].LoanedAt.Equal(rows[j].LoanedAt) {
			return rows[i].LoanID < rows[j].LoanID
		}
		return rows[i].LoanedAt.After(rows[j].LoanedAt)
	})
	return rows, nil
}

// OverrideItemStatus is the staff escape hatch for item state (damaged
// copies, archival, manual recounts).
func (e *Engine) OverrideItemStatus(ctx context.Context, actor *identity.Actor, requestID, itemID, status string, availableCopies *int) (*models.LibraryItem, error) {
	if err := identity.RequirePhase(e.phase, identity.Phase3AdminFull); err != nil {
		return nil, err
	}
	if !actor.Staff {
		return nil, apperr.Forbidden("STAFF_ONLY", "item status override is staff-only")
	}
	switch models.ItemStatus(status) {
	case models.ItemAvailable, models.ItemCheckedOut, models.ItemOverdue,
		models.ItemLost, models.ItemUnavailable, models.ItemArchived:
	default:
		return nil, apperr.InvalidArgument("INVALID_STATUS", "unknown item status %q", status)
	}

	var updated *models.LibraryItem
	err := e.store.RunTxn(ctx, func(tx docstore.Txn) error {
		var item models.LibraryItem
		if err := loadItem(tx, itemID, &item); err != nil {
			return err
		}
		item.Status = models.ItemStatus(status)
		if availableCopies != nil {
			if *availableCopies < 0 || *availableCopies > item.TotalCopies {
				return apperr.InvalidArgument("INVALID_COPY_COUNT",
					"availableCopies must be within [0,%d]", item.TotalCopies)
			}
			item.AvailableCopies = *availableCopies
		}
		item.UpdatedAt = e.now()
		if err := tx.Put(docstore.ColLibraryItems, item.ItemID, item); err != nil {
			return err
		}
		updated = &item
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emitAudit(ctx, actor, requestID, "library.items.overrideStatus", "ok", "", itemID, "")
	return updated, nil
}
