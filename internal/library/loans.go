package library

import (
	"context"

	"github.com/google/uuid"

	"github.com/mudflat/studio/control-plane/internal/apperr"
	"github.com/mudflat/studio/control-plane/internal/docstore"
	"github.com/mudflat/studio/control-plane/internal/idempotency"
	"github.com/mudflat/studio/control-plane/internal/identity"
	"github.com/mudflat/studio/control-plane/pkg/models"
)

// checkReplay runs the idempotency ledger check for one operation. A replay
// returns the stored response with idempotent_replay overlaid under channel.
func (e *Engine) checkReplay(ctx context.Context, actor *identity.Actor, operation, bodyKey, headerKey, channel string, payload any) (key, fingerprint string, replay map[string]any, err error) {
	key, aerr := idempotency.NormalizeKey(bodyKey, headerKey)
	if aerr != nil {
		return "", "", nil, aerr
	}
	if key == "" {
		return "", "", nil, nil
	}
	fingerprint, ferr := idempotency.Fingerprint(operation, payload)
	if ferr != nil {
		return "", "", nil, ferr
	}
	outcome, rec, cerr := e.ledger.Check(ctx, actor.UID, operation, key, fingerprint)
	if cerr != nil {
		return "", "", nil, cerr
	}
	if outcome == idempotency.Replay {
		data, oerr := idempotency.OverlayReplay(rec, channel)
		if oerr != nil {
			return "", "", nil, oerr
		}
		return key, fingerprint, data, nil
	}
	return key, fingerprint, nil, nil
}

// CheckoutRequest borrows one copy of an item.
type CheckoutRequest struct {
	ItemID         string `json:"itemId"`
	BorrowerUID    string `json:"borrowerUid,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// CheckoutResult is the fresh (non-replayed) checkout response.
type CheckoutResult struct {
	Loan             *models.Loan        `json:"loan"`
	Item             *models.LibraryItem `json:"item"`
	IdempotentReplay bool                `json:"idempotentReplay"`
}

// Checkout borrows one copy for 28 days.
func (e *Engine) Checkout(ctx context.Context, actor *identity.Actor, requestID, headerKey string, req CheckoutRequest) (any, error) {
	if err := identity.RequirePhase(e.phase, identity.Phase2MemberWrites); err != nil {
		return nil, err
	}
	borrower := req.BorrowerUID
	if borrower == "" {
		borrower = actor.UID
	}
	if aerr := actor.Authorize(borrower, "library:write", "loan", true); aerr != nil {
		return nil, aerr
	}
	if req.ItemID == "" {
		return nil, apperr.InvalidArgument("MISSING_ITEM_ID", "itemId is required")
	}

	key, fingerprint, replay, err := e.checkReplay(ctx, actor, "checkout", req.IdempotencyKey, headerKey, "loan",
		map[string]any{"itemId": req.ItemID, "borrowerUid": borrower})
	if err != nil {
		return nil, err
	}
	if replay != nil {
		return replay, nil
	}

	var result CheckoutResult
	err = e.store.RunTxn(ctx, func(tx docstore.Txn) error {
		var item models.LibraryItem
		if err := loadItem(tx, req.ItemID, &item); err != nil {
			return err
		}
		if item.DeletedAt != nil {
			return apperr.NotFound("ITEM_NOT_FOUND", "library item %s not found", req.ItemID)
		}
		if !item.Lendable() {
			return apperr.FailedPrecondition("ITEM_NOT_LENDABLE", "media type %q does not circulate", item.MediaType)
		}
		switch item.Status {
		case models.ItemLost, models.ItemArchived, models.ItemUnavailable:
			return apperr.Conflict("ITEM_NOT_AVAILABLE", "item is %s", item.Status)
		}
		if item.AvailableCopies < 1 {
			return apperr.Conflict("NO_COPIES_AVAILABLE", "all copies are checked out")
		}

		now := e.now()
		item.AvailableCopies--
		if item.AvailableCopies > 0 {
			item.Status = models.ItemAvailable
		} else {
			item.Status = models.ItemCheckedOut
		}
		item.UpdatedAt = now

		loan := models.Loan{
			LoanID:                uuid.NewString(),
			ItemID:                item.ItemID,
			BorrowerUID:           borrower,
			Status:                models.LoanCheckedOut,
			LoanedAt:              now,
			DueAt:                 now.Add(models.LoanDuration),
			RenewalLimit:          1,
			ReplacementValueCents: item.ReplacementValueCents,
			UpdatedAt:             now,
		}
		if err := tx.Put(docstore.ColLibraryItems, item.ItemID, item); err != nil {
			return err
		}
		if err := tx.Put(docstore.ColLibraryLoans, loan.LoanID, loan); err != nil {
			return err
		}
		result = CheckoutResult{Loan: &loan, Item: &item}
		return nil
	})
	if err != nil {
		e.emitAudit(ctx, actor, requestID, "library.loans.checkout", "deny", apperr.From(err).Code, req.ItemID, borrower)
		return nil, err
	}

	e.ledger.Persist(ctx, actor.UID, "checkout", key, fingerprint, requestID, result)
	e.emitAudit(ctx, actor, requestID, "library.loans.checkout", "ok", "", result.Loan.LoanID, borrower)
	return &result, nil
}

// LoanActionRequest targets one existing loan.
type LoanActionRequest struct {
	LoanID         string `json:"loanId"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// LoanResult is the fresh response for check-in and mark-lost.
type LoanResult struct {
	Loan             *models.Loan `json:"loan"`
	IdempotentReplay bool         `json:"idempotentReplay"`
}

// CheckIn returns a borrowed copy. Checking in an already-returned loan is
// idempotent.
func (e *Engine) CheckIn(ctx context.Context, actor *identity.Actor, requestID, headerKey string, req LoanActionRequest) (any, error) {
	if err := identity.RequirePhase(e.phase, identity.Phase2MemberWrites); err != nil {
		return nil, err
	}
	if req.LoanID == "" {
		return nil, apperr.InvalidArgument("MISSING_LOAN_ID", "loanId is required")
	}

	key, fingerprint, replay, err := e.checkReplay(ctx, actor, "checkIn", req.IdempotencyKey, headerKey, "loan",
		map[string]any{"loanId": req.LoanID})
	if err != nil {
		return nil, err
	}
	if replay != nil {
		return replay, nil
	}

	var result LoanResult
	err = e.store.RunTxn(ctx, func(tx docstore.Txn) error {
		var loan models.Loan
		if err := loadLoan(tx, req.LoanID, &loan); err != nil {
			return err
		}
		if aerr := actor.Authorize(loan.BorrowerUID, "library:write", "loan", true); aerr != nil {
			return aerr
		}

		switch loan.Status {
		case models.LoanReturned:
			result = LoanResult{Loan: &loan, IdempotentReplay: true}
			return nil
		case models.LoanCheckedOut, models.LoanOverdue, models.LoanReturnRequested:
		default:
			return apperr.Conflict("LOAN_NOT_RETURNABLE", "loan is %s", loan.Status)
		}

		now := e.now()
		loan.Status = models.LoanReturned
		returned := now
		loan.ReturnedAt = &returned
		loan.UpdatedAt = now

		var item models.LibraryItem
		if err := loadItem(tx, loan.ItemID, &item); err != nil {
			return err
		}
		if item.AvailableCopies < item.TotalCopies {
			item.AvailableCopies++
		}
		item.Status = models.ItemAvailable
		item.UpdatedAt = now

		if err := tx.Put(docstore.ColLibraryLoans, loan.LoanID, loan); err != nil {
			return err
		}
		if err := tx.Put(docstore.ColLibraryItems, item.ItemID, item); err != nil {
			return err
		}
		result = LoanResult{Loan: &loan}
		return nil
	})
	if err != nil {
		e.emitAudit(ctx, actor, requestID, "library.loans.checkIn", "deny", apperr.From(err).Code, req.LoanID, "")
		return nil, err
	}

	if !result.IdempotentReplay {
		e.ledger.Persist(ctx, actor.UID, "checkIn", key, fingerprint, requestID, result)
	}
	e.emitAudit(ctx, actor, requestID, "library.loans.checkIn", "ok", "", result.Loan.LoanID, result.Loan.BorrowerUID)
	return &result, nil
}

// MarkLost flags a loan as lost (staff only). Already-lost loans replay.
func (e *Engine) MarkLost(ctx context.Context, actor *identity.Actor, requestID, headerKey string, req LoanActionRequest) (any, error) {
	if err := identity.RequirePhase(e.phase, identity.Phase3AdminFull); err != nil {
		return nil, err
	}
	if !actor.Staff {
		return nil, apperr.Forbidden("STAFF_ONLY", "mark lost is staff-only")
	}
	if req.LoanID == "" {
		return nil, apperr.InvalidArgument("MISSING_LOAN_ID", "loanId is required")
	}

	key, fingerprint, replay, err := e.checkReplay(ctx, actor, "markLost", req.IdempotencyKey, headerKey, "loan",
		map[string]any{"loanId": req.LoanID})
	if err != nil {
		return nil, err
	}
	if replay != nil {
		return replay, nil
	}

	var result LoanResult
	err = e.store.RunTxn(ctx, func(tx docstore.Txn) error {
		var loan models.Loan
		if err := loadLoan(tx, req.LoanID, &loan); err != nil {
			return err
		}
		switch loan.Status {
		case models.LoanLost:
			result = LoanResult{Loan: &loan, IdempotentReplay: true}
			return nil
		case models.LoanReturned:
			return apperr.Conflict("LOAN_ALREADY_RETURNED", "a returned loan cannot be marked lost")
		case models.LoanCheckedOut, models.LoanOverdue, models.LoanReturnRequested:
		default:
			return apperr.Conflict("LOAN_NOT_LOSABLE", "loan is %s", loan.Status)
		}

		now := e.now()
		loan.Status = models.LoanLost
		loan.UpdatedAt = now
		if err := tx.Put(docstore.ColLibraryLoans, loan.LoanID, loan); err != nil {
			return err
		}
		result = LoanResult{Loan: &loan}
		return nil
	})
	if err != nil {
		e.emitAudit(ctx, actor, requestID, "library.loans.markLost", "deny", apperr.From(err).Code, req.LoanID, "")
		return nil, err
	}

	if !result.IdempotentReplay {
		e.ledger.Persist(ctx, actor.UID, "markLost", key, fingerprint, requestID, result)
	}
	e.emitAudit(ctx, actor, requestID, "library.loans.markLost", "ok", "", result.Loan.LoanID, result.Loan.BorrowerUID)
	return &result, nil
}

// AssessFeeRequest bills a lost loan.
type AssessFeeRequest struct {
	LoanID         string `json:"loanId"`
	AmountCents    int64  `json:"amountCents,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// FeeResult is the fresh replacement-fee response.
type FeeResult struct {
	Fee              *models.ReplacementFee `json:"fee"`
	Loan             *models.Loan           `json:"loan"`
	IdempotentReplay bool                   `json:"idempotentReplay"`
}

// AssessReplacementFee creates a pending charge for a lost loan (staff
// only). The amount defaults to the larger of the loan's and the item's
// replacement value.
func (e *Engine) AssessReplacementFee(ctx context.Context, actor *identity.Actor, requestID, headerKey string, req AssessFeeRequest) (any, error) {
	if err := identity.RequirePhase(e.phase, identity.Phase3AdminFull); err != nil {
		return nil, err
	}
	if !actor.Staff {
		return nil, apperr.Forbidden("STAFF_ONLY", "fee assessment is staff-only")
	}
	if req.LoanID == "" {
		return nil, apperr.InvalidArgument("MISSING_LOAN_ID", "loanId is required")
	}

	key, fingerprint, replay, err := e.checkReplay(ctx, actor, "assessReplacementFee", req.IdempotencyKey, headerKey, "fee",
		map[string]any{"loanId": req.LoanID, "amountCents": req.AmountCents})
	if err != nil {
		return nil, err
	}
	if replay != nil {
		return replay, nil
	}

	var result FeeResult
	err = e.store.RunTxn(ctx, func(tx docstore.Txn) error {
		var loan models.Loan
		if err := loadLoan(tx, req.LoanID, &loan); err != nil {
			return err
		}
		if loan.Status != models.LoanLost {
			return apperr.Conflict("LOAN_NOT_LOST", "only lost loans can be assessed")
		}

		amount := req.AmountCents
		if amount == 0 {
			var item models.LibraryItem
			if err := loadItem(tx, loan.ItemID, &item); err != nil {
				return err
			}
			amount = loan.ReplacementValueCents
			if item.ReplacementValueCents > amount {
				amount = item.ReplacementValueCents
			}
		}
		if amount < 1 {
			return apperr.FailedPrecondition("NO_REPLACEMENT_VALUE",
				"no positive replacement value is available for this loan")
		}

		now := e.now()
		fee := models.ReplacementFee{
			FeeID:       uuid.NewString(),
			LoanID:      loan.LoanID,
			ItemID:      loan.ItemID,
			BorrowerUID: loan.BorrowerUID,
			AmountCents: amount,
			Status:      "pending_charge",
			AssessedBy:  actor.UID,
			CreatedAt:   now,
		}
		loan.ReplacementFeeID = fee.FeeID
		loan.ReplacementFeeStatus = "assessed"
		loan.ReplacementFeeAmountCents = amount
		loan.UpdatedAt = now

		if err := tx.Put(docstore.ColLibraryFees, fee.FeeID, fee); err != nil {
			return err
		}
		if err := tx.Put(docstore.ColLibraryLoans, loan.LoanID, loan); err != nil {
			return err
		}
		result = FeeResult{Fee: &fee, Loan: &loan}
		return nil
	})
	if err != nil {
		e.emitAudit(ctx, actor, requestID, "library.loans.assessReplacementFee", "deny", apperr.From(err).Code, req.LoanID, "")
		return nil, err
	}

	e.ledger.Persist(ctx, actor.UID, "assessReplacementFee", key, fingerprint, requestID, result)
	e.emitAudit(ctx, actor, requestID, "library.loans.assessReplacementFee", "ok", "", result.Loan.LoanID, result.Loan.BorrowerUID)
	return &result, nil
}
