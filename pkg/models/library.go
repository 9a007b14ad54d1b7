package models

import "time"

// ── Library enums ───────────────────────────────────────────

// ItemStatus is the availability state of a library item.
type ItemStatus string

const (
	ItemAvailable   ItemStatus = "available"
	ItemCheckedOut  ItemStatus = "checked_out"
	ItemOverdue     ItemStatus = "overdue"
	ItemLost        ItemStatus = "lost"
	ItemUnavailable ItemStatus = "unavailable"
	ItemArchived    ItemStatus = "archived"
)

// LoanStatus is the state of a single loan.
type LoanStatus string

const (
	LoanCheckedOut      LoanStatus = "checked_out"
	LoanReturnRequested LoanStatus = "return_requested"
	LoanOverdue         LoanStatus = "overdue"
	LoanReturned        LoanStatus = "returned"
	LoanLost            LoanStatus = "lost"
	LoanUnknown         LoanStatus = "unknown"
)

// LoanDuration is the fixed checkout period.
const LoanDuration = 28 * 24 * time.Hour

// ── Library entities ────────────────────────────────────────

// LibraryItem is one title with a copy count.
type LibraryItem struct {
	ItemID                string     `json:"itemId"`
	Title                 string     `json:"title"`
	ISBN10                string     `json:"isbn10,omitempty"`
	ISBN13                string     `json:"isbn13,omitempty"`
	MediaType             string     `json:"mediaType,omitempty"` // book | physical | print | digital
	TotalCopies           int        `json:"totalCopies"`
	AvailableCopies       int        `json:"availableCopies"`
	Status                ItemStatus `json:"status"`
	ReplacementValueCents int64      `json:"replacementValueCents"`
	DeletedAt             *time.Time `json:"deletedAt,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// Lendable reports whether the item's media type can circulate.
func (i *LibraryItem) Lendable() bool {
	switch i.MediaType {
	case "", "book", "physical", "print":
		return true
	}
	return false
}

// Loan is one borrower/item checkout.
type Loan struct {
	LoanID                   string     `json:"loanId"`
	ItemID                   string     `json:"itemId"`
	BorrowerUID              string     `json:"borrowerUid"`
	Status                   LoanStatus `json:"status"`
	LoanedAt                 time.Time  `json:"loanedAt"`
	DueAt                    time.Time  `json:"dueAt"`
	RenewalLimit             int        `json:"renewalLimit"`
	ReturnedAt               *time.Time `json:"returnedAt,omitempty"`
	ReplacementValueCents    int64      `json:"replacementValueCents,omitempty"`
	ReplacementFeeID         string     `json:"replacementFeeId,omitempty"`
	ReplacementFeeStatus     string     `json:"replacementFeeStatus,omitempty"` // assessed
	ReplacementFeeAmountCents int64     `json:"replacementFeeAmountCents,omitempty"`
	UpdatedAt                time.Time  `json:"updatedAt"`
}

// ReplacementFee is the charge record created when a lost loan is assessed.
type ReplacementFee struct {
	FeeID       string    `json:"feeId"`
	LoanID      string    `json:"loanId"`
	ItemID      string    `json:"itemId"`
	BorrowerUID string    `json:"borrowerUid"`
	AmountCents int64     `json:"amountCents"`
	Status      string    `json:"status"` // pending_charge
	AssessedBy  string    `json:"assessedBy"`
	CreatedAt   time.Time `json:"createdAt"`
}
