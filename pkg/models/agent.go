package models

import "time"

// ── Agent commerce enums ────────────────────────────────────

// QuoteStatus is the lifecycle of an agent price quote.
type QuoteStatus string

const (
	QuoteQuoted   QuoteStatus = "quoted"
	QuoteReserved QuoteStatus = "reserved"
	QuoteExpired  QuoteStatus = "expired"
	QuoteConsumed QuoteStatus = "consumed"
)

// AgentReservationStatus is the lifecycle of an agent reservation.
type AgentReservationStatus string

const (
	AgentResReserved        AgentReservationStatus = "reserved"
	AgentResPendingReview   AgentReservationStatus = "pending_review"
	AgentResPaid            AgentReservationStatus = "paid"
	AgentResPaymentRequired AgentReservationStatus = "payment_required"
	AgentResCancelled       AgentReservationStatus = "cancelled"
	AgentResExpired         AgentReservationStatus = "expired"
)

// OrderStatus is the lifecycle of an agent order.
type OrderStatus string

const (
	OrderPaymentRequired OrderStatus = "payment_required"
	OrderPaid            OrderStatus = "paid"
	OrderRefunded        OrderStatus = "refunded"
)

// AuthMode identifies how the caller authenticated.
type AuthMode string

const (
	ModeSession        AuthMode = "session"
	ModeDelegatedAgent AuthMode = "delegated-agent"
	ModePAT            AuthMode = "personal-access-token"
)

// RiskLevel buckets a catalog service by review sensitivity.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// QuoteHoldDuration is how long a quote stays reservable.
const QuoteHoldDuration = 15 * time.Minute

// ── Agent commerce entities ─────────────────────────────────

// Quote is a priced, time-limited offer for a catalog service.
type Quote struct {
	QuoteID              string      `json:"quoteId"`
	ServiceID            string      `json:"serviceId"`
	UID                  string      `json:"uid"`
	AuthMode             AuthMode    `json:"authMode"`
	AgentClientID        string      `json:"agentClientId,omitempty"`
	Quantity             int         `json:"quantity"`
	UnitPriceCents       int64       `json:"unitPriceCents"`
	SubtotalCents        int64       `json:"subtotalCents"`
	Currency             string      `json:"currency"`
	RiskLevel            RiskLevel   `json:"riskLevel"`
	RequiresManualReview bool        `json:"requiresManualReview"`
	Status               QuoteStatus `json:"status"`
	ExpiresAt            time.Time   `json:"expiresAt"`
	CreatedAt            time.Time   `json:"createdAt"`
}

// AgentReservation pins a quote while payment is arranged.
// Its id is deterministic: hash("agent-reservation", quote.uid, quote_id).
type AgentReservation struct {
	ReservationID        string                 `json:"reservationId"`
	QuoteID              string                 `json:"quoteId"`
	UID                  string                 `json:"uid"`
	AgentClientID        string                 `json:"agentClientId,omitempty"`
	Status               AgentReservationStatus `json:"status"`
	HoldExpiresAt        time.Time              `json:"holdExpiresAt"`
	RequiresManualReview bool                   `json:"requiresManualReview"`
	CreatedAt            time.Time              `json:"createdAt"`
	UpdatedAt            time.Time              `json:"updatedAt"`
}

// Order is the billable record produced by paying a reservation.
// Its id is deterministic: hash("agent-order", uid, idempotency_key|reservation_id).
type Order struct {
	OrderID                 string      `json:"orderId"`
	UID                     string      `json:"uid"`
	ReservationID           string      `json:"reservationId"`
	AgentClientID           string      `json:"agentClientId,omitempty"`
	ServiceID               string      `json:"serviceId,omitempty"`
	Category                string      `json:"category,omitempty"`
	AmountCents             int64       `json:"amountCents"`
	Currency                string      `json:"currency"`
	Status                  OrderStatus `json:"status"`
	PaymentStatus           string      `json:"paymentStatus,omitempty"`
	FulfillmentStatus       string      `json:"fulfillmentStatus,omitempty"` // queued, ...
	PaymentProvider         string      `json:"paymentProvider,omitempty"`   // stripe | internal_prepay
	PriceID                 string      `json:"priceId,omitempty"`
	CheckoutReady           bool        `json:"checkoutReady"`
	StripeCheckoutSessionID string      `json:"stripeCheckoutSessionId,omitempty"`
	StripePaymentIntentID   string      `json:"stripePaymentIntentId,omitempty"`
	CreatedAt               time.Time   `json:"createdAt"`
	UpdatedAt               time.Time   `json:"updatedAt"`
}

// ── Agent client (delegated-agent risk policy) ──────────────

// AgentClient is the per-client risk policy record for delegated agents.
type AgentClient struct {
	AgentClientID  string          `json:"agentClientId"`
	Status         string          `json:"status"` // active | suspended
	TrustTier      RiskLevel       `json:"trustTier"`
	SpendingLimits *SpendingLimits `json:"spendingLimits,omitempty"`
	CooldownUntil  *time.Time      `json:"cooldownUntil,omitempty"`
	DenialsLast24h int             `json:"denialsLast24h"`
	DenialWindowAt *time.Time      `json:"denialWindowAt,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// SpendingLimits overrides the trust-tier defaults for one client.
type SpendingLimits struct {
	MaxOrderCents    int64 `json:"maxOrderCents,omitempty"`
	MaxOrdersPerHour int   `json:"maxOrdersPerHour,omitempty"`
}

// TierLimits returns the effective spend controls for the client,
// applying per-client overrides on top of the trust-tier defaults:
// low → {$250, 10/h}, medium → {$750, 30/h}, high → {$2000, 80/h}.
func (c *AgentClient) TierLimits() SpendingLimits {
	limits := SpendingLimits{MaxOrderCents: 25_000, MaxOrdersPerHour: 10}
	switch c.TrustTier {
	case RiskMedium:
		limits = SpendingLimits{MaxOrderCents: 75_000, MaxOrdersPerHour: 30}
	case RiskHigh:
		limits = SpendingLimits{MaxOrderCents: 200_000, MaxOrdersPerHour: 80}
	}
	if c.SpendingLimits != nil {
		if c.SpendingLimits.MaxOrderCents > 0 {
			limits.MaxOrderCents = c.SpendingLimits.MaxOrderCents
		}
		if c.SpendingLimits.MaxOrdersPerHour > 0 {
			limits.MaxOrdersPerHour = c.SpendingLimits.MaxOrdersPerHour
		}
	}
	return limits
}

// ── Agent account (independent-agent ledger) ────────────────

// AgentAccount is the prepaid ledger for independent agents.
type AgentAccount struct {
	AgentClientID        string           `json:"agentClientId"`
	Status               string           `json:"status"` // active | on_hold
	IndependentEnabled   bool             `json:"independentEnabled"`
	PrepayRequired       bool             `json:"prepayRequired"`
	PrepaidBalanceCents  int64            `json:"prepaidBalanceCents"`
	DailySpendCapCents   int64            `json:"dailySpendCapCents"`
	SpendDayKey          string           `json:"spendDayKey"` // UTC yyyy-mm-dd
	SpentTodayCents      int64            `json:"spentTodayCents"`
	SpentByCategoryCents map[string]int64 `json:"spentByCategoryCents,omitempty"`
	UpdatedAt            time.Time        `json:"updatedAt"`
}

// CategoryCap returns the configured cap for a spend category, if any.
// Caps share the category map under "cap:{category}" keys.
func (a *AgentAccount) CategoryCap(category string) (int64, bool) {
	if a.SpentByCategoryCents == nil {
		return 0, false
	}
	cap, ok := a.SpentByCategoryCents["cap:"+category]
	return cap, ok
}

// LedgerEntry is the per-order sub-record posted under agentAccounts/{id}/ledger.
type LedgerEntry struct {
	OrderID       string    `json:"orderId"`
	AgentClientID string    `json:"agentClientId"`
	AmountCents   int64     `json:"amountCents"`
	Category      string    `json:"category,omitempty"`
	BalanceAfter  int64     `json:"balanceAfterCents"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ── Terms acceptance ────────────────────────────────────────

// TermsAcceptance records a current terms-of-service acceptance keyed by
// (uid, mode, token/client, version).
type TermsAcceptance struct {
	ID         string    `json:"id"`
	UID        string    `json:"uid"`
	AuthMode   AuthMode  `json:"authMode"`
	Credential string    `json:"credential"` // token id (PAT) or agent client id (delegated)
	Version    string    `json:"version"`
	AcceptedAt time.Time `json:"acceptedAt"`
}

// ── Agent requests (commission / X1C print) ─────────────────

// AgentRequest is a screened inbound request (commission or X1C print).
type AgentRequest struct {
	RequestID     string         `json:"requestId"`
	UID           string         `json:"uid"`
	AgentClientID string         `json:"agentClientId,omitempty"`
	Kind          string         `json:"kind"` // commission | x1c_print
	Status        string         `json:"status"` // triaged | accepted | rejected | reject
	PolicyVersion string         `json:"policyVersion"`
	ReasonCode    string         `json:"reasonCode,omitempty"`
	Description   string         `json:"description,omitempty"`
	Print         *X1CPrintSpec  `json:"print,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// X1CPrintSpec is the validated payload of an X1C print request.
type X1CPrintSpec struct {
	FileType        string  `json:"fileType"`        // 3mf | stl | step
	MaterialProfile string  `json:"materialProfile"` // pla | petg | abs | asa | pa_cf | tpu
	XMM             float64 `json:"xMm"`
	YMM             float64 `json:"yMm"`
	ZMM             float64 `json:"zMm"`
	Quantity        int     `json:"quantity"`
	Notes           string  `json:"notes,omitempty"`
}

// CatalogService is one purchasable entry in the agent catalog.
type CatalogService struct {
	ServiceID      string    `json:"serviceId"`
	Name           string    `json:"name"`
	Category       string    `json:"category"`
	UnitPriceCents int64     `json:"unitPriceCents"`
	Currency       string    `json:"currency"`
	RiskLevel      RiskLevel `json:"riskLevel"`
	PriceID        string    `json:"priceId,omitempty"`
	MaxQuantity    int       `json:"maxQuantity,omitempty"`
}
