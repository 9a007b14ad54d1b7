package agentcommerce

import (
	"context"
	"regexp"
	"strings"

	"github.com/mudflat/studio/control-plane/internal/apperr"
	"github.com/mudflat/studio/control-plane/internal/docstore"
	"github.com/mudflat/studio/control-plane/internal/identity"
	"github.com/mudflat/studio/control-plane/pkg/models"
)

// RequestPolicyVersion is stamped on every screened request.
const RequestPolicyVersion = "2026-02-24.v1"

// Prohibited-content screens. Matching is best-effort keyword screening;
// a human still reviews every triaged commission.
var prohibitedPatterns = map[string]*regexp.Regexp{
	"weapons":          regexp.MustCompile(`(?i)\b(gun|firearm|rifle|pistol|silencer|suppressor|ammo|ammunition|explosive|grenade)\b`),
	"counterfeit":      regexp.MustCompile(`(?i)\b(counterfeit|replica brand|fake (?:id|passport|license)|knock[- ]?off)\b`),
	"copyright_bypass": regexp.MustCompile(`(?i)\b(bypass (?:drm|copyright)|pirated|crack(?:ed)? (?:software|game))\b`),
	"hate_harassment":  regexp.MustCompile(`(?i)\b(hate symbol|harass|doxx?|swastika)\b`),
}

var weaponLike = prohibitedPatterns["weapons"]

// reviewReasonCodes is the fixed set accepted on accept/reject.
var reviewReasonCodes = map[string]bool{
	"approved_standard":   true,
	"approved_exception":  true,
	"rejected_prohibited": true,
	"rejected_capacity":   true,
	"rejected_quality":    true,
	"rejected_other":      true,
}

func screenProhibited(text string) (string, bool) {
	for code, re := range prohibitedPatterns {
		if re.MatchString(text) {
			return code, true
		}
	}
	return "", false
}

// CommissionRequest is the inbound commission payload.
type CommissionRequest struct {
	Description string `json:"description"`
}

// CommissionCreate screens and files a commission request. Prohibited
// content is rejected immediately; everything else starts triaged.
func (e *Engine) CommissionCreate(ctx context.Context, actor *identity.Actor, requestID string, req CommissionRequest) (*models.AgentRequest, error) {
	if actor.UID == "" {
		return nil, apperr.Unauthenticated("UNAUTHENTICATED", "no verified identity")
	}
	if strings.TrimSpace(req.Description) == "" {
		return nil, apperr.InvalidArgument("MISSING_DESCRIPTION", "a commission description is required")
	}

	now := e.now()
	ar := &models.AgentRequest{
		RequestID:     newID(),
		UID:           actor.UID,
		AgentClientID: actor.AgentClientID,
		Kind:          "commission",
		Status:        "triaged",
		PolicyVersion: RequestPolicyVersion,
		Description:   req.Description,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if code, hit := screenProhibited(req.Description); hit {
		ar.Status = "reject"
		ar.ReasonCode = "prohibited_" + code
	}
	if err := e.store.Put(ctx, docstore.ColAgentRequests, ar.RequestID, ar); err != nil {
		return nil, err
	}
	outcome := "ok"
	if ar.Status == "reject" {
		outcome = "deny"
	}
	e.emitAudit(ctx, actor, requestID, "agent.requests.commission", outcome, ar.ReasonCode, "agentRequest", ar.RequestID)
	return ar, nil
}

// X1CPrintRequest is the inbound print payload.
type X1CPrintRequest struct {
	FileType        string  `json:"fileType"`
	MaterialProfile string  `json:"materialProfile"`
	XMM             float64 `json:"xMm"`
	YMM             float64 `json:"yMm"`
	ZMM             float64 `json:"zMm"`
	Quantity        int     `json:"quantity"`
	Notes           string  `json:"notes,omitempty"`
}

var x1cFileTypes = map[string]bool{"3mf": true, "stl": true, "step": true}
var x1cMaterials = map[string]bool{"pla": true, "petg": true, "abs": true, "asa": true, "pa_cf": true, "tpu": true}

const x1cMaxDimensionMM = 256

// X1CPrintCreate validates and files an X1C print request.
func (e *Engine) X1CPrintCreate(ctx context.Context, actor *identity.Actor, requestID string, req X1CPrintRequest) (*models.AgentRequest, error) {
	if actor.UID == "" {
		return nil, apperr.Unauthenticated("UNAUTHENTICATED", "no verified identity")
	}
	fileType := strings.ToLower(strings.TrimSpace(req.FileType))
	if !x1cFileTypes[fileType] {
		return nil, apperr.InvalidArgument("X1C_INVALID_FILE_TYPE", "fileType must be one of 3mf, stl, step")
	}
	material := strings.ToLower(strings.TrimSpace(req.MaterialProfile))
	if !x1cMaterials[material] {
		return nil, apperr.InvalidArgument("X1C_INVALID_MATERIAL", "unsupported material profile %q", req.MaterialProfile)
	}
	for _, d := range []float64{req.XMM, req.YMM, req.ZMM} {
		if d <= 0 || d > x1cMaxDimensionMM {
			return nil, apperr.InvalidArgument("X1C_INVALID_DIMENSIONS",
				"each dimension must be within (0,%d] mm", x1cMaxDimensionMM)
		}
	}
	if req.Quantity < 1 || req.Quantity > 20 {
		return nil, apperr.InvalidArgument("X1C_INVALID_QUANTITY", "quantity must be within [1,20]")
	}
	if weaponLike.MatchString(req.Notes) {
		return nil, apperr.Forbidden("x1c_prohibited_use", "print request describes a prohibited use")
	}

	now := e.now()
	ar := &models.AgentRequest{
		RequestID:     newID(),
		UID:           actor.UID,
		AgentClientID: actor.AgentClientID,
		Kind:          "x1c_print",
		Status:        "triaged",
		PolicyVersion: RequestPolicyVersion,
		Print: &models.X1CPrintSpec{
			FileType:        fileType,
			MaterialProfile: material,
			XMM:             req.XMM,
			YMM:             req.YMM,
			ZMM:             req.ZMM,
			Quantity:        req.Quantity,
			Notes:           req.Notes,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.Put(ctx, docstore.ColAgentRequests, ar.RequestID, ar); err != nil {
		return nil, err
	}
	e.emitAudit(ctx, actor, requestID, "agent.requests.x1cPrint", "ok", "", "agentRequest", ar.RequestID)
	return ar, nil
}

// RequestGet loads one screened request.
func (e *Engine) RequestGet(ctx context.Context, actor *identity.Actor, id string) (*models.AgentRequest, error) {
	var ar models.AgentRequest
	if err := e.store.Get(ctx, docstore.ColAgentRequests, id, &ar); err != nil {
		return nil, notFoundAs(err, "REQUEST_NOT_FOUND", "request %s not found", id)
	}
	if aerr := actor.Authorize(ar.UID, "agent:commerce", "agent request", true); aerr != nil {
		return nil, aerr
	}
	return &ar, nil
}

// ReviewRequest is a staff accept/reject decision.
type ReviewRequest struct {
	RequestID  string `json:"requestId"`
	Decision   string `json:"decision"` // accepted | rejected
	ReasonCode string `json:"reasonCode"`
	Notes      string `json:"notes,omitempty"`
}

// RequestReview records a staff decision on a triaged request. The reason
// code must come from the fixed review set.
func (e *Engine) RequestReview(ctx context.Context, actor *identity.Actor, requestID string, req ReviewRequest) (*models.AgentRequest, error) {
	if !actor.Staff {
		return nil, apperr.Forbidden("STAFF_ONLY", "request review is staff-only")
	}
	if req.Decision != "accepted" && req.Decision != "rejected" {
		return nil, apperr.InvalidArgument("INVALID_DECISION", "decision must be accepted or rejected")
	}
	if !reviewReasonCodes[req.ReasonCode] {
		return nil, apperr.InvalidArgument("INVALID_REASON_CODE", "unknown reason code %q", req.ReasonCode)
	}

	var updated *models.AgentRequest
	err := e.store.RunTxn(ctx, func(tx docstore.Txn) error {
		var ar models.AgentRequest
		if err := tx.Get(docstore.ColAgentRequests, req.RequestID, &ar); err != nil {
			return notFoundAs(err, "REQUEST_NOT_FOUND", "request %s not found", req.RequestID)
		}
		if ar.Status != "triaged" {
			return apperr.Conflict("REQUEST_NOT_TRIAGED", "request is %s", ar.Status)
		}
		now := e.now()
		ar.Status = req.Decision
		ar.ReasonCode = req.ReasonCode
		ar.UpdatedAt = now
		if err := tx.Put(docstore.ColAgentRequests, ar.RequestID, ar); err != nil {
			return err
		}
		decision := models.AuditEvent{
			ID:           newID(),
			RequestID:    requestID,
			ActorUID:     actor.UID,
			ActorMode:    actor.Mode,
			Action:       "agent.requests.review",
			Outcome:      req.Decision,
			ReasonCode:   req.ReasonCode,
			ResourceType: "agentRequest",
			ResourceID:   ar.RequestID,
			OwnerUID:     ar.UID,
			At:           now,
		}
		if req.Notes != "" {
			decision.Details = map[string]any{"notes": req.Notes}
		}
		if err := tx.Put(docstore.ColAgentRequestAudit, decision.ID, decision); err != nil {
			return err
		}
		updated = &ar
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
