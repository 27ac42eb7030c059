package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/triage/internal/domain"
	"github.com/timmy/triage/internal/logger"
	"github.com/timmy/triage/internal/repository"
)

// EscalationHandler handles escalation and contact endpoints.
type EscalationHandler struct {
	escalations *repository.EscalationRepository
	contacts    *repository.ContactRepository
}

// NewEscalationHandler creates a new escalation handler.
// Parameters:
//   - escalations: escalation repository owning the state machine.
//   - contacts: sender directory.
// Returns:
//   - *EscalationHandler: initialized handler.
func NewEscalationHandler(escalations *repository.EscalationRepository, contacts *repository.ContactRepository) *EscalationHandler {
	return &EscalationHandler{escalations: escalations, contacts: contacts}
}

// ContactRequest sets a sender's importance.
type ContactRequest struct {
	Identifier  string   `json:"identifier" binding:"required"`
	DisplayName string   `json:"display_name"`
	Importance  *float64 `json:"importance" binding:"required,min=0,max=1"`
	IsSelf      bool     `json:"is_self"`
}

// List handles GET /api/v1/tenants/:tenant/escalations.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *EscalationHandler) List(c *gin.Context) {
	status := domain.EscalationStatus(c.Query("status"))
	switch status {
	case "", domain.EscalationPending, domain.EscalationAcknowledged, domain.EscalationDismissed:
	default:
		badRequest(c, "Unknown status: "+string(status))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	out, err := h.escalations.List(c.Request.Context(), repository.EscalationFilter{
		TenantID: c.Param("tenant"),
		Status:   status,
		Limit:    limit,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if out == nil {
		out = []domain.Escalation{}
	}
	c.JSON(http.StatusOK, gin.H{"escalations": out})
}

// Acknowledge handles POST /api/v1/escalations/:id/acknowledge.
func (h *EscalationHandler) Acknowledge(c *gin.Context) {
	h.transition(c, h.escalations.Acknowledge)
}

// Dismiss handles POST /api/v1/escalations/:id/dismiss.
func (h *EscalationHandler) Dismiss(c *gin.Context) {
	h.transition(c, h.escalations.Dismiss)
}

func (h *EscalationHandler) transition(c *gin.Context, apply func(ctx context.Context, id string) (*domain.Escalation, error)) {
	ctx := c.Request.Context()
	esc, err := apply(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	logger.CtxInfo(logger.SetActivityID(ctx, esc.ActivityID), "Escalation %s is %s", esc.ID, esc.Status)
	c.JSON(http.StatusOK, esc)
}

// UpsertContact handles PUT /api/v1/tenants/:tenant/contacts.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *EscalationHandler) UpsertContact(c *gin.Context) {
	ctx := c.Request.Context()
	tenant := c.Param("tenant")

	var req ContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request: "+err.Error())
		return
	}

	contact := &domain.Contact{
		TenantID:    tenant,
		Identifier:  req.Identifier,
		DisplayName: req.DisplayName,
		Importance:  *req.Importance,
		IsSelf:      req.IsSelf,
	}
	if err := h.contacts.Upsert(ctx, contact); err != nil {
		respondError(c, err)
		return
	}

	// Re-read so an update reports the stored row's ID.
	stored, err := h.contacts.FindByIdentifiers(ctx, tenant, []string{contact.Identifier})
	if err != nil {
		respondError(c, err)
		return
	}
	if row, ok := stored[contact.Identifier]; ok {
		contact = &row
	}
	c.JSON(http.StatusOK, contact)
}
