package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/confirmasaude/confirma-platform/internal/campaign"
	"github.com/confirmasaude/confirma-platform/internal/http/middleware"
	"github.com/confirmasaude/confirma-platform/internal/importer"
	"github.com/confirmasaude/confirma-platform/internal/tenancy"
	"github.com/confirmasaude/confirma-platform/pkg/logging"
)

// CampaignDispatcher is the dispatch surface the handler needs.
type CampaignDispatcher interface {
	Dispatch(ctx context.Context, campaignID uuid.UUID) (string, error)
	Cancel(ctx context.Context, campaignID uuid.UUID) error
}

// CampaignHandler exposes the owner-scoped campaign admin API.
type CampaignHandler struct {
	store      *campaign.Store
	dispatcher CampaignDispatcher
	logger     *logging.Logger
}

// NewCampaignHandler builds the campaign handler.
func NewCampaignHandler(store *campaign.Store, dispatcher CampaignDispatcher, logger *logging.Logger) *CampaignHandler {
	if store == nil {
		panic("handlers: campaign store required")
	}
	if dispatcher == nil {
		panic("handlers: dispatcher required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &CampaignHandler{store: store, dispatcher: dispatcher, logger: logger}
}

type createCampaignRequest struct {
	Name string         `json:"name"`
	Rows []importer.Row `json:"rows"`
}

type campaignResponse struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	StatusMsg    string    `json:"status_msg,omitempty"`
	TaskID       string    `json:"task_id,omitempty"`
	Appointments int       `json:"appointments,omitempty"`
}

func toCampaignResponse(c *campaign.Campaign) campaignResponse {
	return campaignResponse{
		ID:        c.ID,
		Name:      c.Name,
		Status:    string(c.Status),
		StatusMsg: c.StatusMsg,
		TaskID:    c.TaskID,
	}
}

// Create imports a batch of rows into a new draft campaign.
func (h *CampaignHandler) Create(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerFromRequest(r)
	if !ok {
		http.Error(w, "missing owner", http.StatusUnauthorized)
		return
	}

	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}
	imported := importer.ParseRows(req.Rows)
	if len(imported) == 0 {
		http.Error(w, "no importable rows", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tx, err := h.store.Begin(ctx)
	if err != nil {
		h.serverError(w, err)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	c := &campaign.Campaign{OwnerID: ownerID, Name: req.Name}
	if err := h.store.CreateCampaign(ctx, tx, c); err != nil {
		h.serverError(w, err)
		return
	}
	appts := make([]campaign.Appointment, len(imported))
	for i := range imported {
		appts[i] = imported[i].Appointment
	}
	if err := h.store.BulkInsertAppointments(ctx, tx, c.ID, appts); err != nil {
		h.serverError(w, err)
		return
	}
	for i := range imported {
		imported[i].Appointment.ID = appts[i].ID
		phones := imported[i].CandidatePhones()
		if err := h.store.BulkInsertPhones(ctx, tx, phones); err != nil {
			h.serverError(w, err)
			return
		}
	}
	if err := tx.Commit(ctx); err != nil {
		h.serverError(w, err)
		return
	}

	resp := toCampaignResponse(c)
	resp.Appointments = len(appts)
	h.logger.Info("campaign created", "campaign_id", c.ID, "owner_id", ownerID, "appointments", len(appts))
	writeJSON(w, http.StatusCreated, resp)
}

// Dispatch starts sending a campaign.
func (h *CampaignHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	c, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}
	taskID, err := h.dispatcher.Dispatch(r.Context(), c.ID)
	if err != nil {
		switch {
		case errors.Is(err, campaign.ErrCampaignNotDispatchable):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, campaign.ErrInstanceNotConnected):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			h.serverError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

// Cancel aborts a running campaign.
func (h *CampaignHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	c, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}
	if err := h.dispatcher.Cancel(r.Context(), c.ID); err != nil {
		if errors.Is(err, campaign.ErrCampaignNotDispatchable) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		h.serverError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete soft-deletes a campaign, keeping child rows referenceable.
func (h *CampaignHandler) Delete(w http.ResponseWriter, r *http.Request) {
	c, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}
	deletedBy := ""
	if claims, ok := middleware.AdminClaimsFromContext(r.Context()); ok {
		deletedBy = claims.Subject
	}
	if err := h.store.SoftDeleteCampaign(r.Context(), c.ID, deletedBy); err != nil {
		if errors.Is(err, campaign.ErrCampaignNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		h.serverError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Restore undoes a soft delete.
func (h *CampaignHandler) Restore(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerFromRequest(r)
	if !ok {
		http.Error(w, "missing owner", http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "bad campaign id", http.StatusBadRequest)
		return
	}
	// The restore path is the one lookup allowed to see deleted rows.
	c, err := h.store.GetCampaignAny(r.Context(), id)
	if err != nil || c.OwnerID != ownerID {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err := h.store.RestoreCampaign(r.Context(), c.ID); err != nil {
		if errors.Is(err, campaign.ErrCampaignNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		h.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCampaignResponse(c))
}

// List returns the owner's live campaigns.
func (h *CampaignHandler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerFromRequest(r)
	if !ok {
		http.Error(w, "missing owner", http.StatusUnauthorized)
		return
	}
	campaigns, err := h.store.ListActiveCampaigns(r.Context(), ownerID)
	if err != nil {
		h.serverError(w, err)
		return
	}
	out := make([]campaignResponse, 0, len(campaigns))
	for i := range campaigns {
		out = append(out, toCampaignResponse(&campaigns[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// Get returns one campaign.
func (h *CampaignHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toCampaignResponse(c))
}

// ownedCampaign loads the path campaign and enforces owner scoping. Foreign
// campaigns read as not found, never as forbidden.
func (h *CampaignHandler) ownedCampaign(w http.ResponseWriter, r *http.Request) (*campaign.Campaign, bool) {
	ownerID, ok := ownerFromRequest(r)
	if !ok {
		http.Error(w, "missing owner", http.StatusUnauthorized)
		return nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "bad campaign id", http.StatusBadRequest)
		return nil, false
	}
	c, err := h.store.GetCampaign(r.Context(), id)
	if err != nil {
		if errors.Is(err, campaign.ErrCampaignNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return nil, false
		}
		h.serverError(w, err)
		return nil, false
	}
	if c.OwnerID != ownerID {
		http.Error(w, "not found", http.StatusNotFound)
		return nil, false
	}
	return c, true
}

func (h *CampaignHandler) serverError(w http.ResponseWriter, err error) {
	h.logger.Error("campaign handler error", "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func ownerFromRequest(r *http.Request) (uuid.UUID, bool) {
	raw, ok := tenancy.OwnerIDFromContext(r.Context())
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
