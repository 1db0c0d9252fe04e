package handler

import (
	"encoding/json"
	"net/http"

	"github.com/mindful-ai/companion/internal/model"
	"github.com/mindful-ai/companion/internal/risk"
	"github.com/mindful-ai/companion/internal/service"
)

// CrisisResponse is the scripted safety payload.
type CrisisResponse struct {
	Message   string                 `json:"message"`
	Resources []model.CrisisResource `json:"resources"`
}

// RiskHandler exposes the classifier and the crisis payload.
type RiskHandler struct{}

// NewRiskHandler creates a new risk handler.
func NewRiskHandler() *RiskHandler {
	return &RiskHandler{}
}

// Classify handles POST /api/v1/risk/classify
func (h *RiskHandler) Classify(w http.ResponseWriter, r *http.Request) {
	var req model.ClassifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	writeJSON(w, http.StatusOK, risk.Classify(req.Text))
}

// CrisisResources handles GET /api/v1/crisis-resources
func (h *RiskHandler) CrisisResources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &CrisisResponse{
		Message:   service.CrisisText,
		Resources: service.CrisisResources(),
	})
}
