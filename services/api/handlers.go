package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"stj/services/directory"
	"stj/services/enroll"
	"stj/services/mdm"
)

func (a *API) handleCreateEnrollment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID string `json:"customer_id"`
		Policy     string `json:"policy"`
		Contact    string `json:"contact"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.Policy = strings.TrimSpace(req.Policy)

	bundle, err := a.coordinator.Run(r.Context(), enroll.Request{
		CustomerID: req.CustomerID,
		PolicyID:   req.Policy,
		Contact:    strings.TrimSpace(req.Contact),
	})
	if err != nil {
		a.metrics.enrollmentFailures.WithLabelValues(failureLabel(err)).Inc()
		if a.logger != nil {
			a.logger.Printf("WARN enrollment for %s failed: %v", req.CustomerID, err)
		}
		respondError(w, statusFromError(err), err)
		return
	}

	a.metrics.enrollments.WithLabelValues(string(bundle.StrategyUsed)).Inc()
	respondJSON(w, http.StatusCreated, map[string]any{"bundle": bundle})
}

func (a *API) handleRotateProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Policy string `json:"policy"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	hosted, err := a.coordinator.RotateProfile(r.Context(), strings.TrimSpace(req.Policy))
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}

	resp := map[string]any{"policy": req.Policy}
	if hosted != nil {
		resp["hosted_profile"] = hosted
	}
	respondJSON(w, http.StatusOK, resp)
}

func (a *API) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	ids := a.catalog.IDs()
	policies := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		p, ok := a.catalog.Get(id)
		if !ok {
			continue
		}
		policies = append(policies, map[string]any{
			"id":           p.ID,
			"display_name": p.DisplayName,
			"dns_mode":     p.DNSMode,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

func (a *API) handleGetCustomer(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerID")

	rec, err := a.directory.Get(r.Context(), customerID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			respondError(w, http.StatusNotFound, fmt.Errorf("customer %s not found", customerID))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"subscriber": rec})
}

func (a *API) handleRevokeCustomer(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerID")

	rec, err := a.directory.Revoke(r.Context(), customerID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			respondError(w, http.StatusNotFound, fmt.Errorf("customer %s not found", customerID))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"subscriber": rec})
}

// statusFromError maps coordinator failures onto HTTP statuses: caller
// mistakes are 4xx, vendor trouble is 502, everything else 500.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, enroll.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, enroll.ErrInflight):
		return http.StatusConflict
	case mdm.IsAuth(err), mdm.IsVendorRejected(err), mdm.IsTransport(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func failureLabel(err error) string {
	switch {
	case errors.Is(err, enroll.ErrInvalidInput):
		return "invalid-input"
	case errors.Is(err, enroll.ErrInflight):
		return "inflight"
	default:
		if kind := mdm.KindOf(err); kind != "" {
			return string(kind)
		}
		return "internal"
	}
}
