// Copyright (c) 2026 Apflow Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vendoradmin exposes the vendor registration endpoint. The
// lookup key is always derived server-side from the vendor name;
// whatever key the client sends is ignored.
package vendoradmin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/apflow/invoiceagent/internal/store"
)

// VendorStore is the persistence surface the handler needs.
type VendorStore interface {
	UpsertVendor(ctx context.Context, v store.Vendor, overrideActive bool) error
	GetVendor(ctx context.Context, normalizedKey string) (*store.Vendor, error)
}

// upsertRequest is the POST /vendors body.
type upsertRequest struct {
	VendorName         string `json:"vendor_name" validate:"required,max=200"`
	ExpenseDept        string `json:"expense_dept" validate:"required,max=100"`
	GLCode             string `json:"gl_code" validate:"required"`
	AllocationSchedule string `json:"allocation_schedule" validate:"required,max=100"`
	BillingParty       string `json:"billing_party" validate:"required,max=200"`
	ProductCategory    string `json:"product_category" validate:"max=100"`
	// Active, when present, overrides the stored flag; when absent an
	// existing vendor keeps its flag and a new one starts active.
	Active *bool `json:"active,omitempty"`
}

type vendorResponse struct {
	NormalizedKey      string `json:"normalized_key"`
	DisplayName        string `json:"display_name"`
	ExpenseDept        string `json:"expense_dept"`
	GLCode             string `json:"gl_code"`
	AllocationSchedule string `json:"allocation_schedule,omitempty"`
	BillingParty       string `json:"billing_party,omitempty"`
	ProductCategory    string `json:"product_category,omitempty"`
	Active             bool   `json:"active"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves the vendor admin routes.
type Handler struct {
	vendors  VendorStore
	validate *validator.Validate
}

// New creates the handler.
func New(vendors VendorStore) *Handler {
	return &Handler{
		vendors:  vendors,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Routes mounts the admin endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/vendors", h.upsert)
	return r
}

func (h *Handler) upsert(w http.ResponseWriter, r *http.Request) {
	var req upsertRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json: " + err.Error()})
		return
	}

	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if !store.ValidGLCode(req.GLCode) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "gl_code must be exactly 4 digits"})
		return
	}

	key := store.NormalizeVendorKey(req.VendorName)
	if key == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "vendor_name normalizes to an empty key"})
		return
	}

	v := store.Vendor{
		NormalizedKey:      key,
		DisplayName:        req.VendorName,
		ExpenseDept:        req.ExpenseDept,
		GLCode:             req.GLCode,
		AllocationSchedule: req.AllocationSchedule,
		BillingParty:       req.BillingParty,
		ProductCategory:    req.ProductCategory,
		Active:             true,
	}
	overrideActive := req.Active != nil
	if overrideActive {
		v.Active = *req.Active
	}

	if err := h.vendors.UpsertVendor(r.Context(), v, overrideActive); err != nil {
		slog.Error("vendor upsert failed", "key", key, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "vendor upsert failed"})
		return
	}

	stored, err := h.vendors.GetVendor(r.Context(), key)
	if err != nil {
		slog.Error("vendor readback failed", "key", key, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "vendor readback failed"})
		return
	}

	slog.Info("vendor registered", "key", key, "gl_code", stored.GLCode, "active", stored.Active)
	writeJSON(w, http.StatusCreated, vendorResponse{
		NormalizedKey:      stored.NormalizedKey,
		DisplayName:        stored.DisplayName,
		ExpenseDept:        stored.ExpenseDept,
		GLCode:             stored.GLCode,
		AllocationSchedule: stored.AllocationSchedule,
		BillingParty:       stored.BillingParty,
		ProductCategory:    stored.ProductCategory,
		Active:             stored.Active,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}
