package handler

import (
	"net/http"

	"github.com/xenking/gatekeys/internal/domain/keys"
)

// Handler serves the key management API, delegating business logic to the
// key service.
type Handler struct {
	keys *keys.Service
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(svc *keys.Service) *Handler {
	return &Handler{keys: svc}
}

// Register mounts the key routes on mux behind sec.
func (h *Handler) Register(mux *http.ServeMux, sec *SecurityHandler) {
	routes := []struct {
		pattern string
		handle  http.HandlerFunc
	}{
		{"GET /api/keys", h.ListKeys},
		{"POST /api/keys", h.CreateKey},
		{"GET /api/keys/groups/accessible", h.ListAccessibleKeys},
		{"GET /api/keys/admin/all", h.AdminListKeys},
		{"GET /api/keys/health/connection", h.TestConnection},
		{"GET /api/keys/{id}", h.GetKey},
		{"PUT /api/keys/{id}", h.UpdateKey},
		{"DELETE /api/keys/{id}", h.DeleteKey},
		{"GET /api/keys/{id}/status", h.KeyStatus},
	}
	for _, rt := range routes {
		mux.Handle(rt.pattern, sec.Require(rt.handle))
	}
}
