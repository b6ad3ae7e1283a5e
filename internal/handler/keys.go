package handler

import (
	"net/http"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/gatekeys/internal/domain/auth"
	"github.com/xenking/gatekeys/internal/domain/keys"
)

func identity(r *http.Request) auth.Identity {
	who, _ := auth.FromContext(r.Context())
	return who
}

func parsePage(r *http.Request) (keys.Page, error) {
	var page keys.Page
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{
		{"skip", &page.Offset},
		{"limit", &page.Limit},
	} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return page, errors.Wrapf(errBadBody, "query parameter %q", p.name)
		}
		*p.dst = n
	}
	return page, nil
}

// ListKeys returns a page of the caller's own keys.
func (h *Handler) ListKeys(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeError(w, r, "list keys", "", err)
		return
	}
	res, err := h.keys.ListOwn(r.Context(), identity(r), page)
	if err != nil {
		writeError(w, r, "list keys", "", err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeKeyList(e, res.Keys, res.Total) })
}

// CreateKey creates a key. The response is the only place the raw secret
// is ever returned.
func (h *Handler) CreateKey(w http.ResponseWriter, r *http.Request) {
	form, err := decodeCreateForm(r)
	if err != nil {
		writeError(w, r, "create key", "", err)
		return
	}
	k, err := h.keys.Create(r.Context(), identity(r), form)
	if err != nil {
		writeError(w, r, "create key", "", err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeKey(e, *k) })
}

// GetKey returns one key if the caller may see it.
func (h *Handler) GetKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	k, err := h.keys.Get(r.Context(), identity(r), id)
	if err != nil {
		writeError(w, r, "get key", id, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeKey(e, *k) })
}

// UpdateKey applies a partial update to a key owned by the caller.
func (h *Handler) UpdateKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	upd, err := decodeUpdateForm(r)
	if err != nil {
		writeError(w, r, "update key", id, err)
		return
	}
	k, err := h.keys.Update(r.Context(), identity(r), id, upd)
	if err != nil {
		writeError(w, r, "update key", id, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeKey(e, *k) })
}

// DeleteKey removes a key owned by the caller.
func (h *Handler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.keys.Delete(r.Context(), identity(r), id); err != nil {
		writeError(w, r, "delete key", id, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("message", func(e *jx.Encoder) { e.Str("key deleted successfully") })
		})
	})
}

// ListAccessibleKeys returns the caller's keys and the keys shared with
// the caller's groups.
func (h *Handler) ListAccessibleKeys(w http.ResponseWriter, r *http.Request) {
	list, err := h.keys.ListAccessible(r.Context(), identity(r))
	if err != nil {
		writeError(w, r, "list accessible keys", "", err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeKeyList(e, list, len(list)) })
}

// KeyStatus returns usage telemetry for a key owned by the caller.
func (h *Handler) KeyStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := h.keys.Status(r.Context(), identity(r), id)
	if err != nil {
		writeError(w, r, "get key status", id, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeStatus(e, *st) })
}

// AdminListKeys is the administrative listing of every key.
func (h *Handler) AdminListKeys(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeError(w, r, "list all keys", "", err)
		return
	}
	res, err := h.keys.AdminListAll(r.Context(), identity(r), page)
	if err != nil {
		writeError(w, r, "list all keys", "", err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeKeyList(e, res.Keys, res.Total) })
}

// TestConnection reports on the gateway connection.
func (h *Handler) TestConnection(w http.ResponseWriter, r *http.Request) {
	report, err := h.keys.TestConnection(r.Context(), identity(r))
	if err != nil {
		writeError(w, r, "test connection", "", err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeReport(e, *report) })
}
