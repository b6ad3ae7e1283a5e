//go:build integration

package integration

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func createKey(t *testing.T, user string, body map[string]any) keyResponse {
	t.Helper()
	return expect[keyResponse](t, do(t, http.MethodPost, "/api/keys", user, body), http.StatusOK)
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestKeyLifecycle(t *testing.T) {
	name := uniqueName("ci")
	secret := "sk-integration-0123456789"

	created := createKey(t, "alice", map[string]any{
		"key_name":    name,
		"api_key":     secret,
		"group_ids":   []string{"platform"},
		"description": "used by CI",
		"metadata":    map[string]any{"team": "platform"},
	})
	if created.Secret != secret {
		t.Fatalf("create must return the raw secret once, got %q", created.Secret)
	}
	if created.UserID != "alice" || created.Kind != "api_key" || !created.Active {
		t.Fatalf("unexpected key: %+v", created)
	}

	got := expect[keyResponse](t, do(t, http.MethodGet, "/api/keys/"+created.ID, "alice", nil), http.StatusOK)
	if got.Secret == secret || !strings.HasPrefix(got.Secret, secret[:8]) || !strings.HasSuffix(got.Secret, secret[len(secret)-4:]) {
		t.Fatalf("secret not masked: %q", got.Secret)
	}
	if got.Shared {
		t.Error("owner view must not be shared")
	}

	// A group member reads it as shared; an outsider cannot see it at all.
	shared := expect[keyResponse](t, do(t, http.MethodGet, "/api/keys/"+created.ID, "bob", nil), http.StatusOK)
	if !shared.Shared || shared.Secret != got.Secret {
		t.Fatalf("bob view: %+v", shared)
	}
	expect[errorResponse](t, do(t, http.MethodGet, "/api/keys/"+created.ID, "carol", nil), http.StatusNotFound)

	// Only the owner may mutate or read status.
	expect[errorResponse](t, do(t, http.MethodPut, "/api/keys/"+created.ID, "bob", map[string]any{"key_name": "stolen"}), http.StatusNotFound)
	expect[errorResponse](t, do(t, http.MethodGet, "/api/keys/"+created.ID+"/status", "bob", nil), http.StatusNotFound)

	st := expect[statusResponse](t, do(t, http.MethodGet, "/api/keys/"+created.ID+"/status", "alice", nil), http.StatusOK)
	if st.ID != created.ID || !st.Active || st.UsageCount != 0 || st.Error != "" {
		t.Fatalf("status: %+v", st)
	}

	// Deactivating hides it from the group but not from the owner.
	updated := expect[keyResponse](t, do(t, http.MethodPut, "/api/keys/"+created.ID, "alice", map[string]any{
		"is_active":   false,
		"description": nil,
	}), http.StatusOK)
	if updated.Active || updated.Description == nil || *updated.Description != "used by CI" {
		t.Fatalf("update: %+v", updated)
	}
	expect[errorResponse](t, do(t, http.MethodGet, "/api/keys/"+created.ID, "bob", nil), http.StatusNotFound)
	expect[keyResponse](t, do(t, http.MethodGet, "/api/keys/"+created.ID, "alice", nil), http.StatusOK)

	msg := expect[map[string]string](t, do(t, http.MethodDelete, "/api/keys/"+created.ID, "alice", nil), http.StatusOK)
	if msg["message"] == "" {
		t.Error("delete should confirm with a message")
	}
	expect[errorResponse](t, do(t, http.MethodDelete, "/api/keys/"+created.ID, "alice", nil), http.StatusNotFound)
	expect[errorResponse](t, do(t, http.MethodGet, "/api/keys/"+created.ID, "alice", nil), http.StatusNotFound)
}

func TestCreateValidation(t *testing.T) {
	name := uniqueName("dup")
	createKey(t, "bob", map[string]any{"key_name": name, "api_key": "sk-first-secret-value"})

	for label, tc := range map[string]struct {
		body    map[string]any
		message string
	}{
		"duplicate name": {map[string]any{"key_name": name, "api_key": "sk-another"}, "already exists"},
		"foreign group":  {map[string]any{"key_name": uniqueName("g"), "api_key": "sk-x", "group_ids": []string{"research"}}, "research"},
		"missing name":   {map[string]any{"api_key": "sk-x"}, "name"},
		"missing secret": {map[string]any{"key_name": uniqueName("s")}, "secret"},
	} {
		t.Run(label, func(t *testing.T) {
			body := expect[errorResponse](t, do(t, http.MethodPost, "/api/keys", "bob", tc.body), http.StatusBadRequest)
			if !strings.Contains(strings.ToLower(body.Message), tc.message) {
				t.Errorf("message %q does not mention %q", body.Message, tc.message)
			}
		})
	}
}

func TestListOwnAndAccessible(t *testing.T) {
	prefix := uniqueName("list")
	for i := range 3 {
		createKey(t, "carol", map[string]any{
			"key_name":  fmt.Sprintf("%s-%d", prefix, i),
			"api_key":   fmt.Sprintf("sk-carol-secret-%04d", i),
			"group_ids": []string{"research"},
		})
	}
	aliceKey := createKey(t, "alice", map[string]any{
		"key_name":  uniqueName("team"),
		"api_key":   "sk-team-secret-value",
		"group_ids": []string{"platform"},
	})

	all := expect[keyListResponse](t, do(t, http.MethodGet, "/api/keys?limit=100", "carol", nil), http.StatusOK)
	page := expect[keyListResponse](t, do(t, http.MethodGet, "/api/keys?skip=1&limit=1", "carol", nil), http.StatusOK)
	if page.Total != all.Total || len(page.Keys) != 1 || page.Keys[0].ID != all.Keys[1].ID {
		t.Fatalf("pagination mismatch: page=%+v all.total=%d", page, all.Total)
	}
	for _, k := range all.Keys {
		if k.UserID != "carol" {
			t.Fatalf("foreign key in own list: %+v", k)
		}
	}

	expect[errorResponse](t, do(t, http.MethodGet, "/api/keys?limit=-1", "carol", nil), http.StatusBadRequest)

	acc := expect[keyListResponse](t, do(t, http.MethodGet, "/api/keys/groups/accessible", "bob", nil), http.StatusOK)
	found := false
	for _, k := range acc.Keys {
		if k.UserID == "carol" {
			t.Fatalf("bob must not see research keys: %+v", k)
		}
		if k.ID == aliceKey.ID {
			found = true
			if !k.Shared {
				t.Error("alice key should be shared for bob")
			}
		}
	}
	if !found {
		t.Fatal("bob should see alice's platform key")
	}
	if acc.Total != len(acc.Keys) {
		t.Errorf("total %d != %d keys", acc.Total, len(acc.Keys))
	}
}

func TestRolesAndAdmin(t *testing.T) {
	// Pending accounts authenticate but may not use the key operations.
	expect[errorResponse](t, do(t, http.MethodGet, "/api/keys", "dave", nil), http.StatusForbidden)

	expect[errorResponse](t, do(t, http.MethodGet, "/api/keys/admin/all", "bob", nil), http.StatusForbidden)
	expect[errorResponse](t, do(t, http.MethodGet, "/api/keys/health/connection", "bob", nil), http.StatusForbidden)

	list := expect[keyListResponse](t, do(t, http.MethodGet, "/api/keys/admin/all", "alice", nil), http.StatusOK)
	if list.Total != 0 || len(list.Keys) != 0 {
		t.Errorf("admin listing is a stub, got %+v", list)
	}

	report := expect[map[string]any](t, do(t, http.MethodGet, "/api/keys/health/connection", "alice", nil), http.StatusOK)
	// The compose stack runs without a gateway.
	if report["connected"] != false || report["enabled"] != false || report["master_key_configured"] != false {
		t.Errorf("connection report: %v", report)
	}
	if _, ok := report["base_url"]; !ok {
		t.Error("connection report lacks base_url")
	}
}
