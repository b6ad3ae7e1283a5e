package keys

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultKind is the kind tag assigned to keys created without one.
const DefaultKind = "api_key"

// Key is a managed gateway credential together with its access rules.
type Key struct {
	ID          string
	OwnerID     string
	Name        string
	Secret      string
	Kind        string
	Groups      []string
	Active      bool
	Description string
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastUsedAt  *time.Time

	// Shared is set on listings when the requester is not the owner.
	Shared bool
}

// CreateForm holds the caller supplied fields of a new key.
type CreateForm struct {
	Name        string
	Secret      string
	Kind        string
	Groups      []string
	Description string
	Metadata    map[string]any
}

// UpdateForm is a partial update. Nil fields are left untouched.
type UpdateForm struct {
	Name        *string
	Secret      *string
	Kind        *string
	Groups      []string
	Active      *bool
	Description *string
	Metadata    map[string]any
}

// Apply copies every non-nil field of u onto k.
func (u UpdateForm) Apply(k *Key) {
	if u.Name != nil {
		k.Name = *u.Name
	}
	if u.Secret != nil {
		k.Secret = *u.Secret
	}
	if u.Kind != nil {
		k.Kind = *u.Kind
	}
	if u.Groups != nil {
		k.Groups = u.Groups
	}
	if u.Active != nil {
		k.Active = *u.Active
	}
	if u.Description != nil {
		k.Description = *u.Description
	}
	if u.Metadata != nil {
		k.Metadata = u.Metadata
	}
}

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Page selects a window of a listing by offset and limit.
type Page struct {
	Offset int
	Limit  int
}

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = defaultLimit
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	return p
}

// Window returns the [start, end) bounds of the page within n items.
func (p Page) Window(n int) (start, end int) {
	p = p.Normalize()
	start = min(p.Offset, n)
	end = min(start+p.Limit, n)
	return start, end
}

// Status is best-effort usage telemetry for a key. A status that could not
// be fetched has Active=false and Error set.
type Status struct {
	ID          string
	Active      bool
	UsageCount  int64
	LastUsed    *time.Time
	ExpiresAt   *time.Time
	BudgetUsed  decimal.Decimal
	BudgetLimit *decimal.Decimal
	Error       string
}

// DegradedStatus builds the status returned when telemetry is unavailable.
func DegradedStatus(id string, err error) Status {
	return Status{ID: id, Error: err.Error()}
}

// ConnectionReport describes the reachability of the remote gateway.
type ConnectionReport struct {
	Connected           bool
	BaseURL             string
	Enabled             bool
	MasterKeyConfigured bool
}
