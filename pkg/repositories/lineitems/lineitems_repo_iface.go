package lineitems

import (
	"context"
	"time"
)

// LineItem is the local copy of a platform gradebook column.
type LineItem struct {
	ID           int64      `json:"id"`
	LineItemURL  string     `json:"line_item_url"`
	LTIContextID string     `json:"lti_context_id"`
	Issuer       string     `json:"issuer"`
	Label        string     `json:"label"`
	DueAt        *time.Time `json:"due_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Repository persists the line item mirror.
type Repository interface {
	Health() error
	Disconnect()
	// Save inserts li or, when its URL is already known, updates issuer,
	// label and due date. A line item stays bound to the first context it
	// was saved with. li.ID and li.LTIContextID are set on return.
	Save(ctx context.Context, li *LineItem) error
	// FindByURL returns nil, nil when the URL is unknown.
	FindByURL(ctx context.Context, url string) (*LineItem, error)
}
