package schemas

import "time"

// BoundingBox is an element's rendered box in CSS pixels, relative to the
// current viewport (getBoundingClientRect semantics).
type BoundingBox struct {
	Top    float64 `json:"top"`
	Left   float64 `json:"left"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the midpoint of the box.
func (b BoundingBox) Center() (x, y float64) {
	return b.Left + b.Width/2, b.Top + b.Height/2
}

// ElementRecord describes one interactive element discovered during a scan.
// ID is opaque and stable for the lifetime of the underlying node; it is
// persisted as a tag on the node itself so later scans reuse it.
type ElementRecord struct {
	ID          string      `json:"id"`
	Tag         string      `json:"tag"`
	Text        string      `json:"text,omitempty"`
	IDAttribute string      `json:"idAttribute,omitempty"`
	Classes     []string    `json:"classes,omitempty"`
	Type        string      `json:"type,omitempty"`
	Href        string      `json:"href,omitempty"`
	Placeholder string      `json:"placeholder,omitempty"`
	AriaLabel   string      `json:"ariaLabel,omitempty"`
	Role        string      `json:"role,omitempty"`
	Visible     bool        `json:"visible"`
	Box         BoundingBox `json:"box"`
}

// Inventory is a point-in-time snapshot of the page's interactive elements.
// It is created fresh on every scan and immutable once returned.
type Inventory struct {
	Elements  []ElementRecord `json:"elements"`
	Timestamp time.Time       `json:"timestamp"`
	URL       string          `json:"url"`
}

// Find returns the record with the given id, or nil.
func (inv *Inventory) Find(id string) *ElementRecord {
	if inv == nil {
		return nil
	}
	for i := range inv.Elements {
		if inv.Elements[i].ID == id {
			return &inv.Elements[i]
		}
	}
	return nil
}
