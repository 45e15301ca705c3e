package models

import (
	"fmt"
	"strings"
	"time"
)

// Cursor is the enrichment position: the discovery time and address of the
// last enriched contract. An empty Address selects every row strictly after
// DiscoveredAt.
type Cursor struct {
	DiscoveredAt time.Time `json:"discovered_at"`
	Address      string    `json:"address,omitempty"`
}

const cursorSeparator = "|"

// IsZero reports whether the cursor has never been set
func (c Cursor) IsZero() bool {
	return c.DiscoveredAt.IsZero() && c.Address == ""
}

// After reports whether c is strictly past other
func (c Cursor) After(other Cursor) bool {
	if !c.DiscoveredAt.Equal(other.DiscoveredAt) {
		return c.DiscoveredAt.After(other.DiscoveredAt)
	}
	return c.Address > other.Address
}

func (c Cursor) String() string {
	if c.Address == "" {
		return c.DiscoveredAt.UTC().Format(time.RFC3339Nano)
	}
	return c.DiscoveredAt.UTC().Format(time.RFC3339Nano) + cursorSeparator + c.Address
}

// ParseCursor parses the String form. A bare timestamp is accepted.
func ParseCursor(s string) (Cursor, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Cursor{}, nil
	}
	ts, addr, _ := strings.Cut(s, cursorSeparator)
	t, err := parseCursorTime(ts)
	if err != nil {
		return Cursor{}, err
	}
	return Cursor{DiscoveredAt: t, Address: addr}, nil
}

func parseCursorTime(s string) (time.Time, error) {
	// second layout is the legacy text file format
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid cursor time %q", s)
}
