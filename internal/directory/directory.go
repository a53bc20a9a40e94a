// Package directory provides read-only lookup of business profiles.
//
// The verification engine consumes the directory at two points: release
// guards check business status, and the fraud engine reads operating hours,
// category, and free-form context. The directory is an external collaborator;
// this package owns only the interface boundary and the two store
// implementations the server wires.
package directory

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrBusinessNotFound = errors.New("business not found")

// Status of a business in the directory.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusClosed    Status = "closed"
)

// DayHours describes opening hours for one weekday.
type DayHours struct {
	Open   string `json:"open,omitempty"`  // "HH:MM", 24h
	Close  string `json:"close,omitempty"` // "HH:MM", 24h
	Closed bool   `json:"closed"`
}

// BusinessContext carries the free-form business knowledge rule indicators
// read. It is a typed, versioned schema with explicit optional fields:
// indicators declare which fields they need, and missing fields degrade
// assessment confidence instead of failing.
type BusinessContext struct {
	Version             int              `json:"version"`
	Departments         []string         `json:"departments,omitempty"`
	StaffNames          []string         `json:"staffNames,omitempty"`
	Locations           []string         `json:"locations,omitempty"`
	AvgTransactionValue *decimal.Decimal `json:"avgTransactionValue,omitempty"`
	BaselineStdDev      *decimal.Decimal `json:"baselineStdDev,omitempty"`
	TypicalDailyVolume  *int             `json:"typicalDailyVolume,omitempty"`
	HighValueThreshold  *decimal.Decimal `json:"highValueThreshold,omitempty"`
}

// Business is one directory record.
type Business struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Status    Status          `json:"status"`
	Category  string          `json:"category"` // e.g. "restaurant", "cafe", "retail"
	OwnerID   string          `json:"ownerId,omitempty"`
	Hours     [7]DayHours     `json:"hours"` // indexed by time.Weekday (Sunday = 0)
	Context   BusinessContext `json:"context"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// IsOpenAt reports whether the business's declared hours cover t.
// The second return is false when hours for that weekday are unknown
// (neither open/close nor an explicit closed marker).
func (b *Business) IsOpenAt(t time.Time) (open bool, known bool) {
	day := b.Hours[int(t.Weekday())]
	if day.Closed {
		return false, true
	}
	if day.Open == "" || day.Close == "" {
		return false, false
	}
	openMin, ok1 := parseClock(day.Open)
	closeMin, ok2 := parseClock(day.Close)
	if !ok1 || !ok2 {
		return false, false
	}
	cur := t.Hour()*60 + t.Minute()
	if closeMin < openMin {
		// Overnight hours, e.g. 18:00–02:00.
		return cur >= openMin || cur < closeMin, true
	}
	return cur >= openMin && cur < closeMin, true
}

func parseClock(s string) (int, bool) {
	if len(s) != 5 || s[2] != ':' {
		return 0, false
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// Store is the read-side directory contract.
type Store interface {
	Get(ctx context.Context, id string) (*Business, error)
}
