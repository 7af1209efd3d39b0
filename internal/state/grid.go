package state

import (
	"fmt"
	"math"
	"time"
)

const (
	// DefaultGridSize is the tent count used when the layout does not specify one.
	DefaultGridSize = 20
	// MaxGridSize bounds grid recreation.
	MaxGridSize = 500
	// MaxLogEntries caps the recent-event ring.
	MaxLogEntries = 50
)

// MakeGrid lays out n available tents on a near-square grid, centred in each cell.
func MakeGrid(n int) []Tent {
	if n <= 0 {
		return []Tent{}
	}
	cols := int(math.Ceil(math.Sqrt(float64(n))))
	rows := int(math.Ceil(float64(n) / float64(cols)))
	tents := make([]Tent, 0, n)
	id := 1
	for row := 0; row < rows && id <= n; row++ {
		for col := 0; col < cols && id <= n; col++ {
			tents = append(tents, Tent{
				ID:    id,
				X:     (float64(col) + 0.5) / float64(cols),
				Y:     (float64(row) + 0.5) / float64(rows),
				State: TentAvailable,
				Price: 0,
			})
			id++
		}
	}
	return tents
}

// ClampUnit bounds a relative coordinate to [0,1]. NaN maps to 0.
func ClampUnit(value float64) float64 {
	if math.IsNaN(value) || value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// ClampGridSize bounds a requested grid size to [1, MaxGridSize].
func ClampGridSize(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxGridSize {
		return MaxGridSize
	}
	return n
}

// PrependLog adds entry at the head of logs and drops the oldest entries beyond MaxLogEntries.
func PrependLog(logs []LogEntry, entry LogEntry) []LogEntry {
	size := len(logs) + 1
	if size > MaxLogEntries {
		size = MaxLogEntries
	}
	next := make([]LogEntry, 0, size)
	next = append(next, entry)
	for _, existing := range logs {
		if len(next) == size {
			break
		}
		next = append(next, existing)
	}
	return next
}

// DefaultState returns the in-memory defaults a session starts from, without tents.
func DefaultState() SharedState {
	return SharedState{
		Background: Background{PublicPath: "/Mapa.png"},
		Layout:     Layout{Count: DefaultGridSize, Edit: false},
		Payments: Payments{
			Currency:    "USD",
			USDToVES:    0,
			CountryCode: "+58",
		},
		Tents:        []Tent{},
		Reservations: []Reservation{},
	}
}

// DefaultDocument encodes DefaultState with the given security record.
func DefaultDocument(security Security) (Document, error) {
	defaults := DefaultState()
	document := Document{}
	fields := []struct {
		key   string
		value any
	}{
		{KeyBackground, defaults.Background},
		{KeyLayout, defaults.Layout},
		{KeyPayments, defaults.Payments},
		{KeySecurity, security},
		{KeyTents, defaults.Tents},
		{KeyReservations, defaults.Reservations},
	}
	for _, field := range fields {
		if err := document.Put(field.key, field.value); err != nil {
			return nil, err
		}
	}
	return document, nil
}

// ReservationID derives the reservation identifier from the tent and creation instant.
func ReservationID(tentID int, createdAt time.Time) string {
	return fmt.Sprintf("%d-%d", tentID, createdAt.UnixMilli())
}
