package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TentState enumerates the availability of a tent.
type TentState string

const (
	// TentAvailable can be reserved.
	TentAvailable TentState = "available"
	// TentPending is held by a reservation awaiting payment.
	TentPending TentState = "pending"
	// TentOccupied is paid for or in use.
	TentOccupied TentState = "occupied"
	// TentBlocked is withdrawn by an administrator.
	TentBlocked TentState = "blocked"
)

// ErrInvalidTentState indicates an unknown tent state value.
var ErrInvalidTentState = errors.New("state: invalid tent state")

var legacyTentStates = map[string]TentState{
	"av": TentAvailable,
	"pr": TentPending,
	"oc": TentOccupied,
	"bl": TentBlocked,
}

// ParseTentState accepts the long names and the legacy two-letter codes.
func ParseTentState(raw string) (TentState, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	switch TentState(normalized) {
	case TentAvailable, TentPending, TentOccupied, TentBlocked:
		return TentState(normalized), nil
	}
	if legacy, ok := legacyTentStates[normalized]; ok {
		return legacy, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTentState, raw)
}

// UnmarshalJSON normalizes legacy codes while decoding. An unrecognised state decodes as
// blocked so one bad tent cannot make the whole document unreadable; ValidateTents reports it.
func (s *TentState) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseTentState(raw)
	if err != nil {
		parsed = TentBlocked
	}
	*s = parsed
	return nil
}

// ValidateTents checks every tent state in raw, a JSON array of tents, without the
// blocked fallback applied by decoding.
func ValidateTents(raw json.RawMessage) error {
	var tents []struct {
		ID    int    `json:"id"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(raw, &tents); err != nil {
		return fmt.Errorf("state: decode tents: %w", err)
	}
	for _, tent := range tents {
		if _, err := ParseTentState(tent.State); err != nil {
			return fmt.Errorf("tent %d: %w", tent.ID, err)
		}
	}
	return nil
}

// ReservationStatus enumerates the lifecycle of a hold.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationExpired   ReservationStatus = "expired"
)

// Background points at the map image.
type Background struct {
	PublicPath string `json:"publicPath"`
}

// Layout holds the grid size and the edit-mode flag.
type Layout struct {
	Count int  `json:"count"`
	Edit  bool `json:"edit"`
}

// MobilePayment describes the mobile payment destination.
type MobilePayment struct {
	Bank     string `json:"bank"`
	Phone    string `json:"phone"`
	IDNumber string `json:"idNumber"`
}

// Zelle describes the Zelle destination.
type Zelle struct {
	Email  string `json:"email"`
	Holder string `json:"holder"`
}

// Payments holds pricing currency, the conversion rate and contact channels.
type Payments struct {
	Currency       string         `json:"currency"`
	USDToVES       float64        `json:"usdToVES"`
	WhatsappNumber string         `json:"whatsappNumber"`
	CountryCode    string         `json:"countryCode"`
	MobilePayment  *MobilePayment `json:"mobilePayment,omitempty"`
	Zelle          *Zelle         `json:"zelle,omitempty"`
}

// Security holds the admin credential. AdminPin is the legacy plaintext form. Redacted marks a
// record the gateway withheld from an anonymous reader.
type Security struct {
	AdminPin     string `json:"adminPin,omitempty"`
	AdminPinHash string `json:"adminPinHash,omitempty"`
	Redacted     bool   `json:"redacted,omitempty"`
}

// Tent is a reservable unit positioned relative to the map bounds.
type Tent struct {
	ID    int       `json:"id"`
	X     float64   `json:"x"`
	Y     float64   `json:"y"`
	State TentState `json:"state"`
	Price float64   `json:"price"`
}

// Reservation is a hold on one tent.
type Reservation struct {
	ID        string            `json:"id"`
	TentID    int               `json:"tentId"`
	CreatedAt time.Time         `json:"createdAt"`
	ExpiresAt time.Time         `json:"expiresAt"`
	Status    ReservationStatus `json:"status"`
}

// Extra is a purchasable add-on.
type Extra struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
	Image string  `json:"image,omitempty"`
}

// Category groups extras in the catalog.
type Category struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Items []Extra `json:"items"`
}

// LogEntry records a recent change.
type LogEntry struct {
	ID      string    `json:"id"`
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// SharedState is the typed view of a Document.
type SharedState struct {
	Background   Background
	Layout       Layout
	Payments     Payments
	Security     Security
	Tents        []Tent
	Reservations []Reservation
	Categories   []Category
	Logs         []LogEntry
}

// FindTent returns the index of the tent with id, or -1.
func FindTent(tents []Tent, id int) int {
	for index, tent := range tents {
		if tent.ID == id {
			return index
		}
	}
	return -1
}

// CloneTents copies the slice so callers can edit it without touching shared memory.
func CloneTents(tents []Tent) []Tent {
	cloned := make([]Tent, len(tents))
	copy(cloned, tents)
	return cloned
}

// CloneReservations copies the slice so callers can edit it without touching shared memory.
func CloneReservations(reservations []Reservation) []Reservation {
	cloned := make([]Reservation, len(reservations))
	copy(cloned, reservations)
	return cloned
}
