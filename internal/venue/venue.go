// Package venue turns customer and admin actions into patches on the shared document.
package venue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coralclub/tents/internal/auth"
	"github.com/coralclub/tents/internal/reservations"
	"github.com/coralclub/tents/internal/state"
	"github.com/coralclub/tents/internal/syncer"
	"go.uber.org/zap"
)

// DefaultAdminPIN is accepted when the document carries no security record.
const DefaultAdminPIN = "1234"

var (
	errMissingEngine = errors.New("venue: engine is required")

	// ErrAdminRequired indicates an admin operation attempted without authenticating.
	ErrAdminRequired = errors.New("venue: admin session required")
	// ErrEditModeDisabled indicates a drag attempted while the layout is locked.
	ErrEditModeDisabled = errors.New("venue: layout edit mode is disabled")
	// ErrUnknownTent indicates no tent has the requested id.
	ErrUnknownTent = errors.New("venue: unknown tent")
	// ErrUnknownExtra indicates a quoted extra is not in the catalog.
	ErrUnknownExtra = errors.New("venue: unknown extra")
	// ErrInvalidPrice indicates a negative or non-finite price.
	ErrInvalidPrice = errors.New("venue: invalid price")
	// ErrNoDrag indicates DragTo or EndDrag without BeginDrag.
	ErrNoDrag = errors.New("venue: no drag in progress")

	ErrInvalidPIN         = auth.ErrInvalidPIN
	ErrTentUnavailable    = reservations.ErrTentUnavailable
	ErrUnknownReservation = reservations.ErrUnknownReservation
)

// Engine is the write path and current state of one session.
type Engine interface {
	Update(ctx context.Context, logMessage string, fn func(current state.SharedState) (state.Document, error)) (syncer.WriteResult, error)
	State() (state.SharedState, error)
}

// Authenticator exchanges the admin PIN for a gateway session.
type Authenticator interface {
	Login(ctx context.Context, pin string) error
	Logout()
}

type Config struct {
	Engine        Engine
	Authenticator Authenticator
	DefaultPIN    string
	Hold          time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Venue runs the operations of one session and tracks whether it holds admin rights.
type Venue struct {
	engine        Engine
	authenticator Authenticator
	defaultPIN    string
	hold          time.Duration
	clock         func() time.Time
	logger        *zap.Logger

	mu    sync.Mutex
	admin bool
	drag  *dragState
}

func New(cfg Config) (*Venue, error) {
	if cfg.Engine == nil {
		return nil, errMissingEngine
	}
	defaultPIN := cfg.DefaultPIN
	if defaultPIN == "" {
		defaultPIN = DefaultAdminPIN
	}
	hold := cfg.Hold
	if hold <= 0 {
		hold = reservations.DefaultHold
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Venue{
		engine:        cfg.Engine,
		authenticator: cfg.Authenticator,
		defaultPIN:    defaultPIN,
		hold:          hold,
		clock:         clock,
		logger:        logger,
	}, nil
}

// Authenticate grants admin rights for pin. The gateway is asked first; when it cannot be
// reached the PIN is checked against the cached security record.
func (v *Venue) Authenticate(ctx context.Context, pin string) error {
	if v.authenticator != nil {
		err := v.authenticator.Login(ctx, pin)
		switch {
		case err == nil:
			v.setAdmin(true)
			return nil
		case errors.Is(err, auth.ErrInvalidPIN):
			v.logger.Info("admin pin rejected by gateway")
			return ErrInvalidPIN
		default:
			v.logger.Warn("gateway login failed, verifying pin locally", zap.Error(err))
		}
	}

	current, err := v.engine.State()
	if err != nil {
		return err
	}
	if err := auth.VerifyPIN(current.Security, v.defaultPIN, pin); err != nil {
		v.logger.Info("admin pin rejected")
		return ErrInvalidPIN
	}
	v.setAdmin(true)
	return nil
}

// Logout drops admin rights and the gateway session.
func (v *Venue) Logout() {
	if v.authenticator != nil {
		v.authenticator.Logout()
	}
	v.mu.Lock()
	v.admin = false
	v.drag = nil
	v.mu.Unlock()
}

func (v *Venue) IsAdmin() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.admin
}

// Reserve holds tentID for the configured window and returns the new reservation.
func (v *Venue) Reserve(ctx context.Context, tentID int) (state.Reservation, error) {
	var created state.Reservation
	_, err := v.engine.Update(ctx, fmt.Sprintf("Tent #%d reserved", tentID), func(current state.SharedState) (state.Document, error) {
		outcome, err := reservations.Reserve(current.Tents, current.Reservations, tentID, v.clock(), v.hold)
		if err != nil {
			return nil, err
		}
		created = outcome.Reservation
		return outcome.Patch()
	})
	if err != nil {
		return state.Reservation{}, err
	}
	v.logger.Info("tent reserved",
		zap.Int("tent_id", tentID),
		zap.String("reservation_id", created.ID),
		zap.Time("expires_at", created.ExpiresAt))
	return created, nil
}

func (v *Venue) setAdmin(admin bool) {
	v.mu.Lock()
	v.admin = admin
	v.mu.Unlock()
}

func (v *Venue) requireAdmin() error {
	if !v.IsAdmin() {
		return ErrAdminRequired
	}
	return nil
}
