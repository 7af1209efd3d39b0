package venue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/coralclub/tents/internal/auth"
	"github.com/coralclub/tents/internal/reservations"
	"github.com/coralclub/tents/internal/state"
	"github.com/coralclub/tents/internal/syncer"
	"go.uber.org/zap"
)

// PaymentsChange lists the payment fields to overwrite; nil fields keep their current value.
type PaymentsChange struct {
	Currency       *string
	USDToVES       *float64
	WhatsappNumber *string
	CountryCode    *string
	MobilePayment  *state.MobilePayment
	Zelle          *state.Zelle
}

func (c PaymentsChange) apply(payments state.Payments) state.Payments {
	if c.Currency != nil {
		payments.Currency = strings.TrimSpace(*c.Currency)
	}
	if c.USDToVES != nil {
		payments.USDToVES = *c.USDToVES
	}
	if c.WhatsappNumber != nil {
		payments.WhatsappNumber = strings.TrimSpace(*c.WhatsappNumber)
	}
	if c.CountryCode != nil {
		payments.CountryCode = strings.TrimSpace(*c.CountryCode)
	}
	if c.MobilePayment != nil {
		mobile := *c.MobilePayment
		payments.MobilePayment = &mobile
	}
	if c.Zelle != nil {
		zelle := *c.Zelle
		payments.Zelle = &zelle
	}
	return payments
}

// SetTentState overrides the state of tentID regardless of its reservations.
func (v *Venue) SetTentState(ctx context.Context, tentID int, next state.TentState) error {
	parsed, err := state.ParseTentState(string(next))
	if err != nil {
		return err
	}
	return v.editTent(ctx, tentID, fmt.Sprintf("Tent #%d set to %s", tentID, parsed), func(tent *state.Tent) {
		tent.State = parsed
	})
}

func (v *Venue) SetTentPrice(ctx context.Context, tentID int, price float64) error {
	if price < 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidPrice, price)
	}
	return v.editTent(ctx, tentID, fmt.Sprintf("Tent #%d price set to %.2f", tentID, price), func(tent *state.Tent) {
		tent.Price = price
	})
}

// ConfirmReservation marks a pending reservation as paid.
func (v *Venue) ConfirmReservation(ctx context.Context, reservationID string) error {
	return v.adminUpdate(ctx, "Reservation "+reservationID+" confirmed", func(current state.SharedState) (state.Document, error) {
		outcome, err := reservations.Confirm(current.Tents, current.Reservations, reservationID)
		if err != nil {
			return nil, err
		}
		return outcome.Patch()
	})
}

// RecreateGrid replaces every tent with a fresh grid of n tents, n clamped to [1,500]. Pending
// reservations are expired because the tents they held are gone. It returns the tent count used.
func (v *Venue) RecreateGrid(ctx context.Context, n int) (int, error) {
	count := state.ClampGridSize(n)
	err := v.adminUpdate(ctx, fmt.Sprintf("Grid recreated with %d tents", count), func(current state.SharedState) (state.Document, error) {
		nextReservations, expired := reservations.ExpirePending(current.Reservations)
		layout := current.Layout
		layout.Count = count

		patch := state.Document{}
		if err := patch.Put(state.KeyTents, state.MakeGrid(count)); err != nil {
			return nil, err
		}
		if err := patch.Put(state.KeyReservations, nextReservations); err != nil {
			return nil, err
		}
		if err := patch.Put(state.KeyLayout, layout); err != nil {
			return nil, err
		}
		if len(expired) > 0 {
			v.logger.Info("pending reservations expired by grid recreation", zap.Strings("reservations", expired))
		}
		return patch, nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// UpdatePayments merges change into the current payments record and writes the result.
func (v *Venue) UpdatePayments(ctx context.Context, change PaymentsChange) error {
	return v.adminUpdate(ctx, "Payment details updated", func(current state.SharedState) (state.Document, error) {
		patch := state.Document{}
		if err := patch.Put(state.KeyPayments, change.apply(current.Payments)); err != nil {
			return nil, err
		}
		return patch, nil
	})
}

// SetBackgroundPath points the map at a new image. An empty path restores the default image.
func (v *Venue) SetBackgroundPath(ctx context.Context, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = state.DefaultState().Background.PublicPath
	}
	return v.adminUpdate(ctx, "Map background updated", func(state.SharedState) (state.Document, error) {
		patch := state.Document{}
		if err := patch.Put(state.KeyBackground, state.Background{PublicPath: path}); err != nil {
			return nil, err
		}
		return patch, nil
	})
}

// ToggleEdit flips layout edit mode and returns the new value.
func (v *Venue) ToggleEdit(ctx context.Context) (bool, error) {
	var enabled bool
	err := v.adminUpdate(ctx, "", func(current state.SharedState) (state.Document, error) {
		layout := current.Layout
		layout.Edit = !layout.Edit
		enabled = layout.Edit
		patch := state.Document{}
		if err := patch.Put(state.KeyLayout, layout); err != nil {
			return nil, err
		}
		return patch, nil
	})
	if err != nil {
		return false, err
	}
	if !enabled {
		v.mu.Lock()
		v.drag = nil
		v.mu.Unlock()
	}
	return enabled, nil
}

// ChangePIN stores a bcrypt hash of pin as the admin credential.
func (v *Venue) ChangePIN(ctx context.Context, pin string) error {
	if err := v.requireAdmin(); err != nil {
		return err
	}
	hashed, err := auth.HashPIN(pin)
	if err != nil {
		return err
	}
	return v.adminUpdate(ctx, "Admin PIN changed", func(state.SharedState) (state.Document, error) {
		patch := state.Document{}
		if err := patch.Put(state.KeySecurity, state.Security{AdminPinHash: hashed}); err != nil {
			return nil, err
		}
		return patch, nil
	})
}

// RefreshMap writes a timestamp so every session sees a new revision and refetches.
func (v *Venue) RefreshMap(ctx context.Context) error {
	return v.adminUpdate(ctx, "", func(state.SharedState) (state.Document, error) {
		return state.Document{
			state.KeyTouch: []byte(strconv.FormatInt(v.clock().UnixMilli(), 10)),
		}, nil
	})
}

// SetCategories replaces the extras catalog.
func (v *Venue) SetCategories(ctx context.Context, categories []state.Category) error {
	if categories == nil {
		categories = []state.Category{}
	}
	return v.adminUpdate(ctx, "Catalog updated", func(state.SharedState) (state.Document, error) {
		patch := state.Document{}
		if err := patch.Put(state.KeyCategories, categories); err != nil {
			return nil, err
		}
		return patch, nil
	})
}

func (v *Venue) editTent(ctx context.Context, tentID int, logMessage string, edit func(tent *state.Tent)) error {
	return v.adminUpdate(ctx, logMessage, func(current state.SharedState) (state.Document, error) {
		index := state.FindTent(current.Tents, tentID)
		if index < 0 {
			return nil, fmt.Errorf("%w: %d", ErrUnknownTent, tentID)
		}
		tents := state.CloneTents(current.Tents)
		edit(&tents[index])
		patch := state.Document{}
		if err := patch.Put(state.KeyTents, tents); err != nil {
			return nil, err
		}
		return patch, nil
	})
}

func (v *Venue) adminUpdate(ctx context.Context, logMessage string, fn func(current state.SharedState) (state.Document, error)) error {
	if err := v.requireAdmin(); err != nil {
		return err
	}
	_, err := v.engine.Update(ctx, logMessage, fn)
	if errors.Is(err, syncer.ErrWriteRejected) {
		// The gateway no longer honours this session's token.
		v.logger.Warn("admin write rejected by gateway, dropping admin rights", zap.Error(err))
		v.Logout()
		return fmt.Errorf("%w: %w", ErrAdminRequired, err)
	}
	return err
}
