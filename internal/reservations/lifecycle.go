// Package reservations implements the hold lifecycle of a tent: reserve, expire and confirm.
// The functions are pure; callers turn an Outcome into a document patch.
package reservations

import (
	"errors"
	"fmt"
	"time"

	"github.com/coralclub/tents/internal/state"
)

// DefaultHold is how long a pending reservation keeps its tent.
const DefaultHold = 15 * time.Minute

var (
	// ErrTentUnavailable indicates the tent does not exist or is not available.
	ErrTentUnavailable = errors.New("reservations: tent is not available")
	// ErrUnknownReservation indicates no reservation has the requested id.
	ErrUnknownReservation = errors.New("reservations: unknown reservation")
	// ErrNotPending indicates the reservation already left the pending state.
	ErrNotPending = errors.New("reservations: reservation is not pending")
)

// Outcome is the new tents and reservations after a lifecycle step.
type Outcome struct {
	Tents        []state.Tent
	Reservations []state.Reservation
	// Reservation is the record created or confirmed by the step, if any.
	Reservation state.Reservation
	// Expired lists the reservation ids moved to expired.
	Expired []string
	// Released lists the tent ids returned to available.
	Released []int
}

// Changed reports whether the step modified anything.
func (o Outcome) Changed() bool {
	return o.Reservation.ID != "" || len(o.Expired) > 0 || len(o.Released) > 0
}

// Patch encodes the outcome as a patch carrying tents and reservations.
func (o Outcome) Patch() (state.Document, error) {
	patch := state.Document{}
	if err := patch.Put(state.KeyTents, o.Tents); err != nil {
		return nil, err
	}
	if err := patch.Put(state.KeyReservations, o.Reservations); err != nil {
		return nil, err
	}
	return patch, nil
}

// Reserve places a hold on an available tent. Pending reservations that still point at the
// tent, left behind when an admin released it by hand, are expired first.
func Reserve(tents []state.Tent, reservations []state.Reservation, tentID int, now time.Time, hold time.Duration) (Outcome, error) {
	index := state.FindTent(tents, tentID)
	if index < 0 {
		return Outcome{}, fmt.Errorf("%w: tent %d does not exist", ErrTentUnavailable, tentID)
	}
	if tents[index].State != state.TentAvailable {
		return Outcome{}, fmt.Errorf("%w: tent %d is %s", ErrTentUnavailable, tentID, tents[index].State)
	}
	if hold <= 0 {
		hold = DefaultHold
	}

	now = now.UTC()
	nextTents := state.CloneTents(tents)
	nextReservations := state.CloneReservations(reservations)
	outcome := Outcome{}

	for i := range nextReservations {
		if nextReservations[i].TentID == tentID && nextReservations[i].Status == state.ReservationPending {
			nextReservations[i].Status = state.ReservationExpired
			outcome.Expired = append(outcome.Expired, nextReservations[i].ID)
		}
	}

	reservation := state.Reservation{
		ID:        state.ReservationID(tentID, now),
		TentID:    tentID,
		CreatedAt: now,
		ExpiresAt: now.Add(hold),
		Status:    state.ReservationPending,
	}
	nextReservations = append(nextReservations, reservation)
	nextTents[index].State = state.TentPending

	outcome.Tents = nextTents
	outcome.Reservations = nextReservations
	outcome.Reservation = reservation
	return outcome, nil
}

// Expire moves every pending reservation whose hold has run out (now >= expiresAt) to expired.
// A tent goes back to available only if it is still pending and no live pending reservation
// references it; tents an admin moved to another state are left alone.
func Expire(tents []state.Tent, reservations []state.Reservation, now time.Time) Outcome {
	nextReservations := state.CloneReservations(reservations)
	outcome := Outcome{}
	touched := make(map[int]struct{})

	for i := range nextReservations {
		reservation := &nextReservations[i]
		if reservation.Status != state.ReservationPending || now.Before(reservation.ExpiresAt) {
			continue
		}
		reservation.Status = state.ReservationExpired
		outcome.Expired = append(outcome.Expired, reservation.ID)
		touched[reservation.TentID] = struct{}{}
	}
	if len(outcome.Expired) == 0 {
		return Outcome{Tents: tents, Reservations: reservations}
	}

	live := make(map[int]struct{})
	for _, reservation := range nextReservations {
		if reservation.Status == state.ReservationPending {
			live[reservation.TentID] = struct{}{}
		}
	}

	nextTents := state.CloneTents(tents)
	for i := range nextTents {
		tent := &nextTents[i]
		if _, ok := touched[tent.ID]; !ok || tent.State != state.TentPending {
			continue
		}
		if _, ok := live[tent.ID]; ok {
			continue
		}
		tent.State = state.TentAvailable
		outcome.Released = append(outcome.Released, tent.ID)
	}

	outcome.Tents = nextTents
	outcome.Reservations = nextReservations
	return outcome
}

// Confirm marks a pending reservation as paid and its tent as occupied.
func Confirm(tents []state.Tent, reservations []state.Reservation, reservationID string) (Outcome, error) {
	nextReservations := state.CloneReservations(reservations)
	position := -1
	for i := range nextReservations {
		if nextReservations[i].ID == reservationID {
			position = i
			break
		}
	}
	if position < 0 {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownReservation, reservationID)
	}
	if nextReservations[position].Status != state.ReservationPending {
		return Outcome{}, fmt.Errorf("%w: %s is %s", ErrNotPending, reservationID, nextReservations[position].Status)
	}
	nextReservations[position].Status = state.ReservationConfirmed

	nextTents := state.CloneTents(tents)
	if index := state.FindTent(nextTents, nextReservations[position].TentID); index >= 0 {
		nextTents[index].State = state.TentOccupied
	}

	return Outcome{
		Tents:        nextTents,
		Reservations: nextReservations,
		Reservation:  nextReservations[position],
	}, nil
}

// ExpirePending expires every pending reservation regardless of its deadline. Grid recreation
// uses it because the tents the holds pointed at no longer exist. Confirmed reservations stay.
func ExpirePending(reservations []state.Reservation) ([]state.Reservation, []string) {
	next := state.CloneReservations(reservations)
	var expired []string
	for i := range next {
		if next[i].Status == state.ReservationPending {
			next[i].Status = state.ReservationExpired
			expired = append(expired, next[i].ID)
		}
	}
	return next, expired
}

// Pending returns the pending reservations for tentID.
func Pending(reservations []state.Reservation, tentID int) []state.Reservation {
	var pending []state.Reservation
	for _, reservation := range reservations {
		if reservation.TentID == tentID && reservation.Status == state.ReservationPending {
			pending = append(pending, reservation)
		}
	}
	return pending
}
