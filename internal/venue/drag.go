package venue

import (
	"context"
	"fmt"

	"github.com/coralclub/tents/internal/state"
)

type dragState struct {
	tentID int
	x      float64
	y      float64
}

// BeginDrag starts moving tentID. The layout must be in edit mode.
func (v *Venue) BeginDrag(tentID int) error {
	current, err := v.engine.State()
	if err != nil {
		return err
	}
	if !current.Layout.Edit {
		return ErrEditModeDisabled
	}
	index := state.FindTent(current.Tents, tentID)
	if index < 0 {
		return fmt.Errorf("%w: %d", ErrUnknownTent, tentID)
	}
	v.mu.Lock()
	v.drag = &dragState{tentID: tentID, x: current.Tents[index].X, y: current.Tents[index].Y}
	v.mu.Unlock()
	return nil
}

// DragTo moves the dragged tent in memory. Coordinates are clamped to [0,1].
func (v *Venue) DragTo(x, y float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.drag == nil {
		return ErrNoDrag
	}
	v.drag.x = state.ClampUnit(x)
	v.drag.y = state.ClampUnit(y)
	return nil
}

// DragPosition returns the in-flight position of the dragged tent.
func (v *Venue) DragPosition() (tentID int, x, y float64, ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.drag == nil {
		return 0, 0, 0, false
	}
	return v.drag.tentID, v.drag.x, v.drag.y, true
}

// EndDrag writes the final position with a single tents patch.
func (v *Venue) EndDrag(ctx context.Context) error {
	v.mu.Lock()
	drag := v.drag
	v.drag = nil
	v.mu.Unlock()
	if drag == nil {
		return ErrNoDrag
	}

	_, err := v.engine.Update(ctx, "", func(current state.SharedState) (state.Document, error) {
		index := state.FindTent(current.Tents, drag.tentID)
		if index < 0 {
			return nil, fmt.Errorf("%w: %d", ErrUnknownTent, drag.tentID)
		}
		tents := state.CloneTents(current.Tents)
		if tents[index].X == drag.x && tents[index].Y == drag.y {
			return nil, nil
		}
		tents[index].X = drag.x
		tents[index].Y = drag.y
		patch := state.Document{}
		if err := patch.Put(state.KeyTents, tents); err != nil {
			return nil, err
		}
		return patch, nil
	})
	return err
}
