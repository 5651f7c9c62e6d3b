package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"SyncFM/logger"
	"SyncFM/model"

	"github.com/jonboulle/clockwork"
)

// ErrMalformedAction is returned for actions that can never be applied.
// They are reported to the submitter only and leave the state untouched.
var ErrMalformedAction = errors.New("malformed action")

// Catalog 曲目目录，仲裁器用它校验动作引用的曲目是否存在
type Catalog interface {
	Exists(ctx context.Context, trackID int64) (bool, error)
}

// Observer receives every applied state, in apply order, while the writer
// lock is held. Implementations must not call back into the arbiter.
type Observer interface {
	StateApplied(sessionID string, state model.SessionState)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(sessionID string, state model.SessionState)

func (f ObserverFunc) StateApplied(sessionID string, state model.SessionState) {
	f(sessionID, state)
}

// Arbiter 会话状态的唯一写入者，所有动作按到达顺序串行应用
type Arbiter struct {
	id        string
	clock     clockwork.Clock
	catalog   Catalog
	observers []Observer

	mu    sync.Mutex
	state model.SessionState
}

// NewArbiter creates the arbiter of session id. catalog may be nil, in which
// case track references are not checked.
func NewArbiter(id string, clock clockwork.Clock, catalog Catalog, observers ...Observer) *Arbiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Arbiter{
		id:        id,
		clock:     clock,
		catalog:   catalog,
		observers: observers,
		state:     model.SessionState{CurrentTrackID: model.NullTrack(), UpdatedAt: clock.Now()},
	}
}

// ID returns the session id.
func (a *Arbiter) ID() string {
	return a.id
}

// restore seeds the state before the arbiter is shared. It does not notify
// observers.
func (a *Arbiter) restore(st model.SessionState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st.UpdatedAt = a.clock.Now()
	a.state = st
}

// Apply validates action against the current state and, if it is well formed,
// makes the result the new state. Concurrent callers are applied one at a time
// in the order they acquire the lock; the last writer wins.
func (a *Arbiter) Apply(ctx context.Context, action model.Action) (model.SessionState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	next, err := a.transition(ctx, action)
	if err != nil {
		return a.state, err
	}
	a.commitLocked(next)

	logger.Debug("action applied",
		logger.String("session", a.id),
		logger.String("action", string(action.Kind)),
		logger.String("track", next.CurrentTrackID.String()),
		logger.Float64("position", next.Position),
		logger.Bool("playing", next.IsPlaying),
		logger.Uint64("version", next.Version))
	return next, nil
}

// ClearTrack deselects trackID if it is the current track, as a PAUSE with a
// null track at the current position. It reports whether a transition was applied.
func (a *Arbiter) ClearTrack(ctx context.Context, trackID int64) (model.SessionState, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.state.CurrentTrackID.Valid || a.state.CurrentTrackID.ID != trackID {
		return a.state, false, nil
	}
	position := a.snapshotLocked().Position
	next, err := a.transition(ctx, model.NewAction(model.ActionPause, model.NullTrack(), position))
	if err != nil {
		return a.state, false, err
	}
	a.commitLocked(next)

	logger.Info("current track removed, session deselected",
		logger.String("session", a.id),
		logger.Int64("track", trackID))
	return next, true, nil
}

// Snapshot returns the current state with the position extrapolated to now.
func (a *Arbiter) Snapshot() model.SessionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// Attach runs fn with the current snapshot while holding the writer lock, so
// no transition can be published between the snapshot and whatever fn does
// with it.
func (a *Arbiter) Attach(fn func(snapshot model.SessionState)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(a.snapshotLocked())
}

func (a *Arbiter) snapshotLocked() model.SessionState {
	now := a.clock.Now()
	s := a.state
	s.Position = s.PositionAt(now)
	s.UpdatedAt = now
	return s
}

func (a *Arbiter) commitLocked(next model.SessionState) {
	a.state = next
	for _, o := range a.observers {
		o.StateApplied(a.id, next)
	}
}

// transition computes the state that action leads to without mutating
// anything.
func (a *Arbiter) transition(ctx context.Context, action model.Action) (model.SessionState, error) {
	if !action.Kind.Valid() {
		return model.SessionState{}, malformed("unknown action %q", action.Kind)
	}
	if action.Position != nil {
		p := *action.Position
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return model.SessionState{}, malformed("position is not finite")
		}
		if p < 0 {
			return model.SessionState{}, malformed("position %.3f is negative", p)
		}
	}

	now := a.clock.Now()
	next := a.state

	switch action.Kind {
	case model.ActionChangeTrack:
		if !action.TrackID.Valid {
			return model.SessionState{}, malformed("CHANGE_TRACK requires a track")
		}
		if err := a.checkTrack(ctx, action.TrackID.ID); err != nil {
			return model.SessionState{}, err
		}
		next.CurrentTrackID = action.TrackID
		next.Position = 0

	case model.ActionPlay:
		if action.TrackID.Valid {
			if err := a.checkTrack(ctx, action.TrackID.ID); err != nil {
				return model.SessionState{}, err
			}
			next.CurrentTrackID = action.TrackID
		}
		if !next.HasTrack() {
			return model.SessionState{}, malformed("PLAY with no track selected")
		}
		next.Position = positionOr(action, 0)
		next.IsPlaying = true

	case model.ActionPause:
		next.Position = positionOr(action, a.state.PositionAt(now))
		next.IsPlaying = false
		if action.TrackID.IsNull() {
			next.CurrentTrackID = model.NullTrack()
		}

	case model.ActionSeek:
		if !next.HasTrack() {
			return model.SessionState{}, malformed("SEEK with no track selected")
		}
		next.Position = positionOr(action, 0)
	}

	next.UpdatedAt = now
	next.Version = a.state.Version + 1
	return next, nil
}

func (a *Arbiter) checkTrack(ctx context.Context, id int64) error {
	if a.catalog == nil {
		return nil
	}
	ok, err := a.catalog.Exists(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to look up track %d: %w", id, err)
	}
	if !ok {
		return malformed("unknown track %d", id)
	}
	return nil
}

func positionOr(action model.Action, fallback float64) float64 {
	if action.Position == nil {
		return fallback
	}
	return *action.Position
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedAction, fmt.Sprintf(format, args...))
}
