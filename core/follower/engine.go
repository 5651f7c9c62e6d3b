package follower

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"SyncFM/logger"
	"SyncFM/model"

	"github.com/jonboulle/clockwork"
)

const (
	// DefaultDriftTolerance 超过该偏差（秒）才强制跳转
	DefaultDriftTolerance = 2.0
	// DefaultSettleDelay absorbs the player events a correction provokes.
	DefaultSettleDelay = 50 * time.Millisecond

	loadTimeout = 30 * time.Second
)

// ErrNothingSelected is returned for gestures that need a track when none is selected.
var ErrNothingSelected = errors.New("no track selected")

// Phase is the engine's reconciliation phase.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoadingTrack
	PhaseReconciling
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseLoadingTrack:
		return "LOADING_TRACK"
	case PhaseReconciling:
		return "RECONCILING"
	default:
		return "UNKNOWN"
	}
}

// Resolver turns a track id into playable media.
type Resolver interface {
	Resolve(ctx context.Context, trackID int64) (Media, error)
}

// Submitter sends an action to the arbiter.
type Submitter interface {
	Submit(ctx context.Context, action model.Action) error
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(ctx context.Context, action model.Action) error

func (f SubmitterFunc) Submit(ctx context.Context, action model.Action) error {
	return f(ctx, action)
}

// Queue knows which track follows another.
type Queue interface {
	Next(ctx context.Context, current int64) (int64, bool)
}

// Status is a point-in-time view of the engine for display.
type Status struct {
	Phase    Phase
	Mirror   model.SessionState
	Loaded   model.TrackRef
	Position float64
	Playing  bool
}

// Engine follows the session's authoritative state and turns local gestures
// into actions. All entry points take mu, so broadcasts, gestures, timer
// callbacks and load completions never interleave.
type Engine struct {
	mu sync.Mutex

	player    Player
	resolver  Resolver
	submitter Submitter
	queue     Queue
	clock     clockwork.Clock
	tolerance float64
	settle    time.Duration
	onChange  func(Status)

	phase     Phase
	mirror    model.SessionState
	loaded    model.TrackRef
	failed    model.TrackRef
	pending   []model.SessionState
	settleGen uint64
	timer     clockwork.Timer
	endSent   bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineClock sets the clock used for settle timers and position extrapolation.
func WithEngineClock(c clockwork.Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithDriftTolerance sets the drift (seconds) above which the engine seeks.
func WithDriftTolerance(seconds float64) EngineOption {
	return func(e *Engine) { e.tolerance = seconds }
}

// WithSettleDelay sets how long the engine stays RECONCILING after a correction.
func WithSettleDelay(d time.Duration) EngineOption {
	return func(e *Engine) { e.settle = d }
}

// WithQueue enables next-track on TrackEnded.
func WithQueue(q Queue) EngineOption {
	return func(e *Engine) { e.queue = q }
}

// WithStatusHandler registers fn to be called after every change. fn runs
// with the engine locked and must not call back into it.
func WithStatusHandler(fn func(Status)) EngineOption {
	return func(e *Engine) { e.onChange = fn }
}

// NewEngine creates an engine in IDLE with nothing loaded.
func NewEngine(player Player, resolver Resolver, submitter Submitter, opts ...EngineOption) *Engine {
	e := &Engine{
		player:    player,
		resolver:  resolver,
		submitter: submitter,
		clock:     clockwork.NewRealClock(),
		tolerance: DefaultDriftTolerance,
		settle:    DefaultSettleDelay,
		mirror:    model.SessionState{CurrentTrackID: model.NullTrack()},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Phase returns the current phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Status returns a snapshot for display.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

// ========== 广播处理 ==========

// HandleState applies one authoritative state. While a track is loading the
// state is queued and applied, in order, once the load finishes.
func (e *Engine) HandleState(state model.SessionState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// 位置以本地接收时刻为基准外推
	state.UpdatedAt = e.clock.Now()

	if e.phase == PhaseLoadingTrack {
		e.pending = append(e.pending, state)
		logger.Debug("state queued behind track load",
			logger.Uint64("version", state.Version),
			logger.Int("queued", len(e.pending)))
		return
	}
	e.reconcileLocked(state)
	e.notifyLocked()
}

// HandleRejected logs an action the arbiter refused.
func (e *Engine) HandleRejected(rejected model.ActionRejectedData) {
	logger.Warn("action rejected by server",
		logger.String("action", string(rejected.Action.Kind)),
		logger.String("reason", rejected.Reason))
}

// Connected is called after every (re)connect. The catch-up state that
// follows is handled like a fresh join.
func (e *Engine) Connected() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed = model.TrackRef{}
}

// Disconnected is called when the connection drops.
func (e *Engine) Disconnected(err error) {
	logger.Warn("disconnected from session", logger.ErrorField(err))
}

func (e *Engine) reconcileLocked(state model.SessionState) {
	e.phase = PhaseReconciling
	e.mirror = state
	e.endSent = false
	e.invalidateSettleLocked()

	if !state.HasTrack() {
		if e.loaded.Valid {
			logger.Info("track deselected, stopping output", logger.String("track", e.loaded.String()))
		}
		e.player.Stop()
		e.loaded = model.TrackRef{}
		e.armSettleLocked()
		return
	}

	if !e.loaded.Valid || e.loaded.ID != state.CurrentTrackID.ID {
		if e.failed.Valid && e.failed.ID == state.CurrentTrackID.ID {
			// 已解析失败的曲目不重试
			e.player.Stop()
			e.loaded = model.TrackRef{}
			e.armSettleLocked()
			return
		}
		e.phase = PhaseLoadingTrack
		e.player.Stop()
		e.loaded = model.TrackRef{}
		go e.load(state)
		return
	}

	e.correctLocked(state)
	e.armSettleLocked()
}

// load runs outside the lock; the result is applied by finishLoad.
func (e *Engine) load(state model.SessionState) {
	trackID := state.CurrentTrackID.ID
	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()

	media, err := e.resolver.Resolve(ctx, trackID)
	if err == nil {
		err = e.player.Load(media)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.finishLoadLocked(state, err)
	e.notifyLocked()
}

func (e *Engine) finishLoadLocked(state model.SessionState, err error) {
	e.phase = PhaseReconciling
	if err != nil {
		logger.Warn("track unavailable, clearing now playing",
			logger.Int64("trackId", state.CurrentTrackID.ID),
			logger.ErrorField(err))
		e.player.Stop()
		e.loaded = model.TrackRef{}
		e.failed = state.CurrentTrackID
	} else {
		e.loaded = state.CurrentTrackID
		e.failed = model.TrackRef{}
		logger.Info("track loaded", logger.Int64("trackId", state.CurrentTrackID.ID))
		e.correctLocked(state)
	}
	e.armSettleLocked()

	for len(e.pending) > 0 && e.phase != PhaseLoadingTrack {
		next := e.pending[0]
		e.pending = e.pending[1:]
		e.reconcileLocked(next)
	}
}

// correctLocked brings position and play flag of the loaded track in line
// with state.
func (e *Engine) correctLocked(state model.SessionState) {
	target := state.PositionAt(e.clock.Now())
	local := e.player.Position()
	if drift := math.Abs(local - target); drift > e.tolerance {
		logger.Debug("drift correction",
			logger.Float64("local", local),
			logger.Float64("target", target),
			logger.Float64("drift", drift))
		if err := e.player.Seek(target); err != nil {
			logger.Warn("seek failed", logger.ErrorField(err))
		}
	}

	switch {
	case state.IsPlaying && !e.player.Playing():
		e.startLocked()
	case !state.IsPlaying && e.player.Playing():
		e.player.Pause()
	}
}

// startLocked starts output, then tries to unlock gesture-gated players.
// Failures are only logged.
func (e *Engine) startLocked() {
	if err := e.player.Play(); err != nil {
		logger.Warn("local playback failed to start", logger.ErrorField(err))
	}
	if u, ok := e.player.(Unlocker); ok {
		if err := u.Unlock(); err != nil {
			logger.Warn("audio output still locked", logger.ErrorField(err))
		}
	}
}

func (e *Engine) invalidateSettleLocked() {
	e.settleGen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) armSettleLocked() {
	e.invalidateSettleLocked()
	gen := e.settleGen
	e.timer = e.clock.AfterFunc(e.settle, func() { e.settled(gen) })
}

func (e *Engine) settled(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.settleGen || e.phase != PhaseReconciling {
		return
	}
	e.phase = PhaseIdle
	e.timer = nil
	e.notifyLocked()
}

// ========== 用户手势 ==========

// GestureKind 本地用户手势类型
type GestureKind int

const (
	GesturePlay GestureKind = iota
	GesturePause
	GestureSeek
	GestureSelect
	GestureTrackEnded
)

// Gesture is one local user input.
type Gesture struct {
	Kind     GestureKind
	Position float64
	TrackID  int64

	hasNext bool
}

func PlayGesture() Gesture { return Gesture{Kind: GesturePlay} }
func PauseGesture() Gesture { return Gesture{Kind: GesturePause} }
func SeekGesture(pos float64) Gesture { return Gesture{Kind: GestureSeek, Position: pos} }
func SelectGesture(id int64) Gesture { return Gesture{Kind: GestureSelect, TrackID: id} }
func TrackEndedGesture() Gesture { return Gesture{Kind: GestureTrackEnded} }

// Gesture turns g into exactly one action and submits it. Gestures that
// arrive while the engine is not IDLE are dropped and report false.
func (e *Engine) Gesture(ctx context.Context, g Gesture) (bool, error) {
	if g.Kind == GestureTrackEnded && e.queue != nil {
		// 队列查询可能走网络，不能持锁
		if current := e.Status().Mirror.CurrentTrackID; current.Valid {
			g.TrackID, g.hasNext = e.queue.Next(ctx, current.ID)
		}
	}

	e.mu.Lock()
	if e.phase != PhaseIdle {
		phase := e.phase
		e.mu.Unlock()
		logger.Debug("gesture suppressed", logger.String("phase", phase.String()))
		return false, nil
	}
	action, err := e.actionLocked(g)
	e.notifyLocked()
	e.mu.Unlock()
	if err != nil {
		return false, err
	}

	if err := e.submitter.Submit(ctx, action); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) actionLocked(g Gesture) (model.Action, error) {
	current := e.mirror.CurrentTrackID
	now := e.clock.Now()

	switch g.Kind {
	case GesturePlay:
		if !current.Valid {
			return model.Action{}, ErrNothingSelected
		}
		// 乐观播放：在手势调用栈内先启动本地输出
		if e.loaded.Valid && e.loaded.ID == current.ID {
			e.startLocked()
		}
		position := e.player.Position()
		e.mirror.IsPlaying = true
		e.mirror.Position = position
		e.mirror.UpdatedAt = now
		return model.NewAction(model.ActionPlay, current, position), nil

	case GesturePause:
		e.player.Pause()
		position := e.player.Position()
		e.mirror.IsPlaying = false
		e.mirror.Position = position
		e.mirror.UpdatedAt = now
		var track model.TrackRef
		if current.Valid {
			track = current
		}
		return model.NewAction(model.ActionPause, track, position), nil

	case GestureSeek:
		if !current.Valid {
			return model.Action{}, ErrNothingSelected
		}
		position := math.Max(0, g.Position)
		if e.loaded.Valid {
			if err := e.player.Seek(position); err != nil {
				logger.Warn("local seek failed", logger.ErrorField(err))
			}
		}
		e.mirror.Position = position
		e.mirror.UpdatedAt = now
		return model.NewAction(model.ActionSeek, model.TrackRef{}, position), nil

	case GestureSelect:
		return model.Action{Kind: model.ActionChangeTrack, TrackID: model.SomeTrack(g.TrackID)}, nil

	case GestureTrackEnded:
		if !current.Valid {
			return model.Action{}, ErrNothingSelected
		}
		if g.hasNext {
			return model.NewAction(model.ActionPlay, model.SomeTrack(g.TrackID), 0), nil
		}
		return model.NewAction(model.ActionPause, current, e.player.Position()), nil
	}
	return model.Action{}, errors.New("unknown gesture")
}

// Watch polls the player for track end and reports it as a TrackEnded
// gesture. Blocks until ctx is done.
func (e *Engine) Watch(ctx context.Context, interval time.Duration) {
	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if !e.takeEnded() {
				continue
			}
			if _, err := e.Gesture(ctx, TrackEndedGesture()); err != nil {
				logger.Warn("failed to report track end", logger.ErrorField(err))
			}
		}
	}
}

// takeEnded reports a track end once per broadcast.
func (e *Engine) takeEnded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.endSent || e.phase != PhaseIdle || !e.mirror.IsPlaying || !e.player.Ended() {
		return false
	}
	e.endSent = true
	return true
}

func (e *Engine) statusLocked() Status {
	return Status{
		Phase:    e.phase,
		Mirror:   e.mirror,
		Loaded:   e.loaded,
		Position: e.player.Position(),
		Playing:  e.player.Playing(),
	}
}

func (e *Engine) notifyLocked() {
	if e.onChange != nil {
		e.onChange(e.statusLocked())
	}
}
