package follower

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"SyncFM/model"

	"github.com/jonboulle/clockwork"
)

type fakeResolver struct {
	mu     sync.Mutex
	media  map[int64]Media
	gate   chan struct{}
	called []int64
}

func (r *fakeResolver) Resolve(ctx context.Context, trackID int64) (Media, error) {
	r.mu.Lock()
	r.called = append(r.called, trackID)
	gate := r.gate
	m, ok := r.media[trackID]
	r.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if !ok {
		return Media{}, fmt.Errorf("track %d: %w", trackID, ErrTrackUnavailable)
	}
	return m, nil
}

func (r *fakeResolver) calls() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.called...)
}

type fakeSubmitter struct {
	mu      sync.Mutex
	actions []model.Action
	err     error
}

func (s *fakeSubmitter) Submit(ctx context.Context, action model.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.actions = append(s.actions, action)
	return nil
}

func (s *fakeSubmitter) submitted() []model.Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Action(nil), s.actions...)
}

type staticQueue map[int64]int64

func (q staticQueue) Next(ctx context.Context, current int64) (int64, bool) {
	next, ok := q[current]
	return next, ok
}

type harness struct {
	engine *Engine
	player *VirtualPlayer
	clock  *clockwork.FakeClock
	res    *fakeResolver
	sub    *fakeSubmitter
}

func newHarness(t *testing.T, opts ...EngineOption) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	h := &harness{
		player: NewVirtualPlayer(clock),
		clock:  clock,
		res: &fakeResolver{media: map[int64]Media{
			7: {TrackID: 7},
			9: {TrackID: 9},
		}},
		sub: &fakeSubmitter{},
	}
	opts = append([]EngineOption{WithEngineClock(clock)}, opts...)
	h.engine = NewEngine(h.player, h.res, h.sub, opts...)
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// apply delivers state and waits until the engine is IDLE again.
func (h *harness) apply(t *testing.T, state model.SessionState) {
	t.Helper()
	h.engine.HandleState(state)
	waitFor(t, "load to finish", func() bool { return h.engine.Phase() != PhaseLoadingTrack })
	h.clock.Advance(DefaultSettleDelay)
	waitFor(t, "engine to settle", func() bool { return h.engine.Phase() == PhaseIdle })
}

func st(track int64, pos float64, playing bool) model.SessionState {
	return model.SessionState{CurrentTrackID: model.SomeTrack(track), Position: pos, IsPlaying: playing}
}

func nullState() model.SessionState {
	return model.SessionState{CurrentTrackID: model.NullTrack()}
}

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestEngine_DriftBoundary(t *testing.T) {
	h := newHarness(t)
	h.apply(t, st(7, 10.4, false))
	if got := h.player.Position(); !near(got, 10.4) {
		t.Fatalf("after load Position() = %v, want 10.4", got)
	}
	seeks := h.player.Seeks()

	// local 10.4, broadcast 12.0: drift 1.6, no seek
	h.apply(t, st(7, 12.0, false))
	if h.player.Seeks() != seeks {
		t.Errorf("drift 1.6s caused a seek")
	}
	if got := h.player.Position(); !near(got, 10.4) {
		t.Errorf("Position() = %v, want 10.4", got)
	}

	// local 10.0, broadcast 13.5: drift 3.5, seek to 13.5
	if err := h.player.Seek(10.0); err != nil {
		t.Fatal(err)
	}
	seeks = h.player.Seeks()
	h.apply(t, st(7, 13.5, false))
	if h.player.Seeks() != seeks+1 {
		t.Errorf("drift 3.5s: seeks = %d, want %d", h.player.Seeks(), seeks+1)
	}
	if got := h.player.Position(); !near(got, 13.5) {
		t.Errorf("Position() = %v, want 13.5", got)
	}

	if n := len(h.sub.submitted()); n != 0 {
		t.Errorf("reconciliation submitted %d actions", n)
	}
}

func TestEngine_Idempotent(t *testing.T) {
	h := newHarness(t)
	state := st(7, 12.0, false)
	h.apply(t, state)
	seeks, loads := h.player.Seeks(), h.player.Loads()

	for i := 0; i < 3; i++ {
		h.apply(t, state)
	}
	if h.player.Seeks() != seeks || h.player.Loads() != loads {
		t.Errorf("re-applying identical state: seeks %d->%d loads %d->%d",
			seeks, h.player.Seeks(), loads, h.player.Loads())
	}
	if got := h.player.Position(); !near(got, 12.0) {
		t.Errorf("Position() = %v, want 12.0", got)
	}
	if n := len(h.sub.submitted()); n != 0 {
		t.Errorf("submitted %d actions, want 0", n)
	}
}

func TestEngine_FeedbackSuppression(t *testing.T) {
	h := newHarness(t)
	h.apply(t, st(7, 0, false))
	ctx := context.Background()

	h.engine.HandleState(st(7, 0, true))
	if h.engine.Phase() != PhaseReconciling {
		t.Fatalf("Phase() = %v, want RECONCILING", h.engine.Phase())
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			gestures := []Gesture{PlayGesture(), PauseGesture(), SeekGesture(4)}
			if ok, err := h.engine.Gesture(ctx, gestures[i%len(gestures)]); ok || err != nil {
				t.Errorf("Gesture() during reconcile = %v, %v; want false, nil", ok, err)
			}
		}(i)
	}
	wg.Wait()
	if n := len(h.sub.submitted()); n != 0 {
		t.Fatalf("submitted %d actions while reconciling, want 0", n)
	}

	h.clock.Advance(DefaultSettleDelay)
	waitFor(t, "settle", func() bool { return h.engine.Phase() == PhaseIdle })

	ok, err := h.engine.Gesture(ctx, PauseGesture())
	if !ok || err != nil {
		t.Fatalf("Gesture() after settle = %v, %v", ok, err)
	}
	if n := len(h.sub.submitted()); n != 1 {
		t.Errorf("submitted %d actions after settle, want 1", n)
	}
}

func TestEngine_NewerBroadcastRearmsSettle(t *testing.T) {
	h := newHarness(t, WithSettleDelay(100*time.Millisecond))
	h.apply(t, st(7, 0, false))

	h.engine.HandleState(st(7, 0, false))
	h.clock.Advance(60 * time.Millisecond)
	h.engine.HandleState(st(7, 0, false))
	h.clock.Advance(60 * time.Millisecond)

	// first timer was superseded; 60ms into the second one
	time.Sleep(20 * time.Millisecond)
	if h.engine.Phase() != PhaseReconciling {
		t.Fatalf("Phase() = %v, want RECONCILING", h.engine.Phase())
	}
	h.clock.Advance(40 * time.Millisecond)
	waitFor(t, "settle", func() bool { return h.engine.Phase() == PhaseIdle })
}

func TestEngine_StatesQueueBehindLoad(t *testing.T) {
	h := newHarness(t)
	h.res.gate = make(chan struct{})

	h.engine.HandleState(st(7, 0, true))
	if h.engine.Phase() != PhaseLoadingTrack {
		t.Fatalf("Phase() = %v, want LOADING_TRACK", h.engine.Phase())
	}
	h.engine.HandleState(st(9, 0, true))
	h.engine.HandleState(st(9, 3, false))

	if ok, _ := h.engine.Gesture(context.Background(), PlayGesture()); ok {
		t.Error("gesture accepted while loading")
	}

	close(h.res.gate)
	waitFor(t, "second load", func() bool {
		id, ok := h.player.Track()
		return ok && id == 9 && h.engine.Phase() == PhaseReconciling
	})

	if got := h.res.calls(); len(got) != 2 || got[0] != 7 || got[1] != 9 {
		t.Errorf("resolved %v, want [7 9]", got)
	}
	status := h.engine.Status()
	if !status.Mirror.CurrentTrackID.Valid || status.Mirror.CurrentTrackID.ID != 9 || status.Mirror.IsPlaying {
		t.Errorf("mirror = %+v, want track 9 paused", status.Mirror)
	}
	if h.player.Playing() {
		t.Error("player playing, want paused")
	}
	if got := h.player.Position(); !near(got, 3) {
		t.Errorf("Position() = %v, want 3", got)
	}
}

func TestEngine_UnresolvableTrack(t *testing.T) {
	h := newHarness(t)
	h.apply(t, st(7, 0, true))

	h.apply(t, st(99, 0, true))
	if _, ok := h.player.Track(); ok {
		t.Error("player still has media after unresolvable track")
	}
	if h.player.Playing() {
		t.Error("player still playing")
	}
	if loaded := h.engine.Status().Loaded; loaded.Valid {
		t.Errorf("Loaded = %v, want none", loaded)
	}

	calls := len(h.res.calls())
	h.apply(t, st(99, 1, true))
	if len(h.res.calls()) != calls {
		t.Error("unresolvable track was retried")
	}

	// a reconnect clears the failure
	h.engine.Connected()
	h.apply(t, st(99, 1, true))
	if len(h.res.calls()) != calls+1 {
		t.Error("track not resolved again after reconnect")
	}
}

func TestEngine_Deselect(t *testing.T) {
	h := newHarness(t)
	h.apply(t, st(7, 4, true))
	if !h.player.Playing() {
		t.Fatal("player not playing")
	}

	h.apply(t, nullState())
	if _, ok := h.player.Track(); ok || h.player.Playing() {
		t.Error("output not stopped after deselect")
	}
	if status := h.engine.Status(); status.Loaded.Valid || status.Mirror.HasTrack() {
		t.Errorf("status = %+v, want nothing playing", status)
	}
}

// Client B is idle with no track. A's PLAY(7, 0) arrives as a broadcast; B
// loads 7 and plays from 0. Five seconds later a late broadcast of the same
// state causes no correction.
func TestEngine_JoinPlayScenario(t *testing.T) {
	h := newHarness(t)

	h.apply(t, st(7, 0, true))
	if id, ok := h.player.Track(); !ok || id != 7 {
		t.Fatalf("Track() = %d, %v; want 7", id, ok)
	}
	if !h.player.Playing() || !near(h.player.Position(), 0) {
		t.Fatalf("player playing=%v position=%v, want playing at 0", h.player.Playing(), h.player.Position())
	}
	if !h.player.unlocked {
		t.Error("output not unlocked after start")
	}
	seeks := h.player.Seeks()

	h.clock.Advance(5 * time.Second)
	if got := h.player.Position(); !near(got, 5.0) {
		t.Fatalf("Position() after 5s = %v, want 5.0", got)
	}

	h.apply(t, st(7, 5.0, true))
	if h.player.Seeks() != seeks {
		t.Error("late confirming broadcast caused a seek")
	}
	if !h.player.Playing() {
		t.Error("player stopped")
	}
	if n := len(h.sub.submitted()); n != 0 {
		t.Errorf("submitted %d actions, want 0", n)
	}
}

func TestEngine_GestureActions(t *testing.T) {
	h := newHarness(t, WithQueue(staticQueue{7: 9}))
	ctx := context.Background()

	if _, err := h.engine.Gesture(ctx, PlayGesture()); !errors.Is(err, ErrNothingSelected) {
		t.Errorf("Play with nothing selected error = %v", err)
	}

	h.apply(t, st(7, 2, false))

	if ok, err := h.engine.Gesture(ctx, PlayGesture()); !ok || err != nil {
		t.Fatalf("Play gesture = %v, %v", ok, err)
	}
	if !h.player.Playing() {
		t.Error("Play gesture did not start local output before the broadcast")
	}
	if ok, _ := h.engine.Gesture(ctx, SeekGesture(-3)); !ok {
		t.Fatal("Seek gesture dropped")
	}
	if ok, _ := h.engine.Gesture(ctx, SelectGesture(9)); !ok {
		t.Fatal("Select gesture dropped")
	}
	if ok, _ := h.engine.Gesture(ctx, TrackEndedGesture()); !ok {
		t.Fatal("TrackEnded gesture dropped")
	}

	got := h.sub.submitted()
	if len(got) != 4 {
		t.Fatalf("submitted %d actions, want 4", len(got))
	}
	checks := []struct {
		kind  model.ActionKind
		track model.TrackRef
		pos   float64
	}{
		{model.ActionPlay, model.SomeTrack(7), 2},
		{model.ActionSeek, model.TrackRef{}, 0},
		{model.ActionChangeTrack, model.SomeTrack(9), -1},
		{model.ActionPlay, model.SomeTrack(9), 0},
	}
	for i, c := range checks {
		a := got[i]
		if a.Kind != c.kind || a.TrackID != c.track {
			t.Errorf("action %d = %s %v, want %s %v", i, a.Kind, a.TrackID, c.kind, c.track)
		}
		if c.pos >= 0 && (a.Position == nil || !near(*a.Position, c.pos)) {
			t.Errorf("action %d position = %v, want %v", i, a.Position, c.pos)
		}
		if c.pos < 0 && a.Position != nil {
			t.Errorf("action %d position = %v, want absent", i, *a.Position)
		}
	}
}

func TestEngine_TrackEndedWithoutNext(t *testing.T) {
	h := newHarness(t)
	h.apply(t, st(7, 30, true))

	if ok, err := h.engine.Gesture(context.Background(), TrackEndedGesture()); !ok || err != nil {
		t.Fatalf("TrackEnded = %v, %v", ok, err)
	}
	got := h.sub.submitted()
	if len(got) != 1 || got[0].Kind != model.ActionPause || got[0].TrackID != model.SomeTrack(7) {
		t.Errorf("submitted %+v, want PAUSE(7)", got)
	}
}

func TestEngine_TrackEndReportedOnce(t *testing.T) {
	h := newHarness(t)
	h.res.media[7] = Media{TrackID: 7, Duration: 10}
	h.apply(t, st(7, 9, true))

	if h.engine.takeEnded() {
		t.Fatal("takeEnded() before the end")
	}
	h.clock.Advance(2 * time.Second)
	if !h.engine.takeEnded() {
		t.Fatal("takeEnded() = false at the end")
	}
	if h.engine.takeEnded() {
		t.Error("track end reported twice")
	}
}

func TestEngine_SubmitFailure(t *testing.T) {
	h := newHarness(t)
	h.apply(t, st(7, 0, false))
	h.sub.err = ErrNotConnected

	ok, err := h.engine.Gesture(context.Background(), PauseGesture())
	if ok || !errors.Is(err, ErrNotConnected) {
		t.Errorf("Gesture() = %v, %v; want false, ErrNotConnected", ok, err)
	}
}

func TestEngine_TrackEndDuringReconcileIgnored(t *testing.T) {
	h := newHarness(t)
	h.res.media[7] = Media{TrackID: 7, Duration: 10}
	h.apply(t, st(7, 9, true))

	// 校正把位置推过结尾
	h.engine.HandleState(st(7, 12, true))
	if h.engine.Phase() != PhaseReconciling {
		t.Fatalf("Phase() = %v, want RECONCILING", h.engine.Phase())
	}
	if !h.player.Ended() {
		t.Fatal("player not at the end after correction")
	}
	if h.engine.takeEnded() {
		t.Fatal("track end reported while reconciling")
	}

	h.clock.Advance(DefaultSettleDelay)
	waitFor(t, "settle", func() bool { return h.engine.Phase() == PhaseIdle })
	if !h.engine.takeEnded() {
		t.Error("takeEnded() = false after settle")
	}
}
