package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"SyncFM/logger"
	"SyncFM/model"

	"github.com/jonboulle/clockwork"
)

// DefaultSessionID is used by clients that do not name a session.
const DefaultSessionID = "default"

// ErrReadOnly is returned to listeners that connected without a control token.
var ErrReadOnly = errors.New("connection is read-only")

// SnapshotStore 持久化会话快照（例如 Redis），用于进程重启后恢复
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, sessionID string, state model.SessionState) error
	LoadSnapshot(ctx context.Context, sessionID string) (*model.SessionState, error)
}

// Manager 管理所有会话的仲裁器，并把状态变化交给 Hub 广播
type Manager struct {
	hub       *Hub
	catalog   Catalog
	snapshots SnapshotStore
	clock     clockwork.Clock
	observers []Observer

	mu       sync.Mutex
	arbiters map[string]*Arbiter
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock replaces the real clock.
func WithClock(c clockwork.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithSnapshotStore enables snapshot persistence and restore.
func WithSnapshotStore(s SnapshotStore) ManagerOption {
	return func(m *Manager) { m.snapshots = s }
}

// WithObserver adds an observer that sees every transition after the hub.
func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) { m.observers = append(m.observers, o) }
}

// NewManager 创建会话管理器
func NewManager(hub *Hub, catalog Catalog, opts ...ManagerOption) *Manager {
	m := &Manager{
		hub:      hub,
		catalog:  catalog,
		clock:    clockwork.NewRealClock(),
		arbiters: make(map[string]*Arbiter),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Session returns the arbiter of sessionID, creating it on first use.
func (m *Manager) Session(sessionID string) *Arbiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.arbiters[sessionID]; ok {
		return a
	}

	observers := []Observer{ObserverFunc(m.broadcastState)}
	if m.snapshots != nil {
		observers = append(observers, ObserverFunc(m.saveSnapshot))
	}
	observers = append(observers, m.observers...)

	a := NewArbiter(sessionID, m.clock, m.catalog, observers...)
	m.restore(a)
	m.arbiters[sessionID] = a
	return a
}

// Sessions 返回已创建的会话 ID
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.arbiters))
	for id := range m.arbiters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Join registers client with the hub. Its first message is the session's
// current state, position extrapolated to now.
func (m *Manager) Join(client *Client) {
	m.Session(client.SessionID).Attach(func(snapshot model.SessionState) {
		data, err := m.encodeState(client.SessionID, snapshot)
		if err != nil {
			logger.Error("failed to encode catch-up state", logger.ErrorField(err))
			data = nil
		}
		m.hub.Register(client, data)
	})
}

// Submit applies action to sessionID.
func (m *Manager) Submit(ctx context.Context, sessionID string, action model.Action) (model.SessionState, error) {
	return m.Session(sessionID).Apply(ctx, action)
}

// HandleMessage 处理客户端消息
func (m *Manager) HandleMessage(ctx context.Context, client *Client, msg *model.WSMessage) {
	switch msg.Type {
	case model.MsgTypePlayerAction:
		var action model.Action
		if err := json.Unmarshal(msg.Data, &action); err != nil {
			m.reject(client, action, fmt.Errorf("%w: %v", ErrMalformedAction, err))
			return
		}
		if client.ReadOnly {
			m.reject(client, action, ErrReadOnly)
			return
		}
		if _, err := m.Submit(ctx, client.SessionID, action); err != nil {
			m.reject(client, action, err)
		}

	default:
		logger.Debug("unsupported message type",
			logger.String("type", string(msg.Type)),
			logger.String("conn", client.ConnID))
		data, _ := json.Marshal(fmt.Sprintf("unsupported message type %q", msg.Type))
		client.SendMessage(&model.WSMessage{Type: model.MsgTypeError, Data: data})
	}
}

// TrackRemoved deselects trackID in every session that currently has it
// selected. Each affected session broadcasts the deselect like any other
// transition.
func (m *Manager) TrackRemoved(ctx context.Context, trackID int64) error {
	var errs []error
	for _, id := range m.Sessions() {
		if _, _, err := m.Session(id).ClearTrack(ctx, trackID); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Hub returns the hub clients of every session register with.
func (m *Manager) Hub() *Hub {
	return m.hub
}

// ListenerCount 获取会话当前连接数
func (m *Manager) ListenerCount(sessionID string) int {
	return m.hub.ClientCount(sessionID)
}

func (m *Manager) reject(client *Client, action model.Action, err error) {
	level := logger.Warn
	if errors.Is(err, ErrMalformedAction) {
		level = logger.Info
	}
	level("action rejected",
		logger.ErrorField(err),
		logger.String("session", client.SessionID),
		logger.String("conn", client.ConnID),
		logger.String("action", string(action.Kind)))

	data, mErr := json.Marshal(model.ActionRejectedData{Action: action, Reason: err.Error()})
	if mErr != nil {
		return
	}
	client.SendMessage(&model.WSMessage{Type: model.MsgTypeActionRejected, Data: data})
}

// broadcastState 作为第一个观察者运行，保证广播顺序与应用顺序一致
func (m *Manager) broadcastState(sessionID string, state model.SessionState) {
	data, err := m.encodeState(sessionID, state)
	if err != nil {
		logger.Error("failed to encode state update", logger.ErrorField(err))
		return
	}
	m.hub.Broadcast(sessionID, data)
}

func (m *Manager) encodeState(sessionID string, state model.SessionState) ([]byte, error) {
	msg, err := model.NewWSMessage(model.MsgTypeStateUpdate, sessionID, model.NewStateUpdate(state, state.UpdatedAt))
	if err != nil {
		return nil, err
	}
	msg.Timestamp = m.clock.Now().UnixMilli()
	return json.Marshal(msg)
}

func (m *Manager) saveSnapshot(sessionID string, state model.SessionState) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := m.snapshots.SaveSnapshot(ctx, sessionID, state); err != nil {
		logger.Warn("failed to save session snapshot",
			logger.ErrorField(err),
			logger.String("session", sessionID))
	}
}

// restore 从快照存储恢复会话。快照里的 UpdatedAt 是墙上时间，播放中的位置按经过的时间推算
func (m *Manager) restore(a *Arbiter) {
	if m.snapshots == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	st, err := m.snapshots.LoadSnapshot(ctx, a.ID())
	if err != nil {
		logger.Warn("failed to load session snapshot",
			logger.ErrorField(err),
			logger.String("session", a.ID()))
		return
	}
	if st == nil {
		return
	}
	restored := *st
	restored.Position = st.PositionAt(m.clock.Now())
	a.restore(restored)

	logger.Info("session restored from snapshot",
		logger.String("session", a.ID()),
		logger.String("track", restored.CurrentTrackID.String()),
		logger.Float64("position", restored.Position),
		logger.Bool("playing", restored.IsPlaying))
}
