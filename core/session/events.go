package session

import (
	"encoding/json"
	"fmt"
	"time"

	"SyncFM/logger"
	"SyncFM/model"

	"github.com/nats-io/nats.go"
)

// StateEvent is published for every applied transition.
type StateEvent struct {
	SessionID string                `json:"sessionId"`
	State     model.StateUpdateData `json:"state"`
	AppliedAt time.Time             `json:"appliedAt"`
}

// EventPublisher 把状态变化发布到 NATS，主题为 <prefix>.<sessionID>
type EventPublisher struct {
	nc     *nats.Conn
	prefix string
}

// ConnectEventPublisher dials url. Publishing never blocks the arbiter: the
// NATS client buffers while reconnecting.
func ConnectEventPublisher(url, prefix string) (*EventPublisher, error) {
	opts := []nats.Option{
		nats.Name("syncfm-session"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", logger.ErrorField(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", logger.String("url", nc.ConnectedUrl()))
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &EventPublisher{nc: nc, prefix: prefix}, nil
}

// Subject returns the subject events of sessionID are published on.
func (p *EventPublisher) Subject(sessionID string) string {
	return p.prefix + "." + sessionID
}

// StateApplied implements Observer.
func (p *EventPublisher) StateApplied(sessionID string, state model.SessionState) {
	data, err := json.Marshal(StateEvent{
		SessionID: sessionID,
		State:     model.NewStateUpdate(state, state.UpdatedAt),
		AppliedAt: state.UpdatedAt,
	})
	if err != nil {
		logger.Error("failed to marshal state event", logger.ErrorField(err))
		return
	}
	if err := p.nc.Publish(p.Subject(sessionID), data); err != nil {
		logger.Warn("failed to publish state event",
			logger.ErrorField(err),
			logger.String("session", sessionID))
	}
}

// Close drains pending messages and closes the connection.
func (p *EventPublisher) Close() error {
	return p.nc.Drain()
}
