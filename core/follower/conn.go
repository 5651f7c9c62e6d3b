package follower

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"SyncFM/logger"
	"SyncFM/model"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned by Submit while the connection is down.
// Actions are never buffered for later.
var ErrNotConnected = errors.New("not connected")

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	minBackoff     = 500 * time.Millisecond
	maxBackoff     = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// Handler receives what the server pushes.
type Handler interface {
	HandleState(state model.SessionState)
	HandleRejected(rejected model.ActionRejectedData)
	Connected()
	Disconnected(err error)
}

// Conn is the follower's websocket to one session. It reconnects with
// backoff until its context ends.
type Conn struct {
	url     string
	header  http.Header
	handler Handler
	dialer  *websocket.Dialer

	mu sync.Mutex
	ws *websocket.Conn
}

// NewConn builds a connection to sessionID on the server at serverURL
// (http or https). token is sent when non-empty.
func NewConn(serverURL, sessionID, token string, handler Handler) (*Conn, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/ws/" + sessionID

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return &Conn{
		url:     u.String(),
		header:  header,
		handler: handler,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}, nil
}

// Run keeps the connection up until ctx is done.
func (c *Conn) Run(ctx context.Context) {
	backoff := minBackoff
	for {
		ws, _, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("dial failed", logger.String("url", c.url), logger.ErrorField(err), logger.Duration("retryIn", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		backoff = minBackoff
		logger.Info("connected", logger.String("url", c.url))
		c.setConn(ws)
		c.handler.Connected()

		err = c.serve(ctx, ws)

		c.setConn(nil)
		ws.Close()
		if ctx.Err() != nil {
			return
		}
		c.handler.Disconnected(err)
	}
}

// Submit sends action to the arbiter.
func (c *Conn) Submit(ctx context.Context, action model.Action) error {
	msg, err := model.NewWSMessage(model.MsgTypePlayerAction, "", action)
	if err != nil {
		return err
	}
	msg.Timestamp = time.Now().UnixMilli()
	return c.write(msg)
}

// Connected reports whether the websocket is up.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

func (c *Conn) setConn(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
}

// write serializes writers; gorilla allows one concurrent writer.
func (c *Conn) write(msg *model.WSMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// serve reads until the connection fails, sending app-level pings so the
// server refreshes presence.
func (c *Conn) serve(ctx context.Context, ws *websocket.Conn) error {
	ws.SetReadLimit(maxMessageSize)

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				ws.Close()
				return
			case <-ticker.C:
				if err := c.write(&model.WSMessage{Type: model.MsgTypePing, Timestamp: time.Now().UnixMilli()}); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		// 服务端会把排队的多条消息合并为一帧，以换行分隔
		for _, line := range bytes.Split(frame, []byte{'\n'}) {
			line = bytes.TrimSpace(line)
			if len(line) > 0 {
				c.dispatch(line)
			}
		}
	}
}

func (c *Conn) dispatch(raw []byte) {
	var msg model.WSMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		logger.Warn("invalid message from server", logger.ErrorField(err))
		return
	}

	switch msg.Type {
	case model.MsgTypeStateUpdate:
		var data model.StateUpdateData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			logger.Warn("invalid state_update", logger.ErrorField(err))
			return
		}
		c.handler.HandleState(data.State())
	case model.MsgTypeActionRejected:
		var data model.ActionRejectedData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			logger.Warn("invalid action_rejected", logger.ErrorField(err))
			return
		}
		c.handler.HandleRejected(data)
	case model.MsgTypeError:
		logger.Warn("server error", logger.String("data", string(msg.Data)))
	case model.MsgTypePong:
	default:
		logger.Debug("ignoring message", logger.String("type", string(msg.Type)))
	}
}
