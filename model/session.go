package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ActionKind 客户端可提交的播放控制动作
type ActionKind string

const (
	ActionPlay        ActionKind = "PLAY"
	ActionPause       ActionKind = "PAUSE"
	ActionSeek        ActionKind = "SEEK"
	ActionChangeTrack ActionKind = "CHANGE_TRACK"
)

// Valid reports whether k is one of the four known kinds.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionPlay, ActionPause, ActionSeek, ActionChangeTrack:
		return true
	}
	return false
}

// TrackRef is a track identifier as it appears on the wire. It keeps apart an
// omitted field (Set == false) and an explicit JSON null (Set && !Valid).
type TrackRef struct {
	ID    int64
	Valid bool
	Set   bool
}

// SomeTrack returns a reference to track id.
func SomeTrack(id int64) TrackRef {
	return TrackRef{ID: id, Valid: true, Set: true}
}

// NullTrack returns an explicit null reference.
func NullTrack() TrackRef {
	return TrackRef{Set: true}
}

// IsNull reports whether the reference was sent as an explicit null.
func (r TrackRef) IsNull() bool {
	return r.Set && !r.Valid
}

func (r TrackRef) String() string {
	switch {
	case r.Valid:
		return strconv.FormatInt(r.ID, 10)
	case r.Set:
		return "null"
	default:
		return "-"
	}
}

func (r TrackRef) MarshalJSON() ([]byte, error) {
	if !r.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(r.ID, 10)), nil
}

func (r *TrackRef) UnmarshalJSON(data []byte) error {
	r.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		r.ID, r.Valid = 0, false
		return nil
	}
	// 兼容字符串形式的 ID
	s := string(bytes.Trim(data, `"`))
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid track id %s: %w", data, err)
	}
	r.ID, r.Valid = id, true
	return nil
}

// Action 客户端提交给仲裁器的动作，提交一次后丢弃
type Action struct {
	Kind     ActionKind `json:"action"`
	TrackID  TrackRef   `json:"trackId"`
	Position *float64   `json:"positionSeconds,omitempty"`
}

// NewAction builds an action with an explicit position.
func NewAction(kind ActionKind, track TrackRef, position float64) Action {
	return Action{Kind: kind, TrackID: track, Position: &position}
}

// SessionState 会话的权威播放状态
type SessionState struct {
	CurrentTrackID TrackRef  `json:"currentTrackId"`
	Position       float64   `json:"positionSeconds"`
	IsPlaying      bool      `json:"isPlaying"`
	Version        uint64    `json:"version"`
	UpdatedAt      time.Time `json:"-"`
}

// HasTrack reports whether a track is selected.
func (s SessionState) HasTrack() bool {
	return s.CurrentTrackID.Valid
}

// PositionAt extrapolates the playback position to now. A paused state
// reports its stored position.
func (s SessionState) PositionAt(now time.Time) float64 {
	if !s.IsPlaying || s.UpdatedAt.IsZero() {
		return s.Position
	}
	elapsed := now.Sub(s.UpdatedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return s.Position + elapsed
}

// SameMoment reports whether two states select the same track with the
// same play flag.
func (s SessionState) SameMoment(o SessionState) bool {
	return s.CurrentTrackID.Valid == o.CurrentTrackID.Valid &&
		s.CurrentTrackID.ID == o.CurrentTrackID.ID &&
		s.IsPlaying == o.IsPlaying
}

// StateUpdateData state_update 消息体
type StateUpdateData struct {
	CurrentTrackID TrackRef `json:"currentTrackId"`
	Position       float64  `json:"positionSeconds"`
	IsPlaying      bool     `json:"isPlaying"`
	Version        uint64   `json:"version"`
	ServerTime     int64    `json:"serverTime"`
}

// NewStateUpdate renders s for the wire with its position taken at now.
func NewStateUpdate(s SessionState, now time.Time) StateUpdateData {
	return StateUpdateData{
		CurrentTrackID: s.CurrentTrackID,
		Position:       s.PositionAt(now),
		IsPlaying:      s.IsPlaying,
		Version:        s.Version,
		ServerTime:     now.UnixMilli(),
	}
}

// State converts the wire form back to a SessionState. UpdatedAt is left zero
// because the server clock is not comparable with the receiver's.
func (d StateUpdateData) State() SessionState {
	track := d.CurrentTrackID
	if !track.Valid {
		track = NullTrack()
	}
	return SessionState{
		CurrentTrackID: track,
		Position:       d.Position,
		IsPlaying:      d.IsPlaying,
		Version:        d.Version,
	}
}

// ActionRejectedData action_rejected 消息体，只发送给提交者
type ActionRejectedData struct {
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

// MessageType 消息类型
type MessageType string

const (
	MsgTypeStateUpdate    MessageType = "state_update"
	MsgTypePlayerAction   MessageType = "player_action"
	MsgTypeActionRejected MessageType = "action_rejected"
	MsgTypeError          MessageType = "error"
	MsgTypePing           MessageType = "ping"
	MsgTypePong           MessageType = "pong"
)

// WSMessage WebSocket 消息结构
type WSMessage struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	ConnID    string          `json:"connId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewWSMessage marshals data into a message of type t.
func NewWSMessage(t MessageType, sessionID string, data interface{}) (*WSMessage, error) {
	msg := &WSMessage{Type: t, SessionID: sessionID}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s data: %w", t, err)
		}
		msg.Data = raw
	}
	return msg, nil
}
