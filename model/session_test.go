package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestAction_UnmarshalTrackID(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantSet   bool
		wantValid bool
		wantID    int64
	}{
		{"absent", `{"action":"PAUSE","positionSeconds":3}`, false, false, 0},
		{"explicit null", `{"action":"PAUSE","trackId":null,"positionSeconds":3}`, true, false, 0},
		{"number", `{"action":"PLAY","trackId":7,"positionSeconds":0}`, true, true, 7},
		{"quoted", `{"action":"PLAY","trackId":"12"}`, true, true, 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var a Action
			if err := json.Unmarshal([]byte(tt.body), &a); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if a.TrackID.Set != tt.wantSet || a.TrackID.Valid != tt.wantValid || a.TrackID.ID != tt.wantID {
				t.Errorf("TrackID = %+v, want set=%v valid=%v id=%d", a.TrackID, tt.wantSet, tt.wantValid, tt.wantID)
			}
		})
	}
}

func TestAction_UnmarshalRejectsGarbageTrackID(t *testing.T) {
	var a Action
	if err := json.Unmarshal([]byte(`{"action":"PLAY","trackId":"seven"}`), &a); err == nil {
		t.Error("Unmarshal() error = nil, want parse error")
	}
}

func TestStateUpdate_NullTrackOnWire(t *testing.T) {
	data, err := json.Marshal(NewStateUpdate(SessionState{CurrentTrackID: NullTrack()}, time.Unix(0, 0)))
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if v, ok := raw["currentTrackId"]; !ok || v != nil {
		t.Errorf("currentTrackId = %v (present=%v), want null", v, ok)
	}
}

func TestSessionState_PositionAt(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	playing := SessionState{CurrentTrackID: SomeTrack(1), Position: 10, IsPlaying: true, UpdatedAt: base}
	if got := playing.PositionAt(base.Add(2500 * time.Millisecond)); got != 12.5 {
		t.Errorf("PositionAt() = %v, want 12.5", got)
	}

	paused := playing
	paused.IsPlaying = false
	if got := paused.PositionAt(base.Add(time.Minute)); got != 10 {
		t.Errorf("paused PositionAt() = %v, want 10", got)
	}
}
