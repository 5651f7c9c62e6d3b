//go:build audio

package follower

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/flac"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/vorbis"
	"github.com/faiface/beep/wav"
)

const speakerRate = beep.SampleRate(48000)

var speakerOnce sync.Once

// SpeakerPlayer plays through the system audio device.
type SpeakerPlayer struct {
	mu       sync.Mutex
	streamer beep.StreamSeekCloser
	format   beep.Format
	ctrl     *beep.Ctrl
	// set from the speaker goroutine, which holds the speaker lock
	ended atomic.Bool
}

// NewSpeakerPlayer initialises the speaker on first use.
func NewSpeakerPlayer() (*SpeakerPlayer, error) {
	var err error
	speakerOnce.Do(func() {
		err = speaker.Init(speakerRate, speakerRate.N(100*time.Millisecond))
	})
	if err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	return &SpeakerPlayer{}, nil
}

func decode(m Media) (beep.StreamSeekCloser, beep.Format, error) {
	rc := io.NopCloser(bytes.NewReader(m.Data))
	switch m.ContentType {
	case "audio/mpeg", "audio/mp3":
		return mp3.Decode(rc)
	case "audio/wav", "audio/x-wav", "audio/wave":
		return wav.Decode(rc)
	case "audio/flac", "audio/x-flac":
		return flac.Decode(rc)
	case "audio/ogg":
		return vorbis.Decode(rc)
	}
	return nil, beep.Format{}, fmt.Errorf("cannot decode %s", m.ContentType)
}

func (p *SpeakerPlayer) Load(m Media) error {
	streamer, format, err := decode(m)
	if err != nil {
		return err
	}
	p.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.streamer = streamer
	p.format = format
	p.ended.Store(false)
	p.ctrl = &beep.Ctrl{
		Streamer: beep.Resample(4, format.SampleRate, speakerRate, streamer),
		Paused:   true,
	}
	speaker.Play(beep.Seq(p.ctrl, beep.Callback(func() {
		p.ended.Store(true)
	})))
	return nil
}

func (p *SpeakerPlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctrl == nil {
		return ErrNoMedia
	}
	speaker.Lock()
	p.ctrl.Paused = false
	speaker.Unlock()
	return nil
}

func (p *SpeakerPlayer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctrl == nil {
		return
	}
	speaker.Lock()
	p.ctrl.Paused = true
	speaker.Unlock()
}

func (p *SpeakerPlayer) Stop() {
	speaker.Clear()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.streamer != nil {
		p.streamer.Close()
	}
	p.streamer = nil
	p.ctrl = nil
	p.ended.Store(false)
}

func (p *SpeakerPlayer) Seek(position float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.streamer == nil {
		return ErrNoMedia
	}
	n := p.format.SampleRate.N(time.Duration(position * float64(time.Second)))
	if n >= p.streamer.Len() {
		n = p.streamer.Len() - 1
	}
	if n < 0 {
		n = 0
	}
	speaker.Lock()
	defer speaker.Unlock()
	return p.streamer.Seek(n)
}

func (p *SpeakerPlayer) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.streamer == nil {
		return 0
	}
	speaker.Lock()
	defer speaker.Unlock()
	return p.format.SampleRate.D(p.streamer.Position()).Seconds()
}

func (p *SpeakerPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctrl == nil || p.ended.Load() {
		return false
	}
	speaker.Lock()
	defer speaker.Unlock()
	return !p.ctrl.Paused
}

func (p *SpeakerPlayer) Ended() bool {
	return p.ended.Load()
}
