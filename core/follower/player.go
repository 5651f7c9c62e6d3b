package follower

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrNoMedia is returned by players asked to play before anything is loaded.
var ErrNoMedia = errors.New("no media loaded")

// Media 一首曲目的可播放数据
type Media struct {
	TrackID     int64
	ContentType string
	Data        []byte
	// Duration in seconds, 0 when unknown.
	Duration float64
	// FromCache is set when the bytes came from the local store.
	FromCache bool
}

// Player is the local audio output the engine drives.
type Player interface {
	Load(media Media) error
	Play() error
	Pause()
	Stop()
	Seek(position float64) error
	Position() float64
	Playing() bool
	// Ended reports whether playback reached the end of a track of known length.
	Ended() bool
}

// Unlocker is implemented by players whose output stays muted until a user
// gesture unlocks it.
type Unlocker interface {
	Unlock() error
}

// VirtualPlayer is a simulated output whose position advances with clock.
// Used by the headless follower and in tests.
type VirtualPlayer struct {
	mu    sync.Mutex
	clock clockwork.Clock

	loaded   bool
	trackID  int64
	duration float64

	playing   bool
	base      float64
	startedAt time.Time

	unlocked bool
	seeks    int
	loads    int
}

// NewVirtualPlayer creates a player driven by clock.
func NewVirtualPlayer(clock clockwork.Clock) *VirtualPlayer {
	return &VirtualPlayer{clock: clock}
}

func (p *VirtualPlayer) Load(media Media) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaded = true
	p.trackID = media.TrackID
	p.duration = media.Duration
	p.playing = false
	p.base = 0
	p.loads++
	return nil
}

func (p *VirtualPlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaded {
		return ErrNoMedia
	}
	if !p.playing {
		p.playing = true
		p.startedAt = p.clock.Now()
	}
	return nil
}

func (p *VirtualPlayer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.base = p.positionLocked()
	p.playing = false
}

func (p *VirtualPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaded = false
	p.trackID = 0
	p.duration = 0
	p.playing = false
	p.base = 0
}

// Seek clamps position into the track.
func (p *VirtualPlayer) Seek(position float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaded {
		return ErrNoMedia
	}
	p.base = p.clamp(position)
	p.startedAt = p.clock.Now()
	p.seeks++
	return nil
}

func (p *VirtualPlayer) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

func (p *VirtualPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing && !p.endedLocked()
}

func (p *VirtualPlayer) Ended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endedLocked()
}

// Unlock marks output as unlocked.
func (p *VirtualPlayer) Unlock() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unlocked = true
	return nil
}

// Track returns the loaded track id, or false when nothing is loaded.
func (p *VirtualPlayer) Track() (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trackID, p.loaded
}

// Seeks counts Seek calls.
func (p *VirtualPlayer) Seeks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seeks
}

// Loads counts Load calls.
func (p *VirtualPlayer) Loads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loads
}

func (p *VirtualPlayer) positionLocked() float64 {
	if !p.playing {
		return p.base
	}
	return p.clamp(p.base + p.clock.Since(p.startedAt).Seconds())
}

func (p *VirtualPlayer) endedLocked() bool {
	return p.loaded && p.duration > 0 && p.positionLocked() >= p.duration
}

func (p *VirtualPlayer) clamp(position float64) float64 {
	if position < 0 {
		return 0
	}
	if p.duration > 0 && position > p.duration {
		return p.duration
	}
	return position
}
