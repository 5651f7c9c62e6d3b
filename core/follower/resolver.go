package follower

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"SyncFM/logger"
	"SyncFM/model"

	"github.com/gabriel-vasile/mimetype"
)

// ErrTrackUnavailable is returned when a track cannot be resolved from the
// network or the local store.
var ErrTrackUnavailable = errors.New("track unavailable")

const maxMediaBytes = 64 << 20

// HTTPResolver fetches media and the playlist from the server and keeps a
// copy of both in the local store as an offline fallback.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
	store   *LocalStore

	mu        sync.Mutex
	durations map[int64]float64
}

// NewHTTPResolver creates a resolver for the server at baseURL. store may be nil.
func NewHTTPResolver(baseURL string, store *LocalStore) *HTTPResolver {
	return &HTTPResolver{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: 60 * time.Second},
		store:     store,
		durations: make(map[int64]float64),
	}
}

// Resolve downloads a track's audio, falling back to the local store when
// the server cannot be reached. A track the server no longer knows is
// unavailable even if a cached copy exists.
func (r *HTTPResolver) Resolve(ctx context.Context, trackID int64) (Media, error) {
	media, err := r.fetch(ctx, trackID)
	if err == nil {
		if r.store != nil {
			if err := r.store.PutMedia(ctx, media); err != nil {
				logger.Warn("failed to cache media", logger.Int64("trackId", trackID), logger.ErrorField(err))
			}
		}
		return r.withDuration(media), nil
	}
	if errors.Is(err, ErrTrackUnavailable) {
		if r.store != nil {
			r.store.DeleteMedia(ctx, trackID)
		}
		return Media{}, err
	}

	logger.Warn("media fetch failed, trying local store", logger.Int64("trackId", trackID), logger.ErrorField(err))
	if r.store == nil {
		return Media{}, fmt.Errorf("%w: %v", ErrTrackUnavailable, err)
	}
	cached, cErr := r.store.Media(ctx, trackID)
	if cErr != nil {
		return Media{}, fmt.Errorf("%w: %v (cache: %v)", ErrTrackUnavailable, err, cErr)
	}
	return r.withDuration(cached), nil
}

func (r *HTTPResolver) fetch(ctx context.Context, trackID int64) (Media, error) {
	url := fmt.Sprintf("%s/api/tracks/%d/stream", r.baseURL, trackID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Media{}, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return Media{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Media{}, fmt.Errorf("track %d: %w", trackID, ErrTrackUnavailable)
	case resp.StatusCode != http.StatusOK:
		return Media{}, fmt.Errorf("stream track %d: status %d", trackID, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
	if err != nil {
		return Media{}, fmt.Errorf("read track %d: %w", trackID, err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mimetype.Detect(data).String()
	}
	return Media{TrackID: trackID, ContentType: contentType, Data: data}, nil
}

func (r *HTTPResolver) withDuration(m Media) Media {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.durations[m.TrackID]; ok {
		m.Duration = d
	}
	return m
}

// Playlist returns the server's playlist, or the last stored copy when the
// server cannot be reached.
func (r *HTTPResolver) Playlist(ctx context.Context) ([]*model.Track, error) {
	tracks, raw, err := r.fetchPlaylist(ctx)
	if err != nil {
		if r.store == nil {
			return nil, err
		}
		logger.Warn("playlist fetch failed, using local copy", logger.ErrorField(err))
		raw, cErr := r.store.Get(ctx, playlistKey)
		if cErr != nil {
			return nil, fmt.Errorf("fetch playlist: %v (cache: %w)", err, cErr)
		}
		if err := json.Unmarshal(raw, &tracks); err != nil {
			return nil, fmt.Errorf("decode cached playlist: %w", err)
		}
	} else if r.store != nil {
		if err := r.store.Put(ctx, playlistKey, raw); err != nil {
			logger.Warn("failed to cache playlist", logger.ErrorField(err))
		}
	}

	r.mu.Lock()
	for _, t := range tracks {
		if t.Duration != nil {
			r.durations[t.ID] = *t.Duration
		}
	}
	r.mu.Unlock()
	return tracks, nil
}

func (r *HTTPResolver) fetchPlaylist(ctx context.Context) ([]*model.Track, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/api/playlist", nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("fetch playlist: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	var tracks []*model.Track
	if err := json.Unmarshal(raw, &tracks); err != nil {
		return nil, nil, fmt.Errorf("decode playlist: %w", err)
	}
	return tracks, raw, nil
}

// PlaylistQueue answers "what comes next" from the playlist order.
type PlaylistQueue struct {
	resolver *HTTPResolver
}

// NewPlaylistQueue creates a queue backed by resolver's playlist.
func NewPlaylistQueue(resolver *HTTPResolver) *PlaylistQueue {
	return &PlaylistQueue{resolver: resolver}
}

// Next returns the track after current, false at the end of the list or
// when current is not in it.
func (q *PlaylistQueue) Next(ctx context.Context, current int64) (int64, bool) {
	tracks, err := q.resolver.Playlist(ctx)
	if err != nil {
		logger.Warn("playlist unavailable for next track", logger.ErrorField(err))
		return 0, false
	}
	for i, t := range tracks {
		if t.ID == current && i+1 < len(tracks) {
			return tracks[i+1].ID, true
		}
	}
	return 0, false
}
