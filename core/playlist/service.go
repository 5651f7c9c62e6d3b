package playlist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"SyncFM/logger"
	"SyncFM/model"
	"SyncFM/repository"

	"github.com/gabriel-vasile/mimetype"
)

var (
	// ErrTrackNotFound is returned when the playlist has no track with the given id.
	ErrTrackNotFound = errors.New("track not found")
	// ErrUnsupportedMedia is returned for uploads whose sniffed type is not allowed.
	ErrUnsupportedMedia = errors.New("unsupported media type")
	// ErrInvalidUpload covers empty bodies, oversized bodies and bad names.
	ErrInvalidUpload = errors.New("invalid upload")
)

// PresignExpiry 临时链接有效期
const PresignExpiry = time.Hour

// 允许上传的音频类型（含常见别名）
var allowedAudio = map[string]string{
	"audio/mpeg":     "audio/mpeg",
	"audio/mp3":      "audio/mpeg",
	"audio/wav":      "audio/wav",
	"audio/x-wav":    "audio/wav",
	"audio/wave":     "audio/wav",
	"audio/vnd.wave": "audio/wav",
	"audio/ogg":      "audio/ogg",
	"audio/flac":     "audio/flac",
	"audio/x-flac":   "audio/flac",
	"audio/x-m4a":    "audio/x-m4a",
	"audio/mp4":      "audio/x-m4a",
}

var allowedImages = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// MediaStore is the object storage the playlist keeps bytes in.
type MediaStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Exists(ctx context.Context, key string) (bool, error)
	Remove(ctx context.Context, key string) error
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (*url.URL, error)
}

// TrackRemover is told about every deleted track so that sessions can
// deselect it.
type TrackRemover interface {
	TrackRemoved(ctx context.Context, trackID int64) error
}

// Service 播放列表业务逻辑
type Service struct {
	repo      repository.TrackRepository
	media     MediaStore
	remover   TrackRemover
	maxUpload int64
}

// NewService creates a playlist service. remover may be nil.
func NewService(repo repository.TrackRepository, media MediaStore, remover TrackRemover, maxUpload int64) *Service {
	return &Service{repo: repo, media: media, remover: remover, maxUpload: maxUpload}
}

// SetRemover wires the session manager after construction.
func (s *Service) SetRemover(remover TrackRemover) {
	s.remover = remover
}

// Exists reports whether id is a known track. Used as the arbiter's catalog.
func (s *Service) Exists(ctx context.Context, id int64) (bool, error) {
	return s.repo.ExistsByID(ctx, id)
}

// List 按顺序返回播放列表
func (s *Service) List(ctx context.Context) ([]*model.Track, error) {
	tracks, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracks: %w", err)
	}
	if tracks == nil {
		tracks = []*model.Track{}
	}
	return tracks, nil
}

// Get returns the track or ErrTrackNotFound.
func (s *Service) Get(ctx context.Context, id int64) (*model.Track, error) {
	track, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get track %d: %w", id, err)
	}
	if track == nil {
		return nil, ErrTrackNotFound
	}
	return track, nil
}

// Add stores an uploaded audio file and appends it to the playlist.
func (s *Service) Add(ctx context.Context, filename string, data []byte) (*model.Track, error) {
	name := sanitizeFilename(filename)
	if name == "" {
		return nil, fmt.Errorf("%w: bad filename %q", ErrInvalidUpload, filename)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: no data received", ErrInvalidUpload)
	}
	if s.maxUpload > 0 && int64(len(data)) > s.maxUpload {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrInvalidUpload, len(data), s.maxUpload)
	}

	contentType, ok := sniffAudio(data)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMedia, contentType)
	}

	name, key, err := s.uniqueKey(ctx, name)
	if err != nil {
		return nil, err
	}

	if err := s.media.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", key, err)
	}

	ordering, err := s.repo.NextOrdering(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compute ordering: %w", err)
	}

	tags := readTags(data)
	track := &model.Track{
		Name:     name,
		Path:     key,
		Title:    tags.Title,
		Artist:   tags.Artist,
		Album:    tags.Album,
		Duration: probeDuration(contentType, data),
		Ordering: ordering,
	}
	if track.Title == "" {
		track.Title = titleFromName(name)
	}
	if err := s.repo.Create(ctx, track); err != nil {
		return nil, fmt.Errorf("failed to save track: %w", err)
	}

	// 内嵌封面失败不影响上传
	if tags.Art != nil {
		if err := s.storeArt(ctx, track.ID, tags.Art, tags.ArtContentType); err != nil {
			logger.Warn("failed to store embedded art", logger.Int64("trackId", track.ID), logger.ErrorField(err))
		} else {
			track.HasArt = true
		}
	}

	logger.Info("track added",
		logger.Int64("trackId", track.ID),
		logger.String("path", key),
		logger.String("contentType", contentType))
	return track, nil
}

// uniqueKey finds a free object key: name, then name_1, name_2 ...
func (s *Service) uniqueKey(ctx context.Context, name string) (string, string, error) {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)

	candidate := name
	for counter := 1; ; counter++ {
		key := model.UploadPrefix + candidate
		taken, err := s.media.Exists(ctx, key)
		if err != nil {
			return "", "", fmt.Errorf("failed to check %s: %w", key, err)
		}
		if !taken {
			if taken, err = s.repo.ExistsByPath(ctx, key); err != nil {
				return "", "", fmt.Errorf("failed to check %s: %w", key, err)
			}
		}
		if !taken {
			return candidate, key, nil
		}
		candidate = fmt.Sprintf("%s_%d%s", base, counter, ext)
	}
}

// Rename 修改曲目标题
func (s *Service) Rename(ctx context.Context, id int64, title string) (*model.Track, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidUpload)
	}
	track, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateTitle(ctx, id, title); err != nil {
		return nil, fmt.Errorf("failed to rename track %d: %w", id, err)
	}
	track.Title = title
	return track, nil
}

// Delete removes the track's objects and row, then tells the sessions.
// Storage failures are logged and do not stop the delete.
func (s *Service) Delete(ctx context.Context, id int64) error {
	track, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := s.media.Remove(ctx, track.Path); err != nil {
		logger.Warn("failed to remove track object", logger.String("path", track.Path), logger.ErrorField(err))
	}
	if track.HasArt {
		if err := s.media.Remove(ctx, track.ArtKey()); err != nil {
			logger.Warn("failed to remove art object", logger.Int64("trackId", id), logger.ErrorField(err))
		}
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete track %d: %w", id, err)
	}
	logger.Info("track deleted", logger.Int64("trackId", id))

	if s.remover != nil {
		if err := s.remover.TrackRemoved(ctx, id); err != nil {
			return fmt.Errorf("track %d deleted but sessions not updated: %w", id, err)
		}
	}
	return nil
}

// Reorder 按给定顺序重排，未知 ID 忽略
func (s *Service) Reorder(ctx context.Context, ids []int64) error {
	if err := s.repo.Reorder(ctx, ids); err != nil {
		return fmt.Errorf("failed to reorder playlist: %w", err)
	}
	return nil
}

// UploadArt stores cover art for a track.
func (s *Service) UploadArt(ctx context.Context, id int64, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: no data received", ErrInvalidUpload)
	}
	contentType := mimetype.Detect(data).String()
	if !allowedImages[contentType] {
		return fmt.Errorf("%w: %s", ErrUnsupportedMedia, contentType)
	}

	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return s.storeArt(ctx, id, data, contentType)
}

func (s *Service) storeArt(ctx context.Context, id int64, data []byte, contentType string) error {
	if err := s.media.Put(ctx, model.ArtKey(id), bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return fmt.Errorf("failed to upload art for track %d: %w", id, err)
	}
	if err := s.repo.SetHasArt(ctx, id, true); err != nil {
		return fmt.Errorf("failed to mark art for track %d: %w", id, err)
	}
	return nil
}

// StreamURL returns a presigned link to the track's audio.
func (s *Service) StreamURL(ctx context.Context, id int64) (*url.URL, error) {
	track, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.media.PresignedURL(ctx, track.Path, PresignExpiry)
}

// ArtURL returns a presigned link to the track's cover art.
func (s *Service) ArtURL(ctx context.Context, id int64) (*url.URL, error) {
	track, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !track.HasArt {
		return nil, ErrTrackNotFound
	}
	return s.media.PresignedURL(ctx, track.ArtKey(), PresignExpiry)
}

// sniffAudio returns the canonical content type and whether it is allowed.
func sniffAudio(data []byte) (string, bool) {
	mtype := mimetype.Detect(data)
	for m := mtype; m != nil; m = m.Parent() {
		if canonical, ok := allowedAudio[m.String()]; ok {
			return canonical, true
		}
		// Is 同时匹配别名
		for name, canonical := range allowedAudio {
			if m.Is(name) {
				return canonical, true
			}
		}
	}
	return mtype.String(), false
}

const (
	maxFilenameLen = 200
	maxExtLen      = 16
)

var unsafeFilename = regexp.MustCompile(`[^a-zA-Z0-9_.\-]`)

// sanitizeFilename keeps the base name with spaces as underscores and
// anything outside [a-zA-Z0-9_.-] dropped.
func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Join(strings.Fields(name), "_")
	name = unsafeFilename.ReplaceAllString(name, "")
	name = strings.Trim(name, "._")
	if len(name) > maxFilenameLen {
		ext := path.Ext(name)
		if len(ext) > maxExtLen {
			ext = ""
		}
		name = strings.TrimRight(name[:maxFilenameLen-len(ext)], ".") + ext
	}
	return name
}

// titleFromName: "my_song.mp3" -> "My song"
func titleFromName(name string) string {
	base := strings.TrimSuffix(name, path.Ext(name))
	base = strings.ToLower(strings.ReplaceAll(base, "_", " "))
	r, size := utf8.DecodeRuneInString(base)
	if r == utf8.RuneError {
		return base
	}
	return string(unicode.ToUpper(r)) + base[size:]
}
