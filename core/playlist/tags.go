package playlist

import (
	"bytes"
	"errors"
	"strings"

	"SyncFM/logger"

	"github.com/dhowden/tag"
	"github.com/gabriel-vasile/mimetype"
)

// trackTags 音频内嵌标签，缺失的字段为空
type trackTags struct {
	Title  string
	Artist string
	Album  string

	Art            []byte
	ArtContentType string
}

// readTags reads ID3/MP4/FLAC/Ogg tags from data. Files without tags give
// a zero value.
func readTags(data []byte) trackTags {
	m, err := tag.ReadFrom(bytes.NewReader(data))
	if err != nil {
		if !errors.Is(err, tag.ErrNoTagsFound) {
			logger.Debug("tag read failed", logger.ErrorField(err))
		}
		return trackTags{}
	}

	tags := trackTags{
		Title:  strings.TrimSpace(m.Title()),
		Artist: strings.TrimSpace(m.Artist()),
		Album:  strings.TrimSpace(m.Album()),
	}

	// 声明的 MIME 不可信，按内容识别
	if pic := m.Picture(); pic != nil && len(pic.Data) > 0 {
		contentType := mimetype.Detect(pic.Data).String()
		if allowedImages[contentType] {
			tags.Art = pic.Data
			tags.ArtContentType = contentType
		} else {
			logger.Debug("embedded art ignored", logger.String("contentType", contentType))
		}
	}
	return tags
}
