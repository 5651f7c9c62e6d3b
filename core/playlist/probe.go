package playlist

import (
	"bytes"
	"io"

	"SyncFM/logger"

	"github.com/faiface/beep"
	"github.com/faiface/beep/flac"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/vorbis"
	"github.com/faiface/beep/wav"
)

// probeDuration decodes the header of data to find its length in seconds.
// Returns nil for formats beep cannot decode (m4a) or broken files.
func probeDuration(contentType string, data []byte) *float64 {
	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
		err      error
	)

	rc := io.NopCloser(bytes.NewReader(data))
	switch contentType {
	case "audio/mpeg":
		streamer, format, err = mp3.Decode(rc)
	case "audio/wav":
		streamer, format, err = wav.Decode(rc)
	case "audio/flac":
		streamer, format, err = flac.Decode(rc)
	case "audio/ogg":
		streamer, format, err = vorbis.Decode(rc)
	default:
		return nil
	}
	if err != nil {
		logger.Debug("duration probe failed", logger.String("contentType", contentType), logger.ErrorField(err))
		return nil
	}
	defer streamer.Close()

	seconds := format.SampleRate.D(streamer.Len()).Seconds()
	if seconds <= 0 {
		return nil
	}
	return &seconds
}
