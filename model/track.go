package model

import (
	"fmt"
	"time"
)

const (
	// UploadPrefix 音频对象的 key 前缀
	UploadPrefix = "uploads/"
	artKeyFormat = "art/%d.jpg"
)

// ArtKey returns the object key of the cover art for track id.
func ArtKey(id int64) string {
	return fmt.Sprintf(artKeyFormat, id)
}

// Track is one entry of the shared playlist. Audio bytes live in object
// storage under Path; art, when present, under ArtKey.
type Track struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"type:varchar(255);not null" json:"name"`              // stored file name
	Path      string    `gorm:"type:varchar(512);not null;uniqueIndex" json:"path"` // object key
	Title     string    `gorm:"type:varchar(255)" json:"title"`
	Artist    string    `gorm:"type:varchar(255)" json:"artist,omitempty"`
	Album     string    `gorm:"type:varchar(255)" json:"album,omitempty"`
	Duration  *float64  `json:"duration"`
	HasArt    bool      `gorm:"not null;default:false" json:"hasArt"`
	Ordering  int       `gorm:"not null;default:0;index" json:"ordering"`
	CreatedAt time.Time `json:"createdAt"`
}

// TableName 指定表名
func (Track) TableName() string {
	return "tracks"
}

// ArtKey returns the object key of the track's cover art.
func (t *Track) ArtKey() string {
	return ArtKey(t.ID)
}
