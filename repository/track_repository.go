package repository

import (
	"context"
	"errors"

	"SyncFM/model"

	"gorm.io/gorm"
)

// TrackRepository 播放列表数据访问接口
type TrackRepository interface {
	Create(ctx context.Context, track *model.Track) error
	GetByID(ctx context.Context, id int64) (*model.Track, error)
	List(ctx context.Context) ([]*model.Track, error)
	ExistsByID(ctx context.Context, id int64) (bool, error)
	ExistsByPath(ctx context.Context, path string) (bool, error)
	UpdateTitle(ctx context.Context, id int64, title string) error
	SetHasArt(ctx context.Context, id int64, hasArt bool) error
	Delete(ctx context.Context, id int64) error
	Reorder(ctx context.Context, ids []int64) error
	NextOrdering(ctx context.Context) (int, error)
}

// gormTrackRepository GORM 实现
type gormTrackRepository struct {
	db *gorm.DB
}

// NewGormTrackRepository 创建 GORM 曲目仓库
func NewGormTrackRepository(db *gorm.DB) TrackRepository {
	return &gormTrackRepository{db: db}
}

// Create 创建曲目
func (r *gormTrackRepository) Create(ctx context.Context, track *model.Track) error {
	return r.db.WithContext(ctx).Create(track).Error
}

// GetByID 根据ID获取曲目，不存在时返回 nil, nil
func (r *gormTrackRepository) GetByID(ctx context.Context, id int64) (*model.Track, error) {
	var track model.Track
	err := r.db.WithContext(ctx).First(&track, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &track, nil
}

// List 按播放顺序返回全部曲目
func (r *gormTrackRepository) List(ctx context.Context) ([]*model.Track, error) {
	var tracks []*model.Track
	err := r.db.WithContext(ctx).
		Order("ordering ASC").
		Order("id ASC").
		Find(&tracks).Error
	return tracks, err
}

// ExistsByID 检查曲目是否存在
func (r *gormTrackRepository) ExistsByID(ctx context.Context, id int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Track{}).Where("id = ?", id).Count(&count).Error
	return count > 0, err
}

// ExistsByPath 检查对象 key 是否已被占用
func (r *gormTrackRepository) ExistsByPath(ctx context.Context, path string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Track{}).Where("path = ?", path).Count(&count).Error
	return count > 0, err
}

// UpdateTitle 重命名曲目
func (r *gormTrackRepository) UpdateTitle(ctx context.Context, id int64, title string) error {
	return r.db.WithContext(ctx).Model(&model.Track{}).
		Where("id = ?", id).
		Update("title", title).Error
}

// SetHasArt 更新封面标记
func (r *gormTrackRepository) SetHasArt(ctx context.Context, id int64, hasArt bool) error {
	return r.db.WithContext(ctx).Model(&model.Track{}).
		Where("id = ?", id).
		Update("has_art", hasArt).Error
}

// Delete 删除曲目
func (r *gormTrackRepository) Delete(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Delete(&model.Track{}, id).Error
}

// Reorder 在一个事务内把 ids 的顺序写入 ordering，未知 ID 忽略
func (r *gormTrackRepository) Reorder(ctx context.Context, ids []int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for index, id := range ids {
			if err := tx.Model(&model.Track{}).
				Where("id = ?", id).
				Update("ordering", index).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// NextOrdering 返回新曲目的排序值（当前最大值 + 1）
func (r *gormTrackRepository) NextOrdering(ctx context.Context) (int, error) {
	var max *int
	err := r.db.WithContext(ctx).Model(&model.Track{}).
		Select("MAX(ordering)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	if max == nil {
		return 1, nil
	}
	return *max + 1, nil
}
