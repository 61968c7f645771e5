package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/barops_backend/config"
	"bitbucket.org/mmdatafocus/barops_backend/utils"
)

// Bar is the tenant reference row. Bars are managed by the main platform; this
// service only reads them (tenant validation, timezone day bucketing).
type Bar struct {
	ID       string `gorm:"primary_key;size:64" json:"id"`
	Name     string `gorm:"size:255;not null" json:"name"`
	Timezone string `gorm:"size:64" json:"timezone"`
	Active   bool   `gorm:"default:true" json:"active"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (b *Bar) StoreRedis() error {
	return config.SetRedisObject("Bar:"+b.ID, b, 10*time.Minute)
}

func GetBarById(ctx context.Context, id string) (*Bar, error) {
	var result Bar

	exists, err := config.GetRedisObject("Bar:"+id, &result)
	if err != nil {
		return nil, err
	}

	if !exists {
		db := config.GetDB()
		err := db.WithContext(ctx).Where("id = ?", id).First(&result).Error
		if err != nil {
			return nil, utils.ErrorRecordNotFound
		}
		if err := result.StoreRedis(); err != nil {
			return nil, err
		}
	}
	return &result, nil
}
