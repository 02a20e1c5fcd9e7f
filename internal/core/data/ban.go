package data

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// Ban is a single entry of the server's ban list. Exactly one of Endpoint or
// AccountID is set.
type Ban struct {
	ID        uint64 `gorm:"primaryKey"`
	Name      string
	Endpoint  string `gorm:"index"`
	AccountID string `gorm:"index"`
	Reason    string
	// ExpiresAt is nil for permanent bans.
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// FindBans returns every ban, oldest first.
func FindBans(db *gorm.DB) ([]Ban, error) {
	var bans []Ban
	if err := db.Order("id").Find(&bans).Error; err != nil {
		return nil, err
	}
	return bans, nil
}

// FindBanByID returns the ban with the given ID or nil if there is no match.
func FindBanByID(db *gorm.DB, id uint64) (*Ban, error) {
	var ban Ban
	err := db.First(&ban, id).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &ban, nil
}

// CreateBan persists the Ban record to the database.
func CreateBan(db *gorm.DB, ban *Ban) error {
	return db.Create(ban).Error
}

// DeleteBan permanently removes a ban.
func DeleteBan(db *gorm.DB, id uint64) error {
	return db.Delete(&Ban{}, id).Error
}

// DeleteExpiredBans removes every ban that expired before now and returns
// the number removed.
func DeleteExpiredBans(db *gorm.DB, now time.Time) (int64, error) {
	result := db.Where("expires_at IS NOT NULL AND expires_at <= ?", now).Delete(&Ban{})
	return result.RowsAffected, result.Error
}
