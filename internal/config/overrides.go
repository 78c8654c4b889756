package config

import (
	"strconv"
	"sync"

	"gorm.io/gorm"
)

// AppSetting is a single key/value row: a narrow escape hatch for knobs an
// operator wants to flip without a redeploy, not a place to stash arbitrary
// per-handler option maps.
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

const KeyMaxCostLimitDefault = "max_cost_limit_default"

// Overrides is a small DB-backed overlay on top of the env-sourced Config.
type Overrides struct {
	db *gorm.DB
	mu sync.RWMutex
}

func NewOverrides(db *gorm.DB) (*Overrides, error) {
	if err := db.AutoMigrate(&AppSetting{}); err != nil {
		return nil, err
	}
	return &Overrides{db: db}, nil
}

func (o *Overrides) get(key string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var row AppSetting
	if err := o.db.First(&row, "key = ?", key).Error; err != nil {
		return "", false
	}
	return row.Value, true
}

func (o *Overrides) set(key, value string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.db.Save(&AppSetting{Key: key, Value: value}).Error
}

// MaxCostLimitDefault returns the override if set, else fallback.
func (o *Overrides) MaxCostLimitDefault(fallback float64) float64 {
	v, ok := o.get(KeyMaxCostLimitDefault)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func (o *Overrides) SetMaxCostLimitDefault(v float64) error {
	return o.set(KeyMaxCostLimitDefault, strconv.FormatFloat(v, 'f', -1, 64))
}
