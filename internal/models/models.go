package models

import "time"

// Collection groups an ordered set of clips played as one loop.
type Collection struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	Name      string `gorm:"uniqueIndex"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clip is a short audio asset inside a collection.
//
// Identity is stable across mutations. Loudness is a pointer because absence
// means "play unmodified"; it is filled in asynchronously by the analyzer
// once a measurement exists.
type Clip struct {
	ID              string `gorm:"type:uuid;primaryKey"`
	CollectionID    string `gorm:"type:uuid;index"`
	Title           string
	Locator         string `gorm:"type:varchar(512)"` // "fs:<relpath>" or "s3:<key>"
	DurationSeconds float64                           // 0 = unknown
	Loudness        *float64                          // LUFS-like scalar, nil = unmeasured
	Position        int    `gorm:"index"`             // serve order within the collection
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasLoudness reports whether the clip carries a loudness measurement.
func (c *Clip) HasLoudness() bool {
	return c.Loudness != nil
}
