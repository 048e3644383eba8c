/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playlog records what went to air. Logging is best effort: a
// failed insert is logged and never blocks playback.
package playlog

import (
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Entry is one aired item.
type Entry struct {
	ID        uint   `gorm:"primaryKey"`
	ItemID    string `gorm:"index"`
	Path      string
	DeviceID  string
	StartedAt time.Time `gorm:"index"`
	// Mixed records whether the item was started by a mix transition
	// rather than a natural end.
	Mixed bool
	// Via is the trigger delivery path that started it, empty for the
	// first item of a session.
	Via string
}

// Log is the persistent play log. A nil *Log is valid and drops everything,
// which is how disabled logging is represented.
type Log struct {
	db  *gorm.DB
	log zerolog.Logger
}

// Open creates or migrates the play log database at path.
func Open(path string, logger zerolog.Logger) (*Log, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, err
	}
	return &Log{db: db, log: logger.With().Str("component", "playlog").Logger()}, nil
}

// Record stores an aired item.
func (l *Log) Record(e Entry) {
	if l == nil {
		return
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}
	if err := l.db.Create(&e).Error; err != nil {
		l.log.Warn().Err(err).Str("item_id", e.ItemID).Msg("play log insert failed")
	}
}

// Recent returns the latest n entries, newest first.
func (l *Log) Recent(n int) ([]Entry, error) {
	if l == nil {
		return nil, nil
	}
	var entries []Entry
	err := l.db.Order("started_at desc").Limit(n).Find(&entries).Error
	return entries, err
}
