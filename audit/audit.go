// Package audit persists session lifecycle events (established, closed,
// exit code) to Postgres via gorm. It never touches PTY content: only
// metadata a fleet operator would want in a query-able log. Grounded on
// the teacher's database/redis.go dial-then-ping idiom and
// database/migrations.go's AutoMigrate call.
package audit

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// SessionEvent is one row per session lifecycle transition.
type SessionEvent struct {
	ID           uint `gorm:"primarykey"`
	SessionID    string `gorm:"index"`
	PeerAddress  string
	PeerHostname string
	Command      string
	Event        string // "established" | "closed"
	ExitCode     int
	CreatedAt    time.Time
}

// Log writes SessionEvent rows. A nil *Log (returned when cfg.AuditDSN is
// empty) makes every method a no-op, so callers never need a separate
// "is audit enabled" branch.
type Log struct {
	db  *gorm.DB
	log zerolog.Logger
}

// Open dials Postgres at dsn and runs AutoMigrate. Returns (nil, nil) when
// dsn is empty: the caller gets a safe no-op Log instead of an error to
// handle.
func Open(dsn string, log zerolog.Logger) (*Log, error) {
	if dsn == "" {
		return nil, nil
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "audit: connect to postgres")
	}

	if err := db.AutoMigrate(&SessionEvent{}); err != nil {
		return nil, errors.Wrap(err, "audit: migrate")
	}

	return &Log{db: db, log: log}, nil
}

// Established records a session entering ESTABLISHED.
func (l *Log) Established(sessionID, peerAddress, peerHostname, command string) {
	if l == nil {
		return
	}
	l.write(SessionEvent{
		SessionID:    sessionID,
		PeerAddress:  peerAddress,
		PeerHostname: peerHostname,
		Command:      command,
		Event:        "established",
		CreatedAt:    time.Now(),
	})
}

// Closed records a session reaching CLOSED, with the child's exit code
// (0 when the session never spawned a child).
func (l *Log) Closed(sessionID string, exitCode int) {
	if l == nil {
		return
	}
	l.write(SessionEvent{
		SessionID: sessionID,
		Event:     "closed",
		ExitCode:  exitCode,
		CreatedAt: time.Now(),
	})
}

func (l *Log) write(event SessionEvent) {
	if err := l.db.Create(&event).Error; err != nil {
		l.log.Warn().Err(err).Str("session_id", event.SessionID).Msg("audit write failed")
	}
}
