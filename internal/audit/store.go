// Package audit records suppressed tool calls and per-stream totals in SQLite.
package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/tingly-dev/toolfence/internal/match"
	"github.com/tingly-dev/toolfence/internal/relay"
)

const dbFileName = "audit.db"

// ToolCallRecord is one suppressed tool call.
type ToolCallRecord struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	StreamID  string    `gorm:"index;type:varchar(64)" json:"stream_id"`
	Tool      string    `gorm:"index;type:varchar(255)" json:"tool"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (ToolCallRecord) TableName() string {
	return "tool_calls"
}

// StreamRecord holds the final counters of one stream.
type StreamRecord struct {
	StreamID         string    `gorm:"primaryKey;type:varchar(64)" json:"stream_id"`
	Chunks           int       `json:"chunks"`
	BytesIn          int       `json:"bytes_in"`
	BytesOut         int       `json:"bytes_out"`
	ToolCalls        int       `json:"tool_calls"`
	SuppressedTokens int       `json:"suppressed_tokens"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `gorm:"index" json:"finished_at"`
}

func (StreamRecord) TableName() string {
	return "streams"
}

// ToolCount is one row of CountByTool.
type ToolCount struct {
	Tool  string `json:"tool"`
	Count int64  `json:"count"`
}

// Store persists audit records using GORM. It implements relay.Observer;
// write failures are logged, never returned to the stream.
type Store struct {
	db      *gorm.DB
	dbPath  string
	matcher *match.Matcher
	mu      sync.Mutex
}

var _ relay.Observer = (*Store)(nil)

// NewStore opens or creates the audit database in baseDir. Only tool calls
// selected by matcher are recorded; nil records all.
func NewStore(baseDir string, matcher *match.Matcher) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create audit store directory: %w", err)
	}

	dbPath := filepath.Join(baseDir, dbFileName)
	dsn := dbPath + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	if err := db.AutoMigrate(&ToolCallRecord{}, &StreamRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate audit database: %w", err)
	}

	return &Store{db: db, dbPath: dbPath, matcher: matcher}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) ObserveChunk(context.Context, string, int, int) {}

func (s *Store) ObserveTool(ctx context.Context, streamID, tool string) {
	if !s.matcher.Match(match.Event{Tool: tool, StreamID: streamID}) {
		return
	}
	record := ToolCallRecord{
		ID:        uuid.New().String(),
		StreamID:  streamID,
		Tool:      tool,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		logrus.WithError(err).WithField("stream_id", streamID).Warn("Failed to record tool call")
	}
}

func (s *Store) ObserveFinish(ctx context.Context, streamID string, stats relay.Stats) {
	record := StreamRecord{
		StreamID:         streamID,
		Chunks:           stats.Chunks,
		BytesIn:          stats.BytesIn,
		BytesOut:         stats.BytesOut,
		ToolCalls:        stats.ToolCalls,
		SuppressedTokens: stats.SuppressedTokens,
		StartedAt:        stats.StartedAt,
		FinishedAt:       stats.FinishedAt,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error
	if err != nil {
		logrus.WithError(err).WithField("stream_id", streamID).Warn("Failed to record stream")
	}
}

// ListToolCalls returns the tool calls of streamID, or of every stream when
// streamID is empty, newest first.
func (s *Store) ListToolCalls(streamID string, limit int) ([]ToolCallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := s.db.Order("created_at DESC")
	if streamID != "" {
		query = query.Where("stream_id = ?", streamID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []ToolCallRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list tool calls: %w", err)
	}
	return records, nil
}

// GetStream returns the stream record, or nil when there is none.
func (s *Store) GetStream(streamID string) (*StreamRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []StreamRecord
	if err := s.db.Where("stream_id = ?", streamID).Limit(1).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// CountByTool returns call counts per tool, most frequent first.
func (s *Store) CountByTool() ([]ToolCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var counts []ToolCount
	err := s.db.Model(&ToolCallRecord{}).
		Select("tool, COUNT(*) AS count").
		Group("tool").
		Order("count DESC, tool ASC").
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count tool calls: %w", err)
	}
	return counts, nil
}

// Prune deletes records older than the retention window.
func (s *Store) Prune(retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	res := s.db.Where("created_at < ?", cutoff).Delete(&ToolCallRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune tool calls: %w", res.Error)
	}
	if err := s.db.Where("finished_at < ?", cutoff).Delete(&StreamRecord{}).Error; err != nil {
		return res.RowsAffected, fmt.Errorf("failed to prune streams: %w", err)
	}
	return res.RowsAffected, nil
}

// Close closes the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
