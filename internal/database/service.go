package database

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// lastUpdateKey is the well-known agent_states key holding the timestamp
// of the most recent completed check cycle.
const lastUpdateKey = "lastUpdate"

// StateService wraps durable agent state and update history.
type StateService struct {
	db *gorm.DB
}

// NewStateService creates a StateService on the given handle.
func NewStateService(db *gorm.DB) *StateService {
	return &StateService{db: db}
}

// global state service instance
var State *StateService

// InitStateService initializes the global state service.
func InitStateService() {
	State = NewStateService(DB)
}

// LoadLastUpdate reads the persisted lastUpdate timestamp. A nil time
// with nil error means no cycle has completed yet.
func (s *StateService) LoadLastUpdate() (*time.Time, error) {
	var state AgentState
	err := s.db.First(&state, "key = ?", lastUpdateKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", lastUpdateKey, err)
	}

	ts, err := time.Parse(time.RFC3339, state.Value)
	if err != nil {
		// An unreadable value behaves like a fresh install rather than
		// wedging the schedule.
		log.Warnf("ignoring malformed %s value %q: %v", lastUpdateKey, state.Value, err)
		return nil, nil
	}
	return &ts, nil
}

// SaveLastUpdate upserts the lastUpdate timestamp. Repeated saves with
// the same value are harmless.
func (s *StateService) SaveLastUpdate(ts time.Time) error {
	state := AgentState{
		Key:       lastUpdateKey,
		Value:     ts.UTC().Format(time.RFC3339),
		UpdatedAt: time.Now(),
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&state).Error
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", lastUpdateKey, err)
	}
	return nil
}

// RecordEvent appends one update cycle event to the history table.
func (s *StateService) RecordEvent(entry UpdateLog) {
	entry.CreatedAt = time.Now()
	if err := s.db.Create(&entry).Error; err != nil {
		log.Errorf("failed to record update event %s: %v", entry.Event, err)
	}
}

// RecentEvents returns the newest update events, capped at limit.
func (s *StateService) RecentEvents(limit int) ([]UpdateLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var logs []UpdateLog
	err := s.db.Order("id DESC").Limit(limit).Find(&logs).Error
	return logs, err
}

// CleanupOldEvents deletes history older than retentionDays.
func (s *StateService) CleanupOldEvents(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	result := s.db.Where("created_at < ?", cutoff).Delete(&UpdateLog{})
	return result.RowsAffected, result.Error
}

// ScheduleCleanup prunes old update events once a day.
func (s *StateService) ScheduleCleanup(retentionDays int) {
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for range ticker.C {
			deleted, err := s.CleanupOldEvents(retentionDays)
			if err != nil {
				log.Errorf("update log cleanup failed: %v", err)
				continue
			}
			if deleted > 0 {
				log.Infof("update log cleanup removed %d records", deleted)
			}
		}
	}()
}
