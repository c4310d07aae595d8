package service

import (
	"log/slog"

	"github.com/web-casa/dad/internal/event"
	"github.com/web-casa/dad/internal/model"
	"gorm.io/gorm"
)

const maxHistory = 500

// History keeps an append-only log of lifecycle events in SQLite. Rows are
// kept after the environment is deleted.
type History struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewHistory creates a History over db.
func NewHistory(db *gorm.DB, logger *slog.Logger) *History {
	return &History{db: db, logger: logger}
}

// Attach subscribes the history to every event on bus.
func (h *History) Attach(bus *event.Bus) {
	bus.Subscribe(event.All, h.Record)
}

// Record stores one event. Failures are logged; lifecycle operations never
// fail because history could not be written.
func (h *History) Record(e event.Event) {
	row := model.EnvironmentEvent{
		EnvironmentID: e.EnvironmentID,
		Type:          e.Type,
		Status:        string(e.Status),
		Detail:        e.Detail,
		CreatedAt:     e.Time,
	}
	if err := h.db.Create(&row).Error; err != nil {
		h.logger.Error("record lifecycle event", "environment", e.EnvironmentID, "type", e.Type, "err", err)
	}
}

// List returns the events of one environment, oldest first.
func (h *History) List(envID string, limit int) ([]model.EnvironmentEvent, error) {
	if limit <= 0 || limit > maxHistory {
		limit = maxHistory
	}
	var events []model.EnvironmentEvent
	err := h.db.Where("environment_id = ?", envID).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
