package service

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/web-casa/dad/internal/database"
	"github.com/web-casa/dad/internal/event"
)

func TestHistoryRecordsLifecycle(t *testing.T) {
	db, err := database.Init(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	defer database.Close(db)

	f := newFixture(t, nil)
	history := NewHistory(db, slog.Default())
	history.Attach(f.bus)

	rec, err := f.svc.Create(context.Background(), mysqlRequest("8.0"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Delete(context.Background(), rec.ID); err != nil {
		t.Fatal(err)
	}

	events, err := history.List(rec.ID, 0)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	wantTypes := []string{
		event.EnvironmentCreated,
		event.EnvironmentStatusChanged,
		event.EnvironmentStatusChanged,
		event.EnvironmentDeleted,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("expected %d events, got %+v", len(wantTypes), events)
	}
	for i, ev := range events {
		if ev.Type != wantTypes[i] {
			t.Errorf("event[%d] type = %s, want %s", i, ev.Type, wantTypes[i])
		}
		if ev.EnvironmentID != rec.ID {
			t.Errorf("event[%d] environment = %s", i, ev.EnvironmentID)
		}
	}
	if events[1].Status != "running" {
		t.Errorf("second event status = %s, want running", events[1].Status)
	}

	limited, _ := history.List(rec.ID, 2)
	if len(limited) != 2 {
		t.Errorf("limit not applied: %d events", len(limited))
	}

	other, _ := history.List("unknown", 10)
	if len(other) != 0 {
		t.Errorf("unexpected events for unknown id: %+v", other)
	}
}
