package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/devicebus-core/internal/infrastructure/database"
	"github.com/nerrad567/devicebus-core/internal/message"
	"github.com/nerrad567/devicebus-core/migrations"
)

func setupTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()

	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return NewSQLiteRepository(db.DB)
}

func TestSQLiteRepository_CreateAndList(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	entry := &Entry{
		Stage:     message.StageRouteFailed,
		MessageID: "m-1",
		Device:    "p1/d1",
		Topic:     "/iot/p1/d1/properties/set",
		ServerID:  "gw-a",
		Reason:    "route: device offline",
		Details:   map[string]any{"function_type": "PROPERTY"},
	}
	if err := repo.Create(ctx, entry); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !strings.HasPrefix(entry.ID, "pf-") {
		t.Errorf("ID = %q, want pf- prefix", entry.ID)
	}
	if entry.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	result, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Total != 1 || len(result.Entries) != 1 {
		t.Fatalf("List() total = %d, entries = %d, want 1", result.Total, len(result.Entries))
	}
	got := result.Entries[0]
	if got.ID != entry.ID || got.Stage != message.StageRouteFailed || got.Device != "p1/d1" || got.ServerID != "gw-a" {
		t.Errorf("entry = %+v", got)
	}
	if got.Details["function_type"] != "PROPERTY" {
		t.Errorf("details = %v", got.Details)
	}
	if result.Limit != defaultLimit {
		t.Errorf("Limit = %d, want %d", result.Limit, defaultLimit)
	}
}

func TestSQLiteRepository_OptionalFieldsAreNull(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	if err := repo.Create(ctx, &Entry{Stage: message.StageDecodeFailed, ServerID: "gw-a", Reason: "bad frame"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	result, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	got := result.Entries[0]
	if got.MessageID != "" || got.Device != "" || got.Topic != "" || got.Details != nil {
		t.Errorf("entry = %+v, want empty optional fields", got)
	}
}

func TestSQLiteRepository_ListFiltersAndOrder(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	seed := []Entry{
		{Stage: message.StageRouteFailed, Device: "p1/d1", CreatedAt: base},
		{Stage: message.StageRouteFailed, Device: "p1/d2", CreatedAt: base.Add(100 * time.Millisecond)},
		{Stage: message.StageDecodeFailed, Device: "p1/d1", CreatedAt: base.Add(120 * time.Millisecond)},
		{Stage: message.StageRouteFailed, Device: "p1/d1", CreatedAt: base.Add(2 * time.Second)},
	}
	for i := range seed {
		seed[i].ID = fmt.Sprintf("pf-%d", i)
		seed[i].ServerID = "gw-a"
		seed[i].Reason = "failed"
		if err := repo.Create(ctx, &seed[i]); err != nil {
			t.Fatalf("Create(%d) error = %v", i, err)
		}
	}

	tests := []struct {
		name    string
		filter  Filter
		wantIDs []string
		total   int
	}{
		{"all newest first", Filter{}, []string{"pf-3", "pf-2", "pf-1", "pf-0"}, 4},
		{"by stage", Filter{Stage: message.StageRouteFailed}, []string{"pf-3", "pf-1", "pf-0"}, 3},
		{"by device", Filter{Device: "p1/d1"}, []string{"pf-3", "pf-2", "pf-0"}, 3},
		{"stage and device", Filter{Stage: message.StageDecodeFailed, Device: "p1/d1"}, []string{"pf-2"}, 1},
		{"paged", Filter{Limit: 2, Offset: 1}, []string{"pf-2", "pf-1"}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if result.Total != tt.total {
				t.Errorf("Total = %d, want %d", result.Total, tt.total)
			}
			var ids []string
			for _, e := range result.Entries {
				ids = append(ids, e.ID)
			}
			if strings.Join(ids, ",") != strings.Join(tt.wantIDs, ",") {
				t.Errorf("IDs = %v, want %v", ids, tt.wantIDs)
			}
		})
	}
}

func TestSQLiteRepository_ListClampsLimit(t *testing.T) {
	repo := setupTestRepo(t)

	result, err := repo.List(context.Background(), Filter{Limit: 10_000, Offset: -5})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Limit != maxLimit || result.Offset != 0 {
		t.Errorf("Limit = %d, Offset = %d, want %d, 0", result.Limit, result.Offset, maxLimit)
	}
	if result.Entries == nil {
		t.Error("Entries is nil, want empty slice")
	}
}

// ─── Recorder ───────────────────────────────────────────────────────

type failingRepo struct{ Repository }

func (failingRepo) Create(context.Context, *Entry) error {
	return errors.New("disk full")
}

type captureLogger struct{ msgs []string }

func (l *captureLogger) Error(msg string, _ ...any) { l.msgs = append(l.msgs, msg) }

func TestRecorder_RoutePolicyRecordsAndReturnsError(t *testing.T) {
	repo := setupTestRepo(t)
	rec := NewRecorder(repo, "gw-a", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msg := message.DeviceMessage{
		ID:                    "m-7",
		Topic:                 "/iot/p1/d1/services/reboot/invoke",
		ProductIdentification: "p1",
		DeviceIdentification:  "d1",
		FunctionType:          message.FunctionService,
		Direction:             message.Downstream,
		Identifier:            "reboot",
	}
	sendErr := fmt.Errorf("%w: no affinity", message.ErrDeviceOffline)

	got := rec.RoutePolicy()(ctx, msg, sendErr)
	if !errors.Is(got, message.ErrDeviceOffline) {
		t.Errorf("policy error = %v, want the original error", got)
	}

	result, err := repo.List(context.Background(), Filter{Device: "p1/d1"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(result.Entries) != 1 {
		t.Fatalf("entries = %d, want 1 recorded despite cancelled ctx", len(result.Entries))
	}
	e := result.Entries[0]
	if e.Stage != message.StageRouteFailed || e.MessageID != "m-7" || e.ServerID != "gw-a" {
		t.Errorf("entry = %+v", e)
	}
	if e.Details["identifier"] != "reboot" || e.Details["direction"] != "DOWNSTREAM" {
		t.Errorf("details = %v", e.Details)
	}
}

func TestRecorder_NilErrorIsIgnored(t *testing.T) {
	repo := setupTestRepo(t)
	rec := NewRecorder(repo, "gw-a", nil)

	if err := rec.RoutePolicy()(context.Background(), message.DeviceMessage{}, nil); err != nil {
		t.Errorf("policy error = %v, want nil", err)
	}
	result, err := repo.List(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Total != 0 {
		t.Errorf("Total = %d, want 0", result.Total)
	}
}

func TestRecorder_WriteFailureIsLogged(t *testing.T) {
	logger := &captureLogger{}
	rec := NewRecorder(failingRepo{}, "gw-a", logger)

	sendErr := message.ErrDeliveryTimeout
	if got := rec.RoutePolicy()(context.Background(), message.DeviceMessage{ID: "m-1"}, sendErr); got != sendErr {
		t.Errorf("policy error = %v, want %v", got, sendErr)
	}
	if len(logger.msgs) != 1 {
		t.Errorf("logged %d errors, want 1", len(logger.msgs))
	}
}
