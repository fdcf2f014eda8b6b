package pipeline

import (
	"context"
	"database/sql"
	"testing"
	"time"
)

func sampleRecord(runID string, step int, status string) AuditRecord {
	return AuditRecord{
		RunID:      runID,
		StepIndex:  step,
		Role:       roleNames[step],
		Model:      "mistral",
		Attempt:    1,
		Status:     status,
		Output:     "out",
		StartedAt:  time.Now(),
		FinishedAt: time.Now(),
	}
}

func TestMemoryAuditStore(t *testing.T) {
	store := NewMemoryAuditStore(0)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := store.Record(ctx, sampleRecord("run-1", i, AuditStatusSuccess)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	_ = store.Record(ctx, sampleRecord("run-2", 0, AuditStatusFailure))

	records, err := store.List(ctx, AuditFilter{RunID: "run-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 3 || records[2].Role != "Researcher" {
		t.Fatalf("unexpected records %+v", records)
	}
	if records[0].StartedAt.Location() != time.UTC {
		t.Fatalf("expected UTC timestamps")
	}
	limited, _ := store.List(ctx, AuditFilter{Limit: 2})
	if len(limited) != 2 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
	failed, _ := store.List(ctx, AuditFilter{Status: AuditStatusFailure})
	if len(failed) != 1 || failed[0].RunID != "run-2" {
		t.Fatalf("unexpected failed records %+v", failed)
	}
}

func TestMemoryAuditStoreDropsOldest(t *testing.T) {
	store := NewMemoryAuditStore(2)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = store.Record(ctx, sampleRecord("run-1", i, AuditStatusSuccess))
	}
	records, _ := store.List(ctx, AuditFilter{})
	if len(records) != 2 || records[0].StepIndex != 1 {
		t.Fatalf("expected the two newest records, got %+v", records)
	}
}

func TestSQLiteAuditStore(t *testing.T) {
	db, err := sql.Open("sqlite", "file:crew_audit_test?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	store, err := NewSQLiteAuditStore(ctx, db)
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := store.Record(ctx, sampleRecord("run-sql", i, AuditStatusSuccess)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	failed := sampleRecord("run-sql", 2, AuditStatusFailure)
	failed.Output = ""
	failed.Error = "completion timeout"
	if err := store.Record(ctx, failed); err != nil {
		t.Fatalf("record: %v", err)
	}

	records, err := store.List(ctx, AuditFilter{RunID: "run-sql", Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[1].Role != "Manager" || records[1].Model != "mistral" {
		t.Fatalf("unexpected record %+v", records[1])
	}
	if records[2].Error != "completion timeout" || records[2].Status != AuditStatusFailure {
		t.Fatalf("unexpected failure record %+v", records[2])
	}

	byRole, err := store.List(ctx, AuditFilter{Role: "CEO"})
	if err != nil {
		t.Fatalf("list by role: %v", err)
	}
	if len(byRole) != 1 {
		t.Fatalf("expected 1 CEO record, got %d", len(byRole))
	}
}

func TestPipelineWritesToSQLite(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLiteAuditStore(ctx, "file:crew_pipeline_audit?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	providers, _ := mocks("A1", "A2", "A3", "A4")
	pl := newCrew(t, providers, WithAuditStore(store))
	res, err := pl.Execute(ctx, "request", ExecConfig{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	records, err := store.List(ctx, AuditFilter{RunID: res.RunID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 4 || records[3].Output != "A4" {
		t.Fatalf("unexpected records %+v", records)
	}
}
