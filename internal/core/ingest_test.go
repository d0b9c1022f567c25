package core

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func newTestIngest(repo Repository, archive ReportArchiver) *IngestService {
	return NewIngestService(newTestReconciler(repo, SyncHooks{}), archive, nil, testLogger())
}

func TestIngestSampleReport(t *testing.T) {
	repo := setupTestDB(t)
	archive := &recordingArchive{}
	svc := newTestIngest(repo, archive)
	ctx := context.Background()

	result, err := svc.IngestPayload(ctx, []byte(sampleReport))
	if err != nil {
		t.Fatalf("IngestPayload() error = %v", err)
	}
	if result.Updated != 1 || result.Skipped != 1 || result.Failed != 0 {
		t.Errorf("result = %+v, want 1 updated, 1 skipped", result)
	}
	if result.BatchID == "" {
		t.Error("BatchID is empty")
	}

	f, err := repo.GetFilamentByUID(ctx, "A1B2C3D4E5F60708")
	if err != nil {
		t.Fatalf("GetFilamentByUID() error = %v", err)
	}
	if f.RemainingGrams == nil || *f.RemainingGrams != 800 {
		t.Errorf("RemainingGrams = %v, want 800", f.RemainingGrams)
	}
	if f.FilamentDiameter == nil || *f.FilamentDiameter != 1.75 {
		t.Errorf("FilamentDiameter = %v, want 1.75", f.FilamentDiameter)
	}
	if f.LastSyncSource == nil || *f.LastSyncSource != SyncSourceAMS {
		t.Errorf("LastSyncSource = %v", f.LastSyncSource)
	}

	if len(archive.keys) != 1 || !strings.HasSuffix(archive.keys[0], result.BatchID+".json") {
		t.Errorf("archive keys = %v", archive.keys)
	}
	if string(archive.data[0]) != sampleReport {
		t.Error("archived payload differs from the raw report")
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	repo := setupTestDB(t)
	svc := newTestIngest(repo, nil)
	ctx := context.Background()

	snapshot := func() string {
		t.Helper()
		all, err := repo.ListFilaments(ctx)
		if err != nil {
			t.Fatalf("ListFilaments() error = %v", err)
		}
		for _, f := range all {
			f.LastSyncAt = nil
			f.UpdatedAt = f.CreatedAt
		}
		data, _ := json.Marshal(all)
		return string(data)
	}

	if _, err := svc.IngestPayload(ctx, []byte(sampleReport)); err != nil {
		t.Fatalf("first ingest error = %v", err)
	}
	first := snapshot()

	if _, err := svc.IngestPayload(ctx, []byte(sampleReport)); err != nil {
		t.Fatalf("second ingest error = %v", err)
	}
	if second := snapshot(); second != first {
		t.Errorf("state changed on re-ingest:\nfirst:  %s\nsecond: %s", first, second)
	}
}

func TestIngestSkipsEmptySlots(t *testing.T) {
	repo := setupTestDB(t)
	archive := &recordingArchive{}
	svc := newTestIngest(repo, archive)
	ctx := context.Background()

	payload := `{"print":{"ams":{"ams":[{"id":"0","tray":[
		{"id":"0","tag_uid":"0000000000000000","tray_uuid":"09F1A3BC67"},
		{"id":"1","tag_uid":"","tray_type":"PLA"},
		{"id":"2"}
	]}]}}}`

	result, err := svc.IngestPayload(ctx, []byte(payload))
	if err != nil {
		t.Fatalf("IngestPayload() error = %v", err)
	}
	if result.Updated != 0 || result.Skipped != 3 {
		t.Errorf("result = %+v, want 3 skipped", result)
	}

	all, _ := repo.ListFilaments(ctx)
	if len(all) != 0 {
		t.Errorf("len(filaments) = %d, want 0", len(all))
	}
	if len(archive.keys) != 0 {
		t.Error("report without upserts was archived")
	}
}

func TestIngestContinuesAfterTrayFailure(t *testing.T) {
	base := setupTestDB(t)
	svc := newTestIngest(&faultyRepo{Repository: base, failUID: "BADTAG"}, nil)
	ctx := context.Background()

	payload := `{"print":{"ams":{"ams":[
		{"id":"0","tray":[{"tag_uid":"BADTAG","tray_type":"PLA"}]},
		{"id":"1","tray":[{"tag_uid":"GOODTAG","tray_type":"PETG"}]}
	]}}}`

	result, err := svc.IngestPayload(ctx, []byte(payload))
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("IngestPayload() error = %v, want the tray failure", err)
	}
	// Updated counts upsert calls; the failed tray is one of them.
	if result.Updated != 2 || result.Failed != 1 || result.Skipped != 0 {
		t.Errorf("result = %+v, want 2 updated of which 1 failed", result)
	}

	if _, err := base.GetFilamentByUID(ctx, "GOODTAG"); err != nil {
		t.Errorf("second unit not ingested: %v", err)
	}
}

func TestIngestNilAndEmptyReports(t *testing.T) {
	svc := newTestIngest(setupTestDB(t), nil)
	ctx := context.Background()

	if result, err := svc.Ingest(ctx, nil); err != nil || result.Updated != 0 {
		t.Errorf("Ingest(nil) = %+v, %v", result, err)
	}
	if result, err := svc.IngestPayload(ctx, []byte(`{"print":{"command":"push_status"}}`)); err != nil || result.Updated != 0 {
		t.Errorf("IngestPayload(no ams) = %+v, %v", result, err)
	}
	if _, err := svc.IngestPayload(ctx, []byte(`not json`)); err == nil {
		t.Error("IngestPayload(garbage) error = nil")
	}
}
