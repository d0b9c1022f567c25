package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/axelterrier/filament-tracker-backend/internal/metrics"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ReportArchiver keeps a copy of raw reports. *infrastructure.Archive
// satisfies it.
type ReportArchiver interface {
	PutReport(ctx context.Context, key string, payload []byte) error
}

// IngestResult summarises one report. Updated counts every tray that produced
// an upsert call, Failed the subset whose upsert returned an error, Skipped the
// empty slots.
type IngestResult struct {
	BatchID string `json:"batch_id"`
	Updated int    `json:"updated"`
	Skipped int    `json:"skipped"`
	Failed  int    `json:"failed"`
}

// IngestService feeds printer reports through normalisation and
// reconciliation. Safe for concurrent use.
type IngestService struct {
	reconciler *Reconciler
	archive    ReportArchiver
	metrics    *metrics.Metrics
	logger     *logrus.Logger
}

// NewIngestService creates the ingestion sink. archive may be nil.
func NewIngestService(reconciler *Reconciler, archive ReportArchiver, m *metrics.Metrics, logger *logrus.Logger) *IngestService {
	return &IngestService{
		reconciler: reconciler,
		archive:    archive,
		metrics:    m,
		logger:     logger,
	}
}

// Ingest normalises and upserts every tagged tray of the report. A failing
// tray does not stop the batch; all tray errors are joined into the returned
// error alongside the result.
func (s *IngestService) Ingest(ctx context.Context, report *DeviceReport) (*IngestResult, error) {
	result := &IngestResult{BatchID: uuid.New().String()}
	if report == nil {
		return result, nil
	}

	syncedAt := time.Now().UTC()
	var errs []error

	for _, unit := range report.Units() {
		sensorID := unit.ID.String()
		for _, tray := range unit.Trays {
			if err := ctx.Err(); err != nil {
				errs = append(errs, err)
				s.finish(ctx, report, result)
				return result, errors.Join(errs...)
			}

			rec, ok := NormalizeTrayAt(sensorID, tray, syncedAt)
			if !ok {
				result.Skipped++
				continue
			}

			result.Updated++
			if _, err := s.reconciler.Upsert(ctx, rec); err != nil {
				result.Failed++
				errs = append(errs, fmt.Errorf("ams %s tray %s: %w", sensorID, tray.TrayIDName, err))
				s.logger.WithError(err).WithFields(logrus.Fields{
					"batch_id": result.BatchID,
					"ams_id":   sensorID,
					"uid":      rec.IdentityKey(),
				}).Error("Failed to reconcile tray")
			}
		}
	}

	s.finish(ctx, report, result)
	return result, errors.Join(errs...)
}

// IngestPayload decodes a raw report and ingests it.
func (s *IngestService) IngestPayload(ctx context.Context, payload []byte) (*IngestResult, error) {
	report, err := DecodeReport(payload)
	if err != nil {
		return nil, err
	}
	return s.Ingest(ctx, report)
}

func (s *IngestService) finish(ctx context.Context, report *DeviceReport, result *IngestResult) {
	s.metrics.AddTrays(result.Updated-result.Failed, result.Skipped, result.Failed)

	s.logger.WithFields(logrus.Fields{
		"batch_id": result.BatchID,
		"updated":  result.Updated,
		"skipped":  result.Skipped,
		"failed":   result.Failed,
	}).Info("AMS report ingested")

	if s.archive == nil || result.Updated == 0 {
		return
	}

	payload, err := report.MarshalForArchive()
	if err != nil {
		s.logger.WithError(err).Warn("Failed to encode report for archive")
		return
	}
	key := fmt.Sprintf("reports/%s/%s.json", time.Now().UTC().Format("2006/01/02"), result.BatchID)
	if err := s.archive.PutReport(ctx, key, payload); err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("Failed to archive report")
	}
}
