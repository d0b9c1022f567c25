package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/axelterrier/filament-tracker-backend/internal/broker"
	"github.com/axelterrier/filament-tracker-backend/internal/core"
	"github.com/axelterrier/filament-tracker-backend/internal/infrastructure"
)

var (
	replayLimit  int
	replayDryRun bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay AMS reports from the dead letter journal",
	Long: `Feeds reports that the broker bridge failed to forward back through ingestion.
Ingestion is idempotent, so replaying a report that partly succeeded is safe.
The journal is locked while serve runs; stop it before replaying.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplay()
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().IntVarP(&replayLimit, "limit", "l", 1000, "Maximum number of reports to replay")
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "Show what would be replayed without ingesting")
}

func runReplay() error {
	logger.Info("Starting dead letter replay...")

	wal, err := infrastructure.NewWAL(cfg.Storage.DeadLetterPath)
	if errors.Is(err, infrastructure.ErrWALLocked) {
		return fmt.Errorf("dead letter journal is held by a running serve process, stop it first: %w", err)
	}
	if err != nil {
		return fmt.Errorf("failed to open dead letter journal: %w", err)
	}
	defer wal.Close()
	logger.WithFields(logrus.Fields(wal.Stats())).Debug("Opened dead letter journal")

	st, err := buildStack(nil)
	if err != nil {
		return err
	}
	defer st.Close()

	replayer := &ReportReplayer{
		journal: wal,
		ingest:  st.services.Ingest,
		logger:  logger,
		dryRun:  replayDryRun,
		limit:   replayLimit,
	}

	stats, err := replayer.Replay(context.Background())
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"total_processed": stats.TotalProcessed,
		"successful":      stats.Successful,
		"failed":          stats.Failed,
		"discarded":       stats.Discarded,
		"dry_run":         replayDryRun,
	}).Info("Replay completed")

	if stats.Failed > 0 {
		logger.Warnf("Failed to replay %d reports; they stay in the journal", stats.Failed)
	}
	return nil
}

// deadLetterJournal is the part of the WAL the replayer needs.
type deadLetterJournal interface {
	Entries() ([]infrastructure.WALEntry, error)
	Settle(processed, failed []string) error
}

type payloadIngester interface {
	IngestPayload(ctx context.Context, payload []byte) (*core.IngestResult, error)
}

// ReplayStats contains statistics about a replay run
type ReplayStats struct {
	TotalProcessed int
	Successful     int
	Failed         int
	Discarded      int
}

// ReportReplayer drains the dead letter journal through ingestion
type ReportReplayer struct {
	journal deadLetterJournal
	ingest  payloadIngester
	logger  *logrus.Logger
	dryRun  bool
	limit   int
}

// Replay ingests pending entries oldest first and settles the journal.
// Entries that can never succeed are discarded.
func (r *ReportReplayer) Replay(ctx context.Context) (*ReplayStats, error) {
	stats := &ReplayStats{}

	entries, err := r.journal.Entries()
	if err != nil {
		return stats, fmt.Errorf("failed to read journal: %w", err)
	}
	if r.limit > 0 && len(entries) > r.limit {
		entries = entries[:r.limit]
	}

	stats.TotalProcessed = len(entries)
	r.logger.Infof("Found %d reports to replay", len(entries))

	if r.dryRun {
		r.logger.Info("DRY RUN: No reports will be ingested")
		for i, e := range entries {
			if i >= 10 {
				r.logger.Infof("... and %d more reports", len(entries)-10)
				break
			}
			r.logger.WithFields(logrus.Fields{
				"entry_id":  e.ID,
				"failed_at": e.Timestamp,
				"reason":    e.Reason,
				"retries":   e.Retries,
			}).Info("Would replay report")
		}
		return stats, nil
	}

	var processed, failed []string
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}

		entryLog := r.logger.WithFields(logrus.Fields{"entry_id": e.ID, "retries": e.Retries})
		if e.Type != broker.DeadLetterKind {
			entryLog.WithField("type", e.Type).Warn("Discarding journal entry of unknown type")
			processed = append(processed, e.ID)
			stats.Discarded++
			continue
		}

		result, err := r.ingest.IngestPayload(ctx, e.Data)
		switch {
		case errors.Is(err, core.ErrMalformedReport):
			entryLog.WithError(err).Warn("Discarding malformed report")
			processed = append(processed, e.ID)
			stats.Discarded++
		case err != nil:
			entryLog.WithError(err).Error("Failed to replay report")
			failed = append(failed, e.ID)
			stats.Failed++
		default:
			entryLog.WithField("updated", result.Updated).Debug("Replayed report")
			processed = append(processed, e.ID)
			stats.Successful++
		}
	}

	if err := r.journal.Settle(processed, failed); err != nil {
		return stats, fmt.Errorf("failed to settle journal: %w", err)
	}
	return stats, nil
}
