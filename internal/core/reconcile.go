package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/axelterrier/filament-tracker-backend/internal/infrastructure"
	"github.com/axelterrier/filament-tracker-backend/internal/metrics"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// TopicFilamentSynced is the event topic published after a telemetry upsert.
const TopicFilamentSynced = "filament.synced"

// defaultHookTimeout bounds each post-commit side effect.
const defaultHookTimeout = time.Second

// FilamentCache is the by-uid cache shared by the CRUD service and the
// reconciler. *infrastructure.Cache satisfies it.
type FilamentCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
}

// EventPublisher publishes domain events. *infrastructure.Messaging satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, message interface{}) error
}

// UsageRecorder stores remaining-filament samples. *infrastructure.History
// satisfies it.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, sample infrastructure.UsageSample) error
}

// SyncHooks are the optional side effects run after a committed upsert.
type SyncHooks struct {
	Cache  FilamentCache
	Events EventPublisher
	Usage  UsageRecorder
}

// UpsertOutcome describes what an upsert did.
type UpsertOutcome struct {
	Filament    *Filament
	Created     bool
	PreviousUID string
}

// Reconciler resolves canonical records against the store and merges them.
type Reconciler struct {
	repo        Repository
	hooks       SyncHooks
	hookTimeout time.Duration
	locks       *keyedMutex
	metrics     *metrics.Metrics
	logger      *logrus.Logger
}

// NewReconciler creates a reconciler over repo.
func NewReconciler(repo Repository, hooks SyncHooks, m *metrics.Metrics, logger *logrus.Logger) *Reconciler {
	return &Reconciler{
		repo:        repo,
		hooks:       hooks,
		hookTimeout: defaultHookTimeout,
		locks:       newKeyedMutex(),
		metrics:     m,
		logger:      logger,
	}
}

// Upsert matches rec by uid, then by tray uid, and merges its non-nil fields
// onto the match or onto a new entity. A uid match takes precedence over a
// tray uid match that points at a different entity. Records with neither
// identifier are ignored and yield a nil outcome.
func (r *Reconciler) Upsert(ctx context.Context, rec *FilamentRecord) (*UpsertOutcome, error) {
	if !rec.HasIdentifier() {
		return nil, nil
	}

	start := time.Now()
	out, err := r.upsertLocked(ctx, rec)
	if err != nil {
		r.metrics.ObserveUpsert("error", time.Since(start))
		return nil, fmt.Errorf("failed to upsert filament %s: %w", rec.IdentityKey(), err)
	}

	result := "updated"
	if out.Created {
		result = "created"
	}
	r.metrics.ObserveUpsert(result, time.Since(start))

	// Side effects run after the identity locks are released.
	r.afterCommit(ctx, out)
	return out, nil
}

// upsertLocked holds the identity locks for the lookup and write only.
func (r *Reconciler) upsertLocked(ctx context.Context, rec *FilamentRecord) (*UpsertOutcome, error) {
	unlock := r.locks.Lock(identityLockKeys(rec)...)
	defer unlock()

	var (
		out *UpsertOutcome
		err error
	)
	for attempt := 0; attempt < 2; attempt++ {
		out, err = r.upsertOnce(ctx, rec)
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			break
		}
		// Another writer inserted the same uid between lookup and insert.
		r.logger.WithField("uid", rec.IdentityKey()).Warn("Concurrent insert detected, retrying upsert")
	}
	return out, err
}

func (r *Reconciler) upsertOnce(ctx context.Context, rec *FilamentRecord) (*UpsertOutcome, error) {
	var (
		out     UpsertOutcome
		release func()
	)
	// The row lock is released after commit so the next writer reads
	// committed data.
	defer func() {
		if release != nil {
			release()
		}
	}()

	err := r.repo.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		target, err := resolveTarget(ctx, tx, rec)
		if err != nil {
			return err
		}

		if target == nil {
			f := &Filament{UID: rec.IdentityKey()}
			rec.ApplyTo(f)
			if err := tx.CreateFilament(ctx, f); err != nil {
				return err
			}
			out = UpsertOutcome{Filament: f, Created: true}
			return nil
		}

		release = r.locks.Lock(rowLockKey(target.ID))
		current, err := tx.GetFilamentForUpdate(ctx, target.ID)
		if err != nil {
			return err
		}

		previousUID := current.UID
		rec.ApplyTo(current)
		if err := tx.UpdateFilament(ctx, current); err != nil {
			return err
		}
		out = UpsertOutcome{Filament: current, PreviousUID: previousUID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// resolveTarget returns the entity rec should merge into, or nil when a new
// entity must be created.
func resolveTarget(ctx context.Context, tx Repository, rec *FilamentRecord) (*Filament, error) {
	if rec.UID != nil {
		f, err := tx.GetFilamentByUID(ctx, *rec.UID)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	if rec.TrayUID != nil {
		f, err := tx.GetFilamentByTrayUID(ctx, *rec.TrayUID)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	return nil, nil
}

// hookContext detaches a side effect from the caller's deadline and gives it
// its own.
func (r *Reconciler) hookContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.hookTimeout)
}

func (r *Reconciler) afterCommit(ctx context.Context, out *UpsertOutcome) {
	f := out.Filament
	log := r.logger.WithFields(logrus.Fields{
		"filament_id": f.ID,
		"uid":         f.UID,
	})

	if r.hooks.Cache != nil {
		hctx, cancel := r.hookContext(ctx)
		for _, uid := range []string{f.UID, out.PreviousUID} {
			if uid == "" {
				continue
			}
			if err := r.hooks.Cache.Delete(hctx, filamentCacheKey(uid)); err != nil {
				log.WithError(err).Warn("Failed to invalidate cached filament")
			}
		}
		cancel()
	}

	if r.hooks.Events != nil {
		event := SyncEvent{
			FilamentID:       f.ID,
			UID:              f.UID,
			TrayUID:          f.TrayUID,
			AMSID:            f.AMSID,
			AMSSlot:          f.AMSSlot,
			RemainingPercent: f.RemainingPercent,
			RemainingGrams:   f.RemainingGrams,
			Created:          out.Created,
			SyncedAt:         time.Now().UTC(),
		}
		hctx, cancel := r.hookContext(ctx)
		if err := r.hooks.Events.Publish(hctx, TopicFilamentSynced, event); err != nil {
			log.WithError(err).Warn("Failed to publish filament sync event")
		}
		cancel()
	}

	if r.hooks.Usage != nil && f.RemainingPercent != nil {
		hctx, cancel := r.hookContext(ctx)
		if err := r.hooks.Usage.RecordUsage(hctx, usageSample(f)); err != nil {
			log.WithError(err).Warn("Failed to record usage sample")
		}
		cancel()
	}

	log.WithField("created", out.Created).Debug("Filament reconciled")
}

func usageSample(f *Filament) infrastructure.UsageSample {
	s := infrastructure.UsageSample{
		UID:               f.UID,
		RemainingPercent:  *f.RemainingPercent,
		RemainingGrams:    f.RemainingGrams,
		RemainingLengthMM: f.RemainingLengthMM,
		At:                time.Now().UTC(),
	}
	if f.AMSID != nil {
		s.AMSID = *f.AMSID
	}
	if f.AMSSlot != nil {
		s.AMSSlot = *f.AMSSlot
	}
	if f.FilamentType != nil {
		s.FilamentType = *f.FilamentType
	}
	if f.LastSyncAt != nil {
		s.At = *f.LastSyncAt
	}
	return s
}

func identityLockKeys(rec *FilamentRecord) []string {
	var keys []string
	if rec.UID != nil {
		keys = append(keys, "uid:"+*rec.UID)
	}
	if rec.TrayUID != nil {
		keys = append(keys, "tray:"+*rec.TrayUID)
	}
	return keys
}

func rowLockKey(id uint) string {
	return "row:" + strconv.FormatUint(uint64(id), 10)
}
