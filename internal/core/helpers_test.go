package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/axelterrier/filament-tracker-backend/config"
	"github.com/axelterrier/filament-tracker-backend/internal/infrastructure"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// sampleReport carries one tagged tray and one empty slot.
// total_len and remain arrive unquoted, as some firmwares send them.
const sampleReport = `{
  "print": {
    "command": "push_status",
    "ams": {
      "ams": [
        {
          "id": "0",
          "humidity": "4",
          "tray": [
            {
              "id": "0",
              "tag_uid": "A1B2C3D4E5F60708",
              "tray_uuid": "9F1A3BC67D0E4F5A8B9C0D1E2F3A4B5C",
              "tray_id_name": "A00-W1",
              "tray_type": "PLA",
              "tray_sub_brands": "PLA Basic",
              "tray_color": "FFAA33FF",
              "tray_diameter": "1.75",
              "tray_weight": "1000",
              "total_len": 330000,
              "remain": 80,
              "nozzle_temp_min": "190",
              "nozzle_temp_max": "230",
              "tray_temp": "55",
              "tray_time": "8",
              "bed_temp": "35",
              "xcam_info": "34213421E803E8030000000000000000"
            },
            {
              "id": "1",
              "tag_uid": "0000000000000000",
              "tray_uuid": "00000000000000000000000000000000",
              "remain": -1
            }
          ]
        }
      ]
    }
  }
}`

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// setupTestDB returns a repository over a fresh in-memory SQLite database.
func setupTestDB(t *testing.T) Repository {
	t.Helper()

	db, err := infrastructure.NewDatabase(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}, testLogger())
	if err != nil {
		t.Fatalf("NewDatabase() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(&Filament{}); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewRepository(db.DB)
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

type memoryCache struct {
	mu      sync.Mutex
	items   map[string]string
	deleted []string
}

func newMemoryCache() *memoryCache {
	return &memoryCache{items: make(map[string]string)}
}

func (c *memoryCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	if !ok {
		return "", errors.New("cache miss")
	}
	return v, nil
}

func (c *memoryCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = value
	return nil
}

func (c *memoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	c.deleted = append(c.deleted, key)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	events []interface{}
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, message interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.events = append(p.events, message)
	return nil
}

type recordingUsage struct {
	mu      sync.Mutex
	samples []infrastructure.UsageSample
	err     error
}

func (u *recordingUsage) RecordUsage(_ context.Context, s infrastructure.UsageSample) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.samples = append(u.samples, s)
	return u.err
}

type recordingArchive struct {
	mu   sync.Mutex
	keys []string
	data [][]byte
}

func (a *recordingArchive) PutReport(_ context.Context, key string, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, key)
	a.data = append(a.data, payload)
	return nil
}

var errDuplicate = fmt.Errorf("insert filament: %w", gorm.ErrDuplicatedKey)

// faultyRepo fails writes for one uid and can report a duplicate key on the
// first N creates.
type faultyRepo struct {
	Repository
	failUID        string
	duplicateTimes *int
}

func (r *faultyRepo) WithTransaction(ctx context.Context, fn func(context.Context, Repository) error) error {
	return r.Repository.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		return fn(ctx, &faultyRepo{Repository: tx, failUID: r.failUID, duplicateTimes: r.duplicateTimes})
	})
}

func (r *faultyRepo) CreateFilament(ctx context.Context, f *Filament) error {
	if r.failUID != "" && f.UID == r.failUID {
		return errors.New("disk full")
	}
	if r.duplicateTimes != nil && *r.duplicateTimes > 0 {
		*r.duplicateTimes--
		return errDuplicate
	}
	return r.Repository.CreateFilament(ctx, f)
}

func (r *faultyRepo) UpdateFilament(ctx context.Context, f *Filament) error {
	if r.failUID != "" && f.UID == r.failUID {
		return errors.New("disk full")
	}
	return r.Repository.UpdateFilament(ctx, f)
}

// lockingRepo records the ids read with GetFilamentForUpdate inside a
// transaction.
type lockingRepo struct {
	Repository
	mu     *sync.Mutex
	locked *[]uint
}

func newLockingRepo(base Repository) *lockingRepo {
	return &lockingRepo{Repository: base, mu: &sync.Mutex{}, locked: new([]uint)}
}

func (r *lockingRepo) WithTransaction(ctx context.Context, fn func(context.Context, Repository) error) error {
	return r.Repository.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		return fn(ctx, &lockingRepo{Repository: tx, mu: r.mu, locked: r.locked})
	})
}

func (r *lockingRepo) GetFilamentForUpdate(ctx context.Context, id uint) (*Filament, error) {
	r.mu.Lock()
	*r.locked = append(*r.locked, id)
	r.mu.Unlock()
	return r.Repository.GetFilamentForUpdate(ctx, id)
}

func (r *lockingRepo) lockedIDs() []uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint(nil), *r.locked...)
}
