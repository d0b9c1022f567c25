package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DefaultCacheTTL is how long a filament stays cached by uid.
const DefaultCacheTTL = 24 * time.Hour

// FilamentUpdate carries the editable fields of a filament. Absent fields are
// left alone; explicit nulls clear the field. It is also the create payload.
type FilamentUpdate struct {
	UID                    Optional[string]    `json:"uid"`
	TrayUID                Optional[string]    `json:"tray_uid"`
	TagManufacturer        Optional[string]    `json:"tag_manufacturer"`
	FilamentType           Optional[string]    `json:"filament_type"`
	FilamentDetailedType   Optional[string]    `json:"filament_detailed_type"`
	ColorCode              Optional[string]    `json:"color_code"`
	ExtraColorInfo         Optional[string]    `json:"extra_color_info"`
	FilamentDiameter       Optional[float64]   `json:"filament_diameter"`
	SpoolWidth             Optional[float64]   `json:"spool_width"`
	SpoolWeight            Optional[int]       `json:"spool_weight"`
	FilamentLength         Optional[int]       `json:"filament_length"`
	RemainingPercent       Optional[int]       `json:"remaining_percent"`
	PrintTempMin           Optional[int]       `json:"print_temp_min"`
	PrintTempMax           Optional[int]       `json:"print_temp_max"`
	DryTemp                Optional[int]       `json:"dry_temp"`
	DryTimeMinutes         Optional[int]       `json:"dry_time_minutes"`
	DryBedTemp             Optional[int]       `json:"dry_bed_temp"`
	NozzleDiameter         Optional[float64]   `json:"nozzle_diameter"`
	XCamInfo               Optional[string]    `json:"xcam_info"`
	ManufactureDatetimeUTC Optional[time.Time] `json:"manufacture_datetime_utc"`
	ShortDate              Optional[string]    `json:"short_date"`
}

// validate checks field values and normalises the colour in place.
func (u *FilamentUpdate) validate() error {
	if u.UID.Set && (u.UID.Value == nil || strings.TrimSpace(*u.UID.Value) == "") {
		return BusinessError{"FIL_001", "uid cannot be empty"}
	}
	if u.ColorCode.Set && u.ColorCode.Value != nil {
		color := NormalizeColor(strings.TrimPrefix(strings.TrimSpace(*u.ColorCode.Value), "#"))
		if color == nil {
			return BusinessError{"FIL_002", "color_code must be #RRGGBB or #RRGGBBAA"}
		}
		u.ColorCode.Value = color
	}
	if u.RemainingPercent.Set && u.RemainingPercent.Value != nil {
		if p := *u.RemainingPercent.Value; p < 0 || p > 100 {
			return BusinessError{"FIL_003", "remaining_percent must be between 0 and 100"}
		}
	}
	return nil
}

func (u *FilamentUpdate) applyTo(f *Filament) {
	if u.UID.Set && u.UID.Value != nil {
		f.UID = strings.TrimSpace(*u.UID.Value)
	}
	u.TrayUID.applyTo(&f.TrayUID)
	u.TagManufacturer.applyTo(&f.TagManufacturer)
	u.FilamentType.applyTo(&f.FilamentType)
	u.FilamentDetailedType.applyTo(&f.FilamentDetailedType)
	u.ColorCode.applyTo(&f.ColorCode)
	u.ExtraColorInfo.applyTo(&f.ExtraColorInfo)
	u.FilamentDiameter.applyTo(&f.FilamentDiameter)
	u.SpoolWidth.applyTo(&f.SpoolWidth)
	u.SpoolWeight.applyTo(&f.SpoolWeight)
	u.FilamentLength.applyTo(&f.FilamentLength)
	u.RemainingPercent.applyTo(&f.RemainingPercent)
	u.PrintTempMin.applyTo(&f.PrintTempMin)
	u.PrintTempMax.applyTo(&f.PrintTempMax)
	u.DryTemp.applyTo(&f.DryTemp)
	u.DryTimeMinutes.applyTo(&f.DryTimeMinutes)
	u.DryBedTemp.applyTo(&f.DryBedTemp)
	u.NozzleDiameter.applyTo(&f.NozzleDiameter)
	u.XCamInfo.applyTo(&f.XCamInfo)
	u.ManufactureDatetimeUTC.applyTo(&f.ManufactureDatetimeUTC)
	u.ShortDate.applyTo(&f.ShortDate)

	f.RecomputeDerived()
}

// --- Filament Service Implementation ---

type FilamentService struct {
	repo     Repository
	cache    FilamentCache
	cacheTTL time.Duration
	logger   *logrus.Logger
}

// NewFilamentService creates the CRUD service. cache may be nil.
func NewFilamentService(repo Repository, cache FilamentCache, cacheTTL time.Duration, logger *logrus.Logger) *FilamentService {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &FilamentService{
		repo:     repo,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

func (s *FilamentService) ListFilaments(ctx context.Context) ([]*Filament, error) {
	filaments, err := s.repo.ListFilaments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list filaments: %w", err)
	}
	return filaments, nil
}

func (s *FilamentService) GetFilament(ctx context.Context, id uint) (*Filament, error) {
	f, err := s.repo.GetFilament(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrFilamentNotFound
		}
		return nil, err
	}
	return f, nil
}

func (s *FilamentService) GetFilamentByUID(ctx context.Context, uid string) (*Filament, error) {
	// Try cache first
	if cached, err := s.getCachedFilament(ctx, uid); err == nil && cached != nil {
		return cached, nil
	}

	f, err := s.repo.GetFilamentByUID(ctx, uid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrFilamentNotFound
		}
		return nil, err
	}

	s.cacheFilament(ctx, f)
	return f, nil
}

// CreateFilament inserts a filament from the given fields. uid is required.
func (s *FilamentService) CreateFilament(ctx context.Context, in FilamentUpdate) (*Filament, error) {
	if !in.UID.Set || in.UID.Value == nil {
		return nil, BusinessError{"FIL_001", "uid is required"}
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	f := &Filament{}
	in.applyTo(f)

	if existing, err := s.repo.GetFilamentByUID(ctx, f.UID); err == nil && existing != nil {
		return nil, ErrFilamentExists
	}

	if err := s.repo.CreateFilament(ctx, f); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrFilamentExists
		}
		return nil, fmt.Errorf("failed to create filament: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"filament_id": f.ID,
		"uid":         f.UID,
	}).Info("Filament created")

	return f, nil
}

// UpdateFilament applies the allow-listed fields and recomputes derived ones.
func (s *FilamentService) UpdateFilament(ctx context.Context, id uint, in FilamentUpdate) (*Filament, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var (
		updated     *Filament
		previousUID string
	)
	err := s.repo.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		f, err := tx.GetFilamentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		previousUID = f.UID
		in.applyTo(f)

		if f.UID != previousUID {
			if other, err := tx.GetFilamentByUID(ctx, f.UID); err == nil && other.ID != f.ID {
				return ErrFilamentExists
			}
		}

		if err := tx.UpdateFilament(ctx, f); err != nil {
			return err
		}
		updated = f
		return nil
	})
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, ErrFilamentNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey), errors.Is(err, ErrFilamentExists):
		return nil, ErrFilamentExists
	case err != nil:
		return nil, fmt.Errorf("failed to update filament: %w", err)
	}

	s.invalidate(ctx, previousUID, updated.UID)
	return updated, nil
}

func (s *FilamentService) DeleteFilament(ctx context.Context, id uint) error {
	f, err := s.repo.GetFilament(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrFilamentNotFound
		}
		return err
	}

	if err := s.repo.DeleteFilament(ctx, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrFilamentNotFound
		}
		return fmt.Errorf("failed to delete filament: %w", err)
	}

	s.invalidate(ctx, f.UID)
	s.logger.WithFields(logrus.Fields{
		"filament_id": id,
		"uid":         f.UID,
	}).Info("Filament deleted")
	return nil
}

func (s *FilamentService) cacheFilament(ctx context.Context, f *Filament) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, filamentCacheKey(f.UID), string(data), s.cacheTTL); err != nil {
		s.logger.WithError(err).WithField("uid", f.UID).Debug("Failed to cache filament")
	}
}

func (s *FilamentService) getCachedFilament(ctx context.Context, uid string) (*Filament, error) {
	if s.cache == nil {
		return nil, errors.New("cache not available")
	}

	data, err := s.cache.Get(ctx, filamentCacheKey(uid))
	if err != nil {
		return nil, err
	}

	var f Filament
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *FilamentService) invalidate(ctx context.Context, uids ...string) {
	if s.cache == nil {
		return
	}
	for _, uid := range uids {
		if uid == "" {
			continue
		}
		if err := s.cache.Delete(ctx, filamentCacheKey(uid)); err != nil {
			s.logger.WithError(err).WithField("uid", uid).Warn("Failed to invalidate cached filament")
		}
	}
}

func filamentCacheKey(uid string) string {
	return fmt.Sprintf("filament:uid:%s", uid)
}
