package core

import (
	"time"
)

// SyncSourceAMS tags records that arrived through printer telemetry.
const SyncSourceAMS = "ams"

// Filament is one physical spool as persisted in the inventory.
type Filament struct {
	ID      uint    `json:"id" gorm:"primaryKey"`
	UID     string  `json:"uid" gorm:"uniqueIndex;not null"`
	TrayUID *string `json:"tray_uid" gorm:"index"`

	AMSID   *string `json:"ams_id"`
	AMSSlot *string `json:"ams_slot"`

	TagManufacturer      *string  `json:"tag_manufacturer"`
	FilamentType         *string  `json:"filament_type"`
	FilamentDetailedType *string  `json:"filament_detailed_type"`
	ColorCode            *string  `json:"color_code"`
	ExtraColorInfo       *string  `json:"extra_color_info"`
	FilamentDiameter     *float64 `json:"filament_diameter"`
	SpoolWidth           *float64 `json:"spool_width"`
	SpoolWeight          *int     `json:"spool_weight"`
	FilamentLength       *int     `json:"filament_length"`

	PrintTempMin   *int `json:"print_temp_min"`
	PrintTempMax   *int `json:"print_temp_max"`
	DryTemp        *int `json:"dry_temp"`
	DryTimeMinutes *int `json:"dry_time_minutes"`
	DryBedTemp     *int `json:"dry_bed_temp"`

	NozzleDiameter         *float64   `json:"nozzle_diameter"`
	XCamInfo               *string    `json:"xcam_info"`
	ManufactureDatetimeUTC *time.Time `json:"manufacture_datetime_utc"`
	ShortDate              *string    `json:"short_date"`

	RemainingPercent  *int       `json:"remaining_percent"`
	RemainingGrams    *int       `json:"remaining_grams"`
	RemainingLengthMM *int       `json:"remaining_length_mm"`
	LastSyncSource    *string    `json:"last_sync_source"`
	LastSyncAt        *time.Time `json:"last_sync_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName pins the table name shared with existing inventories.
func (Filament) TableName() string {
	return "filaments"
}

// RecomputeDerived refreshes the remaining grams and length from their base
// fields. Derived values are left untouched when an operand is unknown.
func (f *Filament) RecomputeDerived() {
	if v, ok := derive(f.SpoolWeight, f.RemainingPercent); ok {
		f.RemainingGrams = &v
	}
	if v, ok := derive(f.FilamentLength, f.RemainingPercent); ok {
		f.RemainingLengthMM = &v
	}
}

// SyncEvent is published after telemetry changed a filament.
type SyncEvent struct {
	FilamentID       uint      `json:"filament_id"`
	UID              string    `json:"uid"`
	TrayUID          *string   `json:"tray_uid,omitempty"`
	AMSID            *string   `json:"ams_id,omitempty"`
	AMSSlot          *string   `json:"ams_slot,omitempty"`
	RemainingPercent *int      `json:"remaining_percent,omitempty"`
	RemainingGrams   *int      `json:"remaining_grams,omitempty"`
	Created          bool      `json:"created"`
	SyncedAt         time.Time `json:"synced_at"`
}
