package core

import "time"

// FilamentRecord is the canonical form of one tray reading. Every field is
// optional; nil means the report did not carry a usable value.
type FilamentRecord struct {
	UID     *string
	TrayUID *string
	AMSID   *string
	AMSSlot *string

	FilamentType     *string
	DetailedType     *string
	ColorCode        *string
	DiameterMM       *float64
	SpoolWeightG     *int
	FilamentLengthMM *int

	RemainingPercent  *int
	RemainingGrams    *int
	RemainingLengthMM *int

	PrintTempMin   *int
	PrintTempMax   *int
	DryTemp        *int
	DryTimeMinutes *int
	DryBedTemp     *int
	XCamInfo       *string

	LastSyncSource *string
	LastSyncAt     *time.Time
}

// HasIdentifier reports whether the record can be matched or inserted.
func (r *FilamentRecord) HasIdentifier() bool {
	return r != nil && (r.UID != nil || r.TrayUID != nil)
}

// IdentityKey is the value a new entity is keyed by: the uid, else the tray uid.
func (r *FilamentRecord) IdentityKey() string {
	switch {
	case r.UID != nil:
		return *r.UID
	case r.TrayUID != nil:
		return *r.TrayUID
	default:
		return ""
	}
}

// RecomputeDerived refreshes remaining grams and length from the base fields.
func (r *FilamentRecord) RecomputeDerived() {
	if v, ok := derive(r.SpoolWeightG, r.RemainingPercent); ok {
		r.RemainingGrams = &v
	}
	if v, ok := derive(r.FilamentLengthMM, r.RemainingPercent); ok {
		r.RemainingLengthMM = &v
	}
}

// ApplyTo merges every non-nil field onto f and recomputes f's derived
// fields. Nil fields never clear existing data.
func (r *FilamentRecord) ApplyTo(f *Filament) {
	if r.UID != nil {
		f.UID = *r.UID
	}
	merge(&f.TrayUID, r.TrayUID)
	merge(&f.AMSID, r.AMSID)
	merge(&f.AMSSlot, r.AMSSlot)

	merge(&f.FilamentType, r.FilamentType)
	merge(&f.FilamentDetailedType, r.DetailedType)
	merge(&f.ColorCode, r.ColorCode)
	merge(&f.FilamentDiameter, r.DiameterMM)
	merge(&f.SpoolWeight, r.SpoolWeightG)
	merge(&f.FilamentLength, r.FilamentLengthMM)

	merge(&f.RemainingPercent, r.RemainingPercent)
	merge(&f.RemainingGrams, r.RemainingGrams)
	merge(&f.RemainingLengthMM, r.RemainingLengthMM)

	merge(&f.PrintTempMin, r.PrintTempMin)
	merge(&f.PrintTempMax, r.PrintTempMax)
	merge(&f.DryTemp, r.DryTemp)
	merge(&f.DryTimeMinutes, r.DryTimeMinutes)
	merge(&f.DryBedTemp, r.DryBedTemp)
	merge(&f.XCamInfo, r.XCamInfo)

	merge(&f.LastSyncSource, r.LastSyncSource)
	merge(&f.LastSyncAt, r.LastSyncAt)

	f.RecomputeDerived()
}

func merge[T any](dst **T, src *T) {
	if src != nil {
		v := *src
		*dst = &v
	}
}
