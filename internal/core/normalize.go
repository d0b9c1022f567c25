package core

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// NormalizeTray converts a raw tray entry into a canonical record. It returns
// ok=false for an empty slot (no tag identifier); callers skip those trays.
// A field that fails to parse is left nil without affecting the others.
func NormalizeTray(sensorID string, tray TrayReport) (*FilamentRecord, bool) {
	return NormalizeTrayAt(sensorID, tray, time.Now().UTC())
}

// NormalizeTrayAt is NormalizeTray with an explicit sync timestamp.
func NormalizeTrayAt(sensorID string, tray TrayReport, at time.Time) (*FilamentRecord, bool) {
	uid := parseIdentifier(tray.TagUID)
	if uid == nil {
		return nil, false
	}

	source := SyncSourceAMS
	rec := &FilamentRecord{
		UID:     uid,
		TrayUID: parseIdentifier(tray.TrayUUID),
		AMSID:   parseText(WireValue(sensorID)),
		AMSSlot: parseText(tray.TrayIDName),

		FilamentType:     parseText(tray.TrayType),
		DetailedType:     parseText(tray.TraySubBrands),
		ColorCode:        NormalizeColor(tray.TrayColor.String()),
		DiameterMM:       parseFloat(tray.TrayDiameter),
		SpoolWeightG:     parseTruncatedInt(tray.TrayWeight),
		FilamentLengthMM: parseInt(tray.TotalLen),
		RemainingPercent: parsePercent(tray.Remain),

		PrintTempMin:   parseTruncatedInt(tray.NozzleTempMin),
		PrintTempMax:   parseTruncatedInt(tray.NozzleTempMax),
		DryTemp:        parseTruncatedInt(tray.TrayTemp),
		DryTimeMinutes: parseTruncatedInt(tray.TrayTime),
		DryBedTemp:     parseTruncatedInt(tray.BedTemp),
		XCamInfo:       parseText(tray.XCamInfo),

		LastSyncSource: &source,
		LastSyncAt:     &at,
	}
	rec.RecomputeDerived()

	return rec, true
}

// NormalizeColor maps RRGGBB or RRGGBBAA hex to "#RRGGBB". Anything else,
// including non-hex digits, yields nil.
func NormalizeColor(raw string) *string {
	s := strings.TrimSpace(raw)
	if len(s) == 8 {
		s = s[:6]
	}
	if len(s) != 6 {
		return nil
	}
	for i := 0; i < len(s); i++ {
		if !isHexDigit(s[i]) {
			return nil
		}
	}
	out := "#" + strings.ToUpper(s)
	return &out
}

func isHexDigit(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

// parseIdentifier treats empty and all-zero identifiers as absent; printers
// report unread tags as runs of zeros.
func parseIdentifier(v WireValue) *string {
	s := strings.TrimSpace(v.String())
	if strings.Trim(s, "0") == "" {
		return nil
	}
	return &s
}

func parseText(v WireValue) *string {
	s := strings.TrimSpace(v.String())
	if s == "" {
		return nil
	}
	return &s
}

func parseFloat(v WireValue) *float64 {
	s := strings.TrimSpace(v.String())
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// parseTruncatedInt accepts decimals and drops the fractional part.
func parseTruncatedInt(v WireValue) *int {
	f := parseFloat(v)
	if f == nil || math.Abs(*f) > math.MaxInt32 {
		return nil
	}
	n := int(*f)
	return &n
}

// parseInt accepts integers only.
func parseInt(v WireValue) *int {
	s := strings.TrimSpace(v.String())
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &n
}

// parsePercent maps anything outside 0..100 to unknown; firmware reports -1
// when it cannot estimate the remaining amount.
func parsePercent(v WireValue) *int {
	n := parseInt(v)
	if n == nil || *n < 0 || *n > 100 {
		return nil
	}
	return n
}

// derive computes base * (percent / 100) rounded half to even. The fraction
// is taken first so ties land exactly where the inventory has always put them.
func derive(base, percent *int) (int, bool) {
	if base == nil || percent == nil {
		return 0, false
	}
	return int(math.RoundToEven(float64(*base) * (float64(*percent) / 100.0))), true
}
