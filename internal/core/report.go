package core

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// WireValue captures a scalar report field in its textual form. Printers send
// numbers both quoted and unquoted, so every scalar is kept as a string and
// parsed later by the normaliser. Null, objects and arrays decode to empty.
type WireValue string

// UnmarshalJSON implements json.Unmarshaler.
func (w *WireValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		*w = ""
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*w = WireValue(s)
	case '{', '[', 'n':
		*w = ""
	default:
		*w = WireValue(data)
	}
	return nil
}

// String returns the raw text.
func (w WireValue) String() string {
	return string(w)
}

// Ptr returns nil for an empty value.
func (w WireValue) Ptr() *string {
	if w == "" {
		return nil
	}
	s := string(w)
	return &s
}

// TrayReport is one AMS slot as reported by the printer.
type TrayReport struct {
	TagUID        WireValue `json:"tag_uid"`
	TrayUUID      WireValue `json:"tray_uuid"`
	TrayIDName    WireValue `json:"tray_id_name"`
	TrayType      WireValue `json:"tray_type"`
	TraySubBrands WireValue `json:"tray_sub_brands"`
	TrayColor     WireValue `json:"tray_color"`
	TrayDiameter  WireValue `json:"tray_diameter"`
	TrayWeight    WireValue `json:"tray_weight"`
	TotalLen      WireValue `json:"total_len"`
	Remain        WireValue `json:"remain"`
	NozzleTempMin WireValue `json:"nozzle_temp_min"`
	NozzleTempMax WireValue `json:"nozzle_temp_max"`
	TrayTemp      WireValue `json:"tray_temp"`
	TrayTime      WireValue `json:"tray_time"`
	BedTemp       WireValue `json:"bed_temp"`
	XCamInfo      WireValue `json:"xcam_info"`
}

// AMSUnit is one AMS sensor block and its trays.
type AMSUnit struct {
	ID    WireValue    `json:"id"`
	Trays []TrayReport `json:"tray"`
}

// AMSSection wraps the list of AMS units.
type AMSSection struct {
	Units []AMSUnit `json:"ams"`
}

// PrintState is the subset of the printer status message the inventory uses.
type PrintState struct {
	AMS *AMSSection `json:"ams"`
}

// DeviceReport is a decoded printer report message.
type DeviceReport struct {
	Print PrintState `json:"print"`

	// Raw holds the bytes the report was decoded from.
	Raw json.RawMessage `json:"-"`
}

// DecodeReport parses a report payload. It fails only when the payload is not
// a JSON object; individual fields of unexpected type decode to empty.
func DecodeReport(payload []byte) (*DeviceReport, error) {
	var report DeviceReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReport, err)
	}
	report.Raw = append(json.RawMessage(nil), payload...)
	return &report, nil
}

// Units returns the AMS units carried by the report.
func (r *DeviceReport) Units() []AMSUnit {
	if r == nil || r.Print.AMS == nil {
		return nil
	}
	return r.Print.AMS.Units
}

// HasAMS reports whether the message carries an AMS unit list.
func (r *DeviceReport) HasAMS() bool {
	return len(r.Units()) > 0
}

// TrayCount returns the number of tray entries across all units.
func (r *DeviceReport) TrayCount() int {
	n := 0
	for _, u := range r.Units() {
		n += len(u.Trays)
	}
	return n
}

// MarshalForArchive returns the original bytes when known, the re-encoded
// report otherwise.
func (r *DeviceReport) MarshalForArchive() ([]byte, error) {
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	return json.Marshal(r)
}
