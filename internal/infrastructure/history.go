package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/axelterrier/filament-tracker-backend/config"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

const usageMeasurement = "filament_usage"

// UsageSample is one remaining-filament reading for a spool.
type UsageSample struct {
	UID               string
	AMSID             string
	AMSSlot           string
	FilamentType      string
	RemainingPercent  int
	RemainingGrams    *int
	RemainingLengthMM *int
	At                time.Time
}

// History writes usage samples to InfluxDB so consumption can be graphed.
type History struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewHistory connects to InfluxDB and verifies the server is healthy.
func NewHistory(cfg config.InfluxDBConfig) (*History, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach InfluxDB: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("InfluxDB server not healthy")
	}

	return &History{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}, nil
}

// RecordUsage writes one sample tagged by spool and slot.
func (h *History) RecordUsage(ctx context.Context, s UsageSample) error {
	tags := map[string]string{"uid": s.UID}
	if s.AMSID != "" {
		tags["ams_id"] = s.AMSID
	}
	if s.AMSSlot != "" {
		tags["ams_slot"] = s.AMSSlot
	}
	if s.FilamentType != "" {
		tags["filament_type"] = s.FilamentType
	}

	fields := map[string]interface{}{
		"remaining_percent": s.RemainingPercent,
	}
	if s.RemainingGrams != nil {
		fields["remaining_grams"] = *s.RemainingGrams
	}
	if s.RemainingLengthMM != nil {
		fields["remaining_length_mm"] = *s.RemainingLengthMM
	}

	at := s.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	point := influxdb2.NewPoint(usageMeasurement, tags, fields, at)
	if err := h.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("failed to write usage point: %w", err)
	}
	return nil
}

// Close releases the client.
func (h *History) Close() {
	h.client.Close()
}
