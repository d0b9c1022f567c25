package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/axelterrier/filament-tracker-backend/internal/core"
	"github.com/axelterrier/filament-tracker-backend/internal/infrastructure"
)

var migrateSeed bool

// migrateCmd represents the migrate command.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Applies the filament schema and optionally inserts two sample spools into an empty inventory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrations()
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().BoolVar(&migrateSeed, "seed", false, "insert sample spools when the inventory is empty")
}

func runMigrations() error {
	logger.Info("Running database migrations...")

	db, err := infrastructure.NewDatabase(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(&core.Filament{}); err != nil {
		return fmt.Errorf("failed to migrate %T: %w", &core.Filament{}, err)
	}
	logger.Infof("Migrated %T", &core.Filament{})

	if migrateSeed {
		if err := insertSampleSpools(db); err != nil {
			logger.WithError(err).Warn("Failed to insert sample spools")
		}
	}

	logger.Info("Database migrations completed successfully")
	return nil
}

func insertSampleSpools(db *infrastructure.Database) error {
	var count int64
	if err := db.DB.Model(&core.Filament{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		logger.WithField("filaments", count).Info("Inventory not empty, skipping sample spools")
		return nil
	}

	logger.Info("Inserting sample spools...")
	repo := core.NewRepository(db.DB)
	for _, f := range sampleSpools() {
		if err := repo.CreateFilament(context.Background(), f); err != nil {
			logger.WithError(err).WithField("uid", f.UID).Warn("Failed to create sample spool")
			continue
		}
		logger.WithField("uid", f.UID).Info("Created sample spool")
	}
	return nil
}

func sampleSpools() []*core.Filament {
	str := func(s string) *string { return &s }
	num := func(n int) *int { return &n }
	dec := func(f float64) *float64 { return &f }
	at := func(t time.Time) *time.Time { return &t }

	return []*core.Filament{
		{
			UID:                    "04A7B3F2C8",
			TrayUID:                str("09F1A3BC67"),
			TagManufacturer:        str("STMicroelectronics"),
			FilamentType:           str("PLA"),
			FilamentDetailedType:   str("PLA Basic"),
			ColorCode:              str("#FFAA33"),
			ExtraColorInfo:         str("Orange vif"),
			FilamentDiameter:       dec(1.75),
			SpoolWidth:             dec(65),
			SpoolWeight:            num(1000),
			FilamentLength:         num(330000),
			PrintTempMin:           num(190),
			PrintTempMax:           num(220),
			DryTemp:                num(50),
			DryTimeMinutes:         num(240),
			DryBedTemp:             num(60),
			NozzleDiameter:         dec(0.4),
			XCamInfo:               str("XCamV2"),
			ManufactureDatetimeUTC: at(time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)),
			ShortDate:              str("20250615"),
		},
		{
			UID:                    "04B9D6E4F1",
			TrayUID:                str("09C2D7AB99"),
			TagManufacturer:        str("NXP"),
			FilamentType:           str("PETG"),
			FilamentDetailedType:   str("PETG CF"),
			ColorCode:              str("#222222"),
			ExtraColorInfo:         str("Noir carbone"),
			FilamentDiameter:       dec(1.75),
			SpoolWidth:             dec(70),
			SpoolWeight:            num(800),
			FilamentLength:         num(260000),
			PrintTempMin:           num(230),
			PrintTempMax:           num(250),
			DryTemp:                num(65),
			DryTimeMinutes:         num(180),
			DryBedTemp:             num(70),
			NozzleDiameter:         dec(0.6),
			XCamInfo:               str("XCamV1"),
			ManufactureDatetimeUTC: at(time.Date(2025, 5, 20, 14, 10, 0, 0, time.UTC)),
			ShortDate:              str("20250520"),
		},
	}
}
