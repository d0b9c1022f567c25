package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/axelterrier/filament-tracker-backend/internal/broker"
)

var (
	brokerIP        string
	brokerPassword  string
	brokerSerial    string
	brokerPlain     bool
	brokerPort      int
	brokerTimeout   time.Duration
	brokerSaveAfter bool
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Printer broker utilities",
}

var brokerTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Try one connection to the printer broker",
	Long: `Connects once with a throwaway client. Flags override the saved settings;
with --save the settings are written to the settings file when the test succeeds.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBrokerTest(cmd)
	},
}

func init() {
	rootCmd.AddCommand(brokerCmd)
	brokerCmd.AddCommand(brokerTestCmd)

	brokerTestCmd.Flags().StringVar(&brokerIP, "ip", "", "printer address")
	brokerTestCmd.Flags().StringVar(&brokerPassword, "password", "", "printer LAN access code")
	brokerTestCmd.Flags().StringVar(&brokerSerial, "serial", "", "printer serial number")
	brokerTestCmd.Flags().BoolVar(&brokerPlain, "plain", false, "connect without TLS")
	brokerTestCmd.Flags().IntVar(&brokerPort, "port", 0, "broker port (defaults to 8883 with TLS, 1883 without)")
	brokerTestCmd.Flags().DurationVar(&brokerTimeout, "timeout", 4*time.Second, "how long to wait for the broker (defaults to mqtt.quick_test_wait)")
	brokerTestCmd.Flags().BoolVar(&brokerSaveAfter, "save", false, "save the settings when the test succeeds")
}

func runBrokerTest(cmd *cobra.Command) error {
	store := broker.NewFileSettingsStore(cfg.MQTT.SettingsPath)

	settings := broker.DefaultSettings()
	if saved, err := store.Load(); err != nil {
		return err
	} else if saved != nil {
		settings = *saved
	}

	flags := cmd.Flags()
	if flags.Changed("ip") {
		settings.IP = brokerIP
	}
	if flags.Changed("password") {
		settings.Password = brokerPassword
	}
	if flags.Changed("serial") {
		settings.Serial = brokerSerial
	}
	if flags.Changed("plain") {
		settings.UseTLS = !brokerPlain
	}
	if flags.Changed("port") {
		if settings.UseTLS {
			settings.PortTLS = brokerPort
		} else {
			settings.PortPlain = brokerPort
		}
	}

	if err := settings.Validate(); err != nil {
		return err
	}

	timeout := brokerTimeout
	if !flags.Changed("timeout") && cfg.MQTT.QuickTestWait > 0 {
		timeout = cfg.MQTT.QuickTestWait
	}

	manager := broker.NewManager(nil,
		broker.WithLogger(logger),
		broker.WithSessionConfig(broker.SessionConfig{
			Username:       cfg.MQTT.Username,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
		}),
	)

	result := manager.QuickTest(context.Background(), settings, timeout)
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", settings.BrokerAddress(), result.Details)
	if !result.OK {
		return fmt.Errorf("broker test failed")
	}

	if brokerSaveAfter {
		if err := store.Save(settings); err != nil {
			return err
		}
		logger.WithField("path", store.Path()).Info("Broker settings saved")
	}
	return nil
}
