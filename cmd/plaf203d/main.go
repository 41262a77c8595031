// PLAF203 feeder controller daemon. Replaces the vendor cloud backend for a
// single feeder pointed at a local MQTT broker.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/icex2/plaf203/internal/engine"
	"github.com/icex2/plaf203/internal/snapshot"
	"github.com/icex2/plaf203/internal/storage"
	"github.com/icex2/plaf203/internal/transport"
)

// Config represents the configuration file structure
type Config struct {
	Device struct {
		Serial         string `yaml:"serial"`
		TimezoneOffset int    `yaml:"timezone_offset"`
	} `yaml:"device"`

	MQTT struct {
		BrokerURL      string `yaml:"broker_url"`
		ClientID       string `yaml:"client_id"`
		Username       string `yaml:"username"`
		Password       string `yaml:"password"`
		BackoffInitial int    `yaml:"backoff_initial"`
		BackoffMax     int    `yaml:"backoff_max"`
	} `yaml:"mqtt"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Queue struct {
		Dir string `yaml:"dir"`
	} `yaml:"queue"`

	Snapshot struct {
		Addr string `yaml:"addr"`
	} `yaml:"snapshot"`

	Health struct {
		Addr string `yaml:"addr"`
	} `yaml:"health"`

	Timing struct {
		RequestTimeout  int `yaml:"request_timeout"`
		HeartbeatPeriod int `yaml:"heartbeat_period"`
		SyncInterval    int `yaml:"sync_interval"`
		DriftThreshold  int `yaml:"drift_threshold"`
	} `yaml:"timing"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "plaf203d",
		Short: "PLAF203 feeder controller",
		Long:  "Local control backend for the PLAF203 automatic pet feeder. Speaks the feeder's MQTT protocol against a local broker.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the controller service",
		RunE:  runController,
	}

	planCmd = &cobra.Command{
		Use:   "plandump",
		Short: "Print the stored feeding plan",
		RunE:  dumpPlan,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("plaf203d v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/plaf203/plaf203d.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

func initLogging(level string) error {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(logger)
	return nil
}

func runController(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Device.Serial == "" {
		return fmt.Errorf("device.serial is required")
	}
	if cfg.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url is required")
	}

	if err := initLogging(cfg.Logging.Level); err != nil {
		return err
	}
	defer zap.S().Sync()

	// Build engine config
	engineCfg := engine.DefaultConfig()
	engineCfg.DeviceSerial = cfg.Device.Serial
	engineCfg.TimezoneOffset = cfg.Device.TimezoneOffset
	if cfg.Database.Path != "" {
		engineCfg.DatabasePath = cfg.Database.Path
	}
	if cfg.Queue.Dir != "" {
		engineCfg.QueueDir = cfg.Queue.Dir
	}
	if cfg.Timing.RequestTimeout > 0 {
		engineCfg.RequestTimeout = secondsToDuration(cfg.Timing.RequestTimeout)
	}
	if cfg.Timing.HeartbeatPeriod > 0 {
		engineCfg.HeartbeatPeriod = secondsToDuration(cfg.Timing.HeartbeatPeriod)
	}
	if cfg.Timing.SyncInterval > 0 {
		engineCfg.SyncInterval = secondsToDuration(cfg.Timing.SyncInterval)
	}
	if cfg.Timing.DriftThreshold > 0 {
		engineCfg.DriftThreshold = secondsToDuration(cfg.Timing.DriftThreshold)
	}

	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		clientID = "plaf203d-" + cfg.Device.Serial
	}
	tr := transport.New(transport.Config{
		BrokerURL:      cfg.MQTT.BrokerURL,
		ClientID:       clientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		DeviceSerial:   cfg.Device.Serial,
		BackoffInitial: secondsToDuration(cfg.MQTT.BackoffInitial),
		BackoffMax:     secondsToDuration(cfg.MQTT.BackoffMax),
	})

	snap := snapshot.NewPublisher()
	if cfg.Snapshot.Addr != "" {
		go func() {
			if err := snap.Serve(cfg.Snapshot.Addr); err != nil {
				zap.S().Errorw("Snapshot feed failed", "error", err)
			}
		}()
	}

	eng, err := engine.New(engineCfg, tr, snap)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	if cfg.Health.Addr != "" {
		health := healthcheck.NewHandler()
		health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(100))
		health.AddReadinessCheck("device-online", func() error {
			if !eng.IsOnline() {
				return fmt.Errorf("device is %s", eng.State())
			}
			return nil
		})
		go http.ListenAndServe(cfg.Health.Addr, health)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	zap.S().Infow("Starting feeder controller", "device", cfg.Device.Serial, "broker", cfg.MQTT.BrokerURL)
	if err := eng.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	sig := <-sigChan
	zap.S().Infow("Received signal, shutting down", "signal", sig.String())

	if err := eng.Stop(); err != nil {
		zap.S().Errorw("Error during shutdown", "error", err)
	}
	snap.Stop()

	zap.S().Info("Shutdown complete")
	return nil
}

// dumpPlan prints the persisted feeding plan without touching the broker.
func dumpPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	path := cfg.Database.Path
	if path == "" {
		path = engine.DefaultConfig().DatabasePath
	}
	db, err := storage.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	entries, syncTime, err := db.GetFeedPlans()
	if err != nil {
		return fmt.Errorf("failed to load feed plans: %w", err)
	}
	confirmed, err := db.GetConfirmedFeedPlans()
	if err != nil {
		return fmt.Errorf("failed to load confirmations: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("No feeding plan stored.")
		return nil
	}

	fmt.Printf("Feeding plan (generation %s):\n", time.UnixMilli(syncTime).Format(time.RFC3339))
	for _, e := range entries {
		status := "pending"
		if _, ok := confirmed[e.ID]; ok {
			status = "confirmed"
		}
		audio := ""
		if e.EnableAudio {
			audio = fmt.Sprintf(", audio x%d", e.AudioTimes)
		}
		fmt.Printf("  #%d %02d:%02d weekdays %v, %d portions%s [%s]\n",
			e.ID, e.Hour, e.Minute, e.Weekdays, e.Portions, audio, status)
	}

	switches, err := db.GetSwitches()
	if err != nil {
		return fmt.Errorf("failed to load switches: %w", err)
	}
	if len(switches) > 0 {
		fmt.Println("Switches:")
		for _, s := range switches {
			fmt.Printf("  %s: %v\n", s.Name, s.On)
		}
	}
	return nil
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
