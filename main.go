package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vibenode/config"
	"vibenode/log"
	"vibenode/models"
	"vibenode/services"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"periph.io/x/periph/conn/i2c"
)

const version = "1.0.5"

// resetExitCode tells the service manager the process asked for a restart.
const resetExitCode = 3

var configPath = pflag.StringP("config", "c", "config.json", "Path to the boot config file")

func main() {
	pflag.Parse()

	// Initialize structured logger
	logger := log.GetInstance()
	defer logger.Sync()

	cfg, cfgErr := config.LoadConfig(*configPath)

	statusPath := config.DefaultStatusLogPath
	loc := time.Local
	if cfgErr == nil {
		statusPath = cfg.StatusLogPath
		if l, err := cfg.Location(); err != nil {
			cfgErr = err
		} else {
			loc = l
		}
	}

	clock := services.NewSystemClock(loc)
	status, err := log.NewStatusLog(statusPath, log.DefaultStatusLogLimit, clock.Now, logger)
	if err != nil {
		logger.Fatal("Failed to open status log", zap.String("path", statusPath), zap.Error(err))
	}
	defer status.Close()

	status.Status("Restarting.")

	resetter := &services.ExitResetter{Code: resetExitCode, Logger: logger}
	supervisor := services.NewSupervisor(resetter, clock, status, logger)

	supervisor.Boot("config", func() error {
		return services.Wrap(services.KindConfig, "load config", cfgErr)
	})

	logger.Info("vibenode starting",
		zap.String("version", version),
		zap.String("service_url", cfg.ServiceURL),
		zap.String("timezone", cfg.Timezone),
		zap.String("event_log", cfg.EventLogPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Watchdogs first so a hung boot step also resets.
	watchdogs := services.Watchdogs{}
	soft := services.NewSoftWatchdog(cfg.WatchdogTimeout, clock, func(stalled time.Duration) {
		status.Status(fmt.Sprintf("Watchdog timeout after %s", stalled.Round(time.Second)))
		resetter.Reset("watchdog")
	}, logger)
	go soft.Start(ctx)
	watchdogs = append(watchdogs, soft)

	if cfg.WatchdogDevice != "" {
		supervisor.Boot("watchdog", func() error {
			dev, err := services.OpenDeviceWatchdog(cfg.WatchdogDevice, logger)
			if err != nil {
				return services.Wrap(services.KindConfig, "watchdog", err)
			}
			watchdogs = append(watchdogs, dev)
			return nil
		})
	}

	supervisor.SetWatchdog(watchdogs)

	settings := config.NewStore(config.DefaultSettings())
	updater := services.NewFirmwareUpdater(firmwarePath(cfg), logger)

	var (
		bus       i2c.BusCloser
		indicator *services.GPIOIndicator
		accel     *services.MPU6050
		client    *services.SyncClient
	)

	// Must-have initialization.
	supervisor.Boot("hardware", func() error {
		var err error
		if bus, err = services.OpenI2C(cfg.I2CBus); err != nil {
			return err
		}
		if indicator, err = services.NewGPIOIndicator(cfg.LEDPin, cfg.LEDActiveLow); err != nil {
			return err
		}
		accel, err = services.NewMPU6050(bus, cfg.AccelAddr)
		return err
	})

	supervisor.Boot("network", func() error {
		deviceID, err := services.DeviceID(cfg.NetInterface)
		if err != nil {
			return services.Wrap(services.KindConfig, "device id", err)
		}
		client = services.NewSyncClient(services.SyncClientOptions{
			URL:      cfg.ServiceURL,
			SSID:     cfg.WifiSSID,
			Password: cfg.WifiPassword,
			DeviceID: deviceID,
			Version:  version,
		}, services.NewHostLink(cfg.NetInterface), clock, status, logger)
		return nil
	})

	supervisor.Boot("init", func() error {
		return initialize(ctx, client, clock, settings, updater, supervisor, status, logger, cfg.Timezone)
	})

	// Nice-to-have initialization.
	var beacon services.Advertiser = services.NewLogBeacon(logger)
	supervisor.Optional("beacon", func() error {
		b, err := openBeacon(cfg, client.DeviceID(), logger)
		if err != nil {
			return err
		}
		if b != nil {
			beacon = b
		}
		return nil
	})
	defer beacon.Close()

	var thermometer services.Thermometer
	supervisor.Optional("barometer", func() error {
		bmp, err := services.NewBMP280(bus, cfg.BarometerAddr)
		if err != nil {
			return err
		}
		thermometer = bmp
		return nil
	})

	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		supervisor.Optional("telegram", func() error {
			tg, err := services.NewTelegramService(cfg.TelegramBotToken, cfg.TelegramChatID, clock, logger)
			if err != nil {
				return err
			}
			supervisor.SetNotifier(tg, client.DeviceID())
			if err := tg.NotifyStartup(client.DeviceID(), version); err != nil {
				logger.Warn("Failed to send startup message", zap.Error(err))
			}
			return nil
		})
	}

	status.Status("Initialized.")

	syncState := services.NewSyncState("", clock.Now)
	worker := services.NewSyncWorker(client, syncState, settings, updater, supervisor, clock, status, logger, version)

	events := services.NewEventLog(cfg.EventLogPath, cfg.EventLogMaxLines, status, logger)
	machine := services.NewVibrationMachine(events, indicator, status, logger)
	scheduler := services.NewScheduler(services.SchedulerDeps{
		Clock:       clock,
		Sampler:     services.NewFeatureSampler(accel, clock),
		Machine:     machine,
		Events:      events,
		Settings:    settings,
		SyncState:   syncState,
		Sync:        worker,
		Supervisor:  supervisor,
		Watchdog:    watchdogs,
		Thermometer: thermometer,
		Beacon:      beacon,
		Status:      status,
		Logger:      logger,
	}, cfg.Intervals, version)

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	go worker.Start(workerCtx)

	// Set up graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, stopping control loop")
		cancel()
	}()

	if err := scheduler.Run(ctx); err != nil {
		logger.Error("Control loop failed", zap.Error(err))
	}

	// Perform cleanup
	logger.Info("Starting cleanup")
	if !worker.WaitIdle(10 * time.Second) {
		logger.Warn("Sync queue not drained, dropping tasks", zap.Int("pending", worker.Pending()))
	}
	stopWorker()

	for _, w := range watchdogs {
		if dev, ok := w.(*services.DeviceWatchdog); ok {
			if err := dev.Close(); err != nil {
				logger.Error("Error closing watchdog device", zap.Error(err))
			}
		}
	}
	if err := indicator.Set(false); err != nil {
		logger.Warn("Failed to clear indicator", zap.Error(err))
	}
	if err := bus.Close(); err != nil {
		logger.Error("Error closing I2C bus", zap.Error(err))
	}

	logger.Info("vibenode stopped")
}

// initialize performs the init handshake: it adopts the service clock and
// thresholds and installs offered firmware.
func initialize(
	ctx context.Context,
	client *services.SyncClient,
	clock *services.SystemClock,
	settings *config.Store,
	updater services.Updater,
	supervisor *services.Supervisor,
	status *log.StatusLog,
	logger *zap.Logger,
	timezone string,
) error {
	resp := client.Init(ctx, timezone, version)
	services.InstallOffered(ctx, resp, updater, version, supervisor, status, logger)

	if resp.Status == models.StatusError || resp.CurrentTime == nil {
		msg := resp.Message
		if msg == "" {
			msg = "time setting error"
		}
		return services.Wrap(services.KindNetwork, "init", errors.New(msg))
	}

	now, err := clock.SetTimeFromISO(*resp.CurrentTime)
	if err != nil {
		return services.Wrap(services.KindParse, "init", fmt.Errorf("bad current_time %q: %w", *resp.CurrentTime, err))
	}

	applied := settings.Update(services.CandidateFrom(resp))
	s := settings.Snapshot()
	logger.Info("Initialized with service",
		zap.Time("current_time", now),
		zap.Strings("applied", applied),
		zap.Float64("min_magnitude", s.MinMagnitude),
		zap.Uint32("min_seconds", s.MinDurationSeconds),
		zap.Float64("max_expected_off", s.MaxExpectedOffMagnitude))
	return nil
}

// openBeacon returns the configured broker beacon, or nil when none is
// configured.
func openBeacon(cfg *config.Config, deviceID string, logger *zap.Logger) (services.Advertiser, error) {
	switch {
	case cfg.BeaconMQTTURL != "":
		b, err := services.NewMQTTBeacon(services.MQTTBeaconOptions{
			Broker:   cfg.BeaconMQTTURL,
			User:     cfg.BeaconMQTTUser,
			Password: cfg.BeaconMQTTPassword,
			Topic:    cfg.BeaconTopic,
			DeviceID: deviceID,
		}, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	case cfg.BeaconAMQPURL != "":
		b, err := services.NewAMQPBeacon(services.AMQPBeaconOptions{
			URL:      cfg.BeaconAMQPURL,
			Exchange: cfg.BeaconAMQPExchange,
			Topic:    cfg.BeaconTopic,
			DeviceID: deviceID,
		}, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, nil
}

func firmwarePath(cfg *config.Config) string {
	if cfg.FirmwarePath != "" {
		return cfg.FirmwarePath
	}
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return exe
}
