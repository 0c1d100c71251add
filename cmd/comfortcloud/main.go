// Comfort Cloud bridge for Gray Logic.
//
// This is the main entry point for the bridge. It keeps one Panasonic
// Comfort Cloud air conditioner or heat pump in sync with the vendor cloud
// and exposes it on the Gray Logic MQTT bus and a local HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nerrad567/gray-logic-comfortcloud/internal/api"
	"github.com/nerrad567/gray-logic-comfortcloud/internal/bridges/comfortcloud"
	"github.com/nerrad567/gray-logic-comfortcloud/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-comfortcloud/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-comfortcloud/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-comfortcloud/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-comfortcloud/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-comfortcloud/internal/infrastructure/tracing"
	"github.com/nerrad567/gray-logic-comfortcloud/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// tracerShutdownTimeout bounds the final span flush.
const tracerShutdownTimeout = 5 * time.Second

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the bridge itself, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - configPath: YAML configuration file
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, configPath string) error { //nolint:gocognit,gocyclo // Linear startup sequence
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Comfort Cloud bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath, "comfort_cloud", cfg.ComfortCloud.String())

	log = logging.New(logging.EffectiveConfig(cfg.Logging, cfg.ComfortCloud.Debug), version)

	// Tracing (no-op provider when disabled)
	tp, err := tracing.Setup(cfg.Tracing, logging.ServiceName, version)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), tracerShutdownTimeout)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error("error flushing traces", "error", shutdownErr)
		}
	}()

	// Open database
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	store := comfortcloud.NewSQLiteStore(db.DB)
	appVersion := cfg.ComfortCloud.AppVersion
	if saved, ok, loadErr := store.LoadAppVersion(ctx); loadErr != nil {
		log.Warn("could not read saved app version", "error", loadErr)
	} else if ok {
		appVersion = saved
		log.Info("using renegotiated app version", "app_version", saved)
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	registry.MustRegister(comfortcloud.MetricsCollectors()...)

	// InfluxDB (optional)
	influxClient, err := influxdb.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	// Agent
	client := comfortcloud.NewHTTPClient(comfortcloud.ClientOptions{
		BaseURL:          cfg.ComfortCloud.BaseURL,
		VersionLookupURL: cfg.ComfortCloud.VersionLookupURL,
		AppVersion:       appVersion,
		Timeout:          cfg.GetRequestTimeout(),
		Tracer:           tp.Tracer(),
	})

	opts := agentOptions(cfg, client, log)
	opts.VersionStore = store
	opts.CommandLog = store
	if influxClient != nil {
		opts.Sink = comfortcloud.InfluxSink{Writer: influxClient, DeviceID: cfg.Bridge.DeviceID}
	}

	agent, err := comfortcloud.New(opts)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}
	if err := agent.Start(ctx); err != nil {
		return fmt.Errorf("starting agent: %w", err)
	}
	defer func() {
		log.Info("stopping agent")
		agent.Stop()
	}()

	// MQTT bridge (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		bridge, bridgeErr := comfortcloud.NewBridge(comfortcloud.BridgeOptions{
			BridgeID:       cfg.Bridge.ID,
			DeviceID:       cfg.Bridge.DeviceID,
			Version:        version,
			HealthInterval: cfg.GetHealthInterval(),
			MQTT:           &mqttBridgeAdapter{client: mqttClient},
			Host:           agent,
			Logger:         log.With("component", "bridge"),
		})
		if bridgeErr != nil {
			return fmt.Errorf("creating MQTT bridge: %w", bridgeErr)
		}
		if startErr := bridge.Start(ctx); startErr != nil {
			return fmt.Errorf("starting MQTT bridge: %w", startErr)
		}
		defer func() {
			log.Info("stopping MQTT bridge")
			bridge.Stop()
		}()
	} else {
		log.Info("MQTT bridge disabled")
	}

	// HTTP API (optional)
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log.With("component", "api"),
			Host:     agent,
			Commands: store,
			DB:       db.DB,
			Gatherer: registry,
			Tracer:   tp.Tracer(),
			Version:  version,
		}
		if mqttClient != nil {
			deps.MQTT = mqttClient
		}
		server, apiErr := api.New(deps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("HTTP API disabled")
	}

	// Hot reload of account and polling settings
	reload := newReloader(agent, cfg, log)
	if watchErr := config.Watch(ctx, configPath, reload.apply, func(err error) {
		log.Warn("config reload failed, keeping previous settings", "error", err)
	}); watchErr != nil {
		log.Warn("config file will not be watched", "error", watchErr)
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	// Deferred calls run in reverse order: API, bridge, MQTT, agent,
	// InfluxDB, database, tracer.
	return nil
}

// agentOptions maps configuration onto agent options.
func agentOptions(cfg *config.Config, client comfortcloud.API, log *logging.Logger) comfortcloud.Options {
	return comfortcloud.Options{
		Credentials:  credentialsFrom(cfg),
		PollInterval: cfg.GetPollInterval(),
		Client:       client,
		DryFanAction: comfortcloud.Action(cfg.ComfortCloud.DryFanAction),
		Logger:       log.With("component", "comfortcloud"),
	}
}

func credentialsFrom(cfg *config.Config) comfortcloud.Credentials {
	return comfortcloud.Credentials{
		Email:       cfg.ComfortCloud.Email,
		Password:    cfg.ComfortCloud.Password,
		GroupIndex:  cfg.ComfortCloud.GroupIndex,
		DeviceIndex: cfg.ComfortCloud.DeviceIndex,
	}
}

// reconfigurer is the part of the agent a config reload touches.
type reconfigurer interface {
	Reconfigure(creds comfortcloud.Credentials, pollInterval time.Duration) error
}

// reloader restarts the agent when account or polling settings change.
// Other settings need a restart.
type reloader struct {
	mu    sync.Mutex
	agent reconfigurer
	creds comfortcloud.Credentials
	poll  time.Duration
	log   *logging.Logger
}

func newReloader(agent reconfigurer, cfg *config.Config, log *logging.Logger) *reloader {
	return &reloader{agent: agent, creds: credentialsFrom(cfg), poll: cfg.GetPollInterval(), log: log}
}

func (r *reloader) apply(cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	creds, poll := credentialsFrom(cfg), cfg.GetPollInterval()
	if creds == r.creds && poll == r.poll {
		r.log.Info("config file changed, agent settings unchanged")
		return
	}

	if err := r.agent.Reconfigure(creds, poll); err != nil {
		r.log.Error("reconfiguring agent", "error", err)
		return
	}
	r.creds, r.poll = creds, poll
	r.log.Info("agent reconfigured", "poll_interval", poll, "comfort_cloud", cfg.ComfortCloud.String())
}

// healthCheck verifies all infrastructure connections are healthy.
// mqttClient and influxClient may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The difference is the Subscribe handler signature:
// - Infrastructure mqtt: func(topic, payload []byte) error
// - Bridge expects: func(topic, payload []byte)
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements comfortcloud.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements comfortcloud.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements comfortcloud.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
