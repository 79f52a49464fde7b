// devicebus - device message bus and protocol codec routing layer
//
// This is the main entry point for a devicebus node. A node:
//   - decodes device frames (MQTT or HTTP) into canonical device messages
//   - publishes them on the bus for business consumers and the ingest path
//   - routes downstream commands to whichever node holds the device session
//
// Nodes share a cluster bus (NATS or MQTT) and a gateway affinity store
// (Redis); a single node runs with the in-process bus and memory store.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nerrad567/devicebus-core/internal/affinity"
	"github.com/nerrad567/devicebus-core/internal/api"
	"github.com/nerrad567/devicebus-core/internal/audit"
	"github.com/nerrad567/devicebus-core/internal/bus"
	"github.com/nerrad567/devicebus-core/internal/codec"
	"github.com/nerrad567/devicebus-core/internal/device"
	"github.com/nerrad567/devicebus-core/internal/gateway"
	"github.com/nerrad567/devicebus-core/internal/infrastructure/config"
	"github.com/nerrad567/devicebus-core/internal/infrastructure/database"
	"github.com/nerrad567/devicebus-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/devicebus-core/internal/infrastructure/logging"
	"github.com/nerrad567/devicebus-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/devicebus-core/internal/infrastructure/natsclient"
	"github.com/nerrad567/devicebus-core/internal/infrastructure/redisclient"
	"github.com/nerrad567/devicebus-core/internal/ingest"
	"github.com/nerrad567/devicebus-core/internal/message"
	"github.com/nerrad567/devicebus-core/internal/producer"
	"github.com/nerrad567/devicebus-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// infra holds the optional infrastructure clients. Nil fields are disabled.
type infra struct {
	mqtt   *mqtt.Client
	nats   *natsclient.Client
	redis  *redisclient.Client
	influx *influxdb.Client
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	log := logging.Default()
	log.Info("starting devicebus",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version, cfg.Node.ID)
	log.Info("configuration loaded", "path", configPath, "node", cfg.Node.ID)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Database and device directory
	db, err := database.Open(cfg.Database)
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
	log.Info("database ready", "path", db.Path())

	devices := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	devices.SetLogger(log)
	if refreshErr := devices.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	log.Info("device registry initialised", "devices", devices.CacheSize())

	// External connections
	clients, closeClients, err := connectInfra(ctx, cfg, log)
	defer closeClients()
	if err != nil {
		return err
	}

	// Codecs
	codecs := codec.NewRegistry()
	if regErr := codec.RegisterBuiltins(codecs); regErr != nil {
		if errors.Is(regErr, message.ErrCodecAmbiguous) {
			return fmt.Errorf("codec configuration is ambiguous: %w", regErr)
		}
		return fmt.Errorf("registering codecs: %w", regErr)
	}
	codecs.Seal()
	log.Info("codecs registered", "count", len(codecs.Codecs()))

	// Bus
	b, err := openBus(cfg, clients, log, reg)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing bus")
		if closeErr := b.Close(); closeErr != nil {
			log.Error("error closing bus", "error", closeErr)
		}
	}()

	// Affinity
	store := openAffinity(cfg, clients)
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Error("error closing affinity store", "error", closeErr)
		}
	}()

	// Gateway and producer
	var transport gateway.Transport = offlineTransport{}
	if clients.mqtt != nil {
		transport = gateway.NewMQTTTransport(clients.mqtt, byte(cfg.MQTT.QoS))
	}
	gw := gateway.New(gateway.Deps{
		Codecs:    codecs,
		Store:     store,
		Transport: transport,
		Directory: devices,
	}, gateway.Options{
		Node:          cfg.Node.ID,
		SessionTTL:    cfg.Affinity.TTL,
		SweepInterval: cfg.Affinity.SweepInterval,
		Logger:        log,
		Metrics:       gateway.NewMetrics(reg),
	})
	defer func() {
		if closeErr := gw.Close(); closeErr != nil {
			log.Error("error closing gateway", "error", closeErr)
		}
	}()

	failures := audit.NewSQLiteRepository(db.DB)
	prodOpts := producer.Options{
		Node:           cfg.Node.ID,
		LookupTimeout:  cfg.Affinity.LookupTimeout,
		OnRouteFailure: audit.NewRecorder(failures, cfg.Node.ID, log).RoutePolicy(),
		Logger:         log,
		Metrics:        producer.NewMetrics(reg),
	}
	if cfg.Bus.LocalShortcut {
		prodOpts.Local = gw
	}
	prod := producer.New(b, store, prodOpts)
	gw.SetUpstream(prod)

	if subErr := b.Subscribe(gw.Subscription()); subErr != nil {
		return fmt.Errorf("subscribing gateway topic: %w", subErr)
	}
	log.Info("gateway ready", "topic", producer.GatewayTopic(cfg.Node.ID), "local_shortcut", cfg.Bus.LocalShortcut)

	// Ingest
	if cfg.Ingest.Enabled {
		ing := ingest.New(ingestWriter(cfg, db, clients), ingest.Options{
			WriteTimeout: cfg.Ingest.WriteTimeout,
			Logger:       log,
			Metrics:      ingest.NewMetrics(reg),
		})
		if subErr := b.Subscribe(ing.Subscription(producer.UpstreamTopic, cfg.Ingest.Group, devices)); subErr != nil {
			return fmt.Errorf("subscribing ingest: %w", subErr)
		}
		log.Info("ingest enabled", "backend", cfg.Ingest.Backend, "group", cfg.Ingest.Group)
	} else {
		log.Info("ingest disabled")
	}

	// MQTT device uplink
	if clients.mqtt != nil && cfg.MQTT.UplinkFilter != "" {
		uplink := gateway.NewUplinkListener(gw, clients.mqtt, cfg.MQTT.UplinkFilter, cfg.MQTT.UplinkGroup, byte(cfg.MQTT.QoS))
		if startErr := uplink.Start(); startErr != nil {
			return fmt.Errorf("starting MQTT uplink: %w", startErr)
		}
		defer func() {
			if stopErr := uplink.Stop(); stopErr != nil {
				log.Warn("error stopping MQTT uplink", "error", stopErr)
			}
		}()
		log.Info("MQTT uplink subscribed", "filter", uplink.Filter())
	}

	// HTTP API
	server, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Node:     cfg.Node.ID,
		Logger:   log,
		Bus:      b,
		Codecs:   codecs,
		Producer: prod,
		Gateway:  gw,
		Failures: failures,
		Gatherer: reg,
		Checks:   healthChecks(db, clients),
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order: API, MQTT uplink,
	// affinity store, bus, infrastructure clients, database.
	return nil
}

// getConfigPath returns the configuration file path.
// Uses DEVICEBUS_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("DEVICEBUS_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// connectInfra opens every enabled infrastructure client.
//
// The returned cleanup closes whatever was opened, in reverse order, and is
// safe to call when connectInfra fails part-way.
func connectInfra(ctx context.Context, cfg *config.Config, log *logging.Logger) (*infra, func(), error) {
	clients := &infra{}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.MQTT.Enabled {
		c, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			return clients, cleanup, fmt.Errorf("connecting to MQTT: %w", err)
		}
		c.SetLogger(log)
		c.SetOnConnect(func() { log.Info("MQTT reconnected") })
		c.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		clients.mqtt = c
		closers = append(closers, func() {
			log.Info("disconnecting from MQTT")
			if err := c.Close(); err != nil {
				log.Error("error closing MQTT", "error", err)
			}
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	}

	if cfg.NATS.Enabled {
		c, err := natsclient.Connect(ctx, cfg.NATS)
		if err != nil {
			return clients, cleanup, fmt.Errorf("connecting to NATS: %w", err)
		}
		c.SetLogger(log)
		clients.nats = c
		closers = append(closers, func() {
			log.Info("draining NATS connection")
			closeCtx, cancel := context.WithTimeout(context.Background(), cfg.NATS.DrainTimeout)
			defer cancel()
			if err := c.Close(closeCtx); err != nil {
				log.Error("error closing NATS", "error", err)
			}
		})
		log.Info("NATS connected", "url", cfg.NATS.URL)
	}

	if cfg.Redis.Enabled {
		c, err := redisclient.Connect(ctx, cfg.Redis)
		if err != nil {
			return clients, cleanup, fmt.Errorf("connecting to Redis: %w", err)
		}
		clients.redis = c
		closers = append(closers, func() {
			if err := c.Close(); err != nil {
				log.Error("error closing Redis", "error", err)
			}
		})
		log.Info("Redis connected", "addr", cfg.Redis.Addr)
	}

	if cfg.InfluxDB.Enabled {
		c, err := influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return clients, cleanup, fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		clients.influx = c
		closers = append(closers, func() {
			log.Info("closing InfluxDB connection")
			if err := c.Close(); err != nil {
				log.Error("error closing InfluxDB", "error", err)
			}
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	}

	return clients, cleanup, nil
}

// openBus builds the configured bus backend.
func openBus(cfg *config.Config, clients *infra, log *logging.Logger, reg prometheus.Registerer) (bus.Bus, error) {
	opts := bus.Options{
		QueueSize:   cfg.Bus.QueueSize,
		PostTimeout: cfg.Bus.PostTimeout,
		Logger:      log,
		Metrics:     bus.NewMetrics(reg),
	}

	switch cfg.Bus.Backend {
	case config.BusNATS:
		if clients.nats == nil {
			return nil, fmt.Errorf("bus backend nats: NATS is not connected")
		}
		log.Info("bus backend: nats", "prefix", cfg.NATS.SubjectPrefix)
		return bus.NewCluster(bus.NewNATSBridge(clients.nats, cfg.NATS.SubjectPrefix), cfg.Node.ID, opts), nil
	case config.BusMQTT:
		if clients.mqtt == nil {
			return nil, fmt.Errorf("bus backend mqtt: MQTT is not connected")
		}
		log.Info("bus backend: mqtt", "prefix", cfg.MQTT.BusPrefix)
		return bus.NewCluster(bus.NewMQTTBridge(clients.mqtt, cfg.MQTT.BusPrefix, byte(cfg.MQTT.QoS)), cfg.Node.ID, opts), nil
	default:
		log.Info("bus backend: local")
		return bus.NewLocal(opts), nil
	}
}

// openAffinity builds the configured gateway affinity store.
func openAffinity(cfg *config.Config, clients *infra) affinity.Store {
	if cfg.Affinity.Backend == config.AffinityRedis && clients.redis != nil {
		return affinity.NewRedisStore(clients.redis.Redis(), cfg.Affinity.KeyPrefix, cfg.Affinity.TTL)
	}
	return affinity.NewMemoryStore(affinity.MemoryOptions{
		TTL:           cfg.Affinity.TTL,
		SweepInterval: cfg.Affinity.SweepInterval,
	})
}

// ingestWriter selects the time-series backend.
func ingestWriter(cfg *config.Config, db *database.DB, clients *infra) ingest.Writer {
	if cfg.Ingest.Backend == config.IngestInfluxDB && clients.influx != nil {
		return ingest.NewInfluxWriter(clients.influx)
	}
	return ingest.NewSQLiteWriter(db.DB)
}

// healthChecks lists the components reported by /api/v1/health.
func healthChecks(db *database.DB, clients *infra) map[string]api.HealthChecker {
	checks := map[string]api.HealthChecker{"database": db}
	if clients.mqtt != nil {
		checks["mqtt"] = clients.mqtt
	}
	if clients.nats != nil {
		checks["nats"] = clients.nats
	}
	if clients.redis != nil {
		checks["redis"] = clients.redis
	}
	if clients.influx != nil {
		checks["influxdb"] = clients.influx
	}
	return checks
}

// offlineTransport stands in for the device transport on nodes without
// MQTT. Devices on such nodes only speak HTTP, which has no push channel.
type offlineTransport struct{}

func (offlineTransport) Send(_ context.Context, topic string, _ []byte) error {
	return fmt.Errorf("%w: no device transport for %s", message.ErrDeviceOffline, topic)
}
