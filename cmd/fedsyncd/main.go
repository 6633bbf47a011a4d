package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/absmach/fedsync"
	"github.com/absmach/fedsync/node"
	"github.com/absmach/fedsync/node/api"
	"github.com/absmach/fedsync/node/middleware"
	"github.com/absmach/fedsync/pkg/model/linear"
	"github.com/absmach/fedsync/pkg/mqtt"
	"github.com/absmach/fedsync/pkg/pending"
	"github.com/absmach/fedsync/pkg/sdk"
	"github.com/absmach/fedsync/pkg/sender"
	"github.com/absmach/fedsync/pkg/storage"
	"github.com/absmach/supermq/pkg/jaeger"
	smqprom "github.com/absmach/supermq/pkg/prometheus"
	"github.com/absmach/supermq/pkg/server"
	httpserver "github.com/absmach/supermq/pkg/server/http"
	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

const (
	svcName        = "fedsyncd"
	defHTTPPort    = "7070"
	envPrefix      = "FEDSYNC_"
	envPrefixHTTP  = "FEDSYNC_HTTP_"
	envPrefixModel = "FEDSYNC_MODEL_"
	envPrefixMQTT  = "FEDSYNC_MQTT_"
	pathEnv        = ".env"

	transportHTTP = "http"
	transportMQTT = "mqtt"

	drainPoll = 100 * time.Millisecond
)

type envConfig struct {
	LogLevel       string        `env:"FEDSYNC_LOG_LEVEL"       envDefault:"info"`
	InstanceID     string        `env:"FEDSYNC_INSTANCE_ID"`
	ConfigPath     string        `env:"FEDSYNC_CONFIG"          envDefault:"fedsync.toml"`
	Transport      string        `env:"FEDSYNC_TRANSPORT"       envDefault:"http"`
	AdmissionRatio float64       `env:"FEDSYNC_ADMISSION_RATIO" envDefault:"4"`
	OutboxCapacity int           `env:"FEDSYNC_OUTBOX_CAPACITY" envDefault:"1000"`
	SendTimeout    time.Duration `env:"FEDSYNC_SEND_TIMEOUT"    envDefault:"10s"`
	CBOR           bool          `env:"FEDSYNC_CBOR"            envDefault:"false"`
	DrainTimeout   time.Duration `env:"FEDSYNC_DRAIN_TIMEOUT"   envDefault:"30s"`
	OTELURL        url.URL       `env:"FEDSYNC_OTEL_URL"`
	TraceRatio     float64       `env:"FEDSYNC_TRACE_RATIO"     envDefault:"0"`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	if _, err := os.Stat(pathEnv); err == nil {
		_ = godotenv.Load(pathEnv)
	}

	cfg := envConfig{}
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to load configuration : %s", err.Error())
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Fatalf("failed to parse log level: %s", err.Error())
	}
	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	fileCfg, err := fedsync.LoadConfig(cfg.ConfigPath)
	if err != nil {
		logger.Error("failed to load topology", slog.String("path", cfg.ConfigPath), slog.Any("error", err))

		return
	}
	topology, err := fileCfg.Topology()
	if err != nil {
		logger.Error("invalid topology", slog.Any("error", err))

		return
	}
	logger = logger.With(slog.String("node_id", topology.Self), slog.String("role", topology.Role().String()))

	coordCfg := node.Config{}
	if err := env.ParseWithOptions(&coordCfg, env.Options{Prefix: envPrefix}); err != nil {
		logger.Error("failed to load coordinator configuration", slog.Any("error", err))

		return
	}
	if err := coordCfg.Validate(); err != nil {
		logger.Error("invalid coordinator configuration", slog.Any("error", err))

		return
	}
	if err := pending.ValidateRatio(cfg.AdmissionRatio); err != nil {
		logger.Error("invalid admission ratio", slog.Any("error", err))

		return
	}
	modelCfg := linear.Config{}
	if err := env.ParseWithOptions(&modelCfg, env.Options{Prefix: envPrefixModel}); err != nil {
		logger.Error("failed to load model configuration", slog.Any("error", err))

		return
	}
	storageCfg := storage.Config{}
	if err := env.Parse(&storageCfg); err != nil {
		logger.Error("failed to load storage configuration", slog.Any("error", err))

		return
	}

	var tp trace.TracerProvider
	switch {
	case cfg.OTELURL == (url.URL{}):
		tp = noop.NewTracerProvider()
	default:
		sdktp, err := jaeger.NewProvider(ctx, svcName, cfg.OTELURL, cfg.InstanceID, cfg.TraceRatio)
		if err != nil {
			logger.Error("failed to initialize opentelemetry", slog.String("error", err.Error()))

			return
		}
		defer func() {
			if err := sdktp.Shutdown(context.Background()); err != nil {
				logger.Error("error shutting down tracer provider", slog.Any("error", err))
			}
		}()
		tp = sdktp
	}
	tracer := tp.Tracer(svcName)

	repos, err := storage.NewRepositories(storageCfg)
	if err != nil {
		logger.Error("failed to initialize storage", slog.String("type", storageCfg.Type), slog.Any("error", err))

		return
	}
	if repos.Closer != nil {
		defer repos.Closer.Close()
	}

	lr, err := linear.New(modelCfg)
	if err != nil {
		logger.Error("failed to initialize model", slog.Any("error", err))

		return
	}

	pendingMetrics := pending.NewMetrics("fedsync")
	senderMetrics := sender.NewMetrics("fedsync")
	prometheus.MustRegister(append(pendingMetrics.Collectors(), senderMetrics.Collectors()...)...)

	registry := pending.New(cfg.AdmissionRatio, pending.WithMetrics(pendingMetrics))
	if err := registry.Setup(topology.Self, topology.PeerIDs(), topology.Leader); err != nil {
		logger.Error("failed to set up registry", slog.Any("error", err))

		return
	}

	var (
		transport sender.Transport
		pubsub    mqtt.PubSub
		mqttCfg   mqtt.Config
	)
	switch cfg.Transport {
	case transportHTTP:
		transport = sdk.NewSDK(sdk.Config{Timeout: cfg.SendTimeout, CBOR: cfg.CBOR})
	case transportMQTT:
		if err := env.ParseWithOptions(&mqttCfg, env.Options{Prefix: envPrefixMQTT}); err != nil {
			logger.Error("failed to load mqtt configuration", slog.Any("error", err))

			return
		}
		pubsub, err = mqtt.NewPubSub(mqttCfg, topology.Self, logger)
		if err != nil {
			logger.Error("failed to initialize mqtt pubsub", slog.String("error", err.Error()))

			return
		}
		defer func() {
			if err := pubsub.Disconnect(context.Background()); err != nil {
				logger.Warn("failed to disconnect from mqtt broker", slog.Any("error", err))
			}
		}()
		transport = mqtt.NewTransport(pubsub, mqttCfg.Fleet)
	default:
		logger.Error("unsupported transport", slog.String("transport", cfg.Transport))

		return
	}

	snd := sender.New(transport, logger, sender.WithCapacity(cfg.OutboxCapacity), sender.WithMetrics(senderMetrics))
	if err := snd.Setup(topology.Self, topology.PeerIDs(), topology.Leaders); err != nil {
		logger.Error("failed to set up sender", slog.Any("error", err))

		return
	}
	for _, p := range topology.Peers {
		if p.Delay > 0 {
			snd.SetDelay(p.ID, p.Delay)
		}
	}

	coordinator := node.NewCoordinator(coordCfg, topology, lr, registry, snd, repos.Checkpoints, logger)

	svc := node.NewService(topology, registry, coordinator, snd)
	svc = middleware.Logging(logger, svc)
	svc = middleware.Tracing(tracer, svc)
	counter, latency := smqprom.MakeMetrics(svcName, "api")
	svc = middleware.Metrics(counter, latency, svc)

	if pubsub != nil {
		if err := mqtt.Subscribe(ctx, pubsub, mqttCfg.Fleet, topology.Self, svc); err != nil {
			logger.Error("failed to subscribe to node topics", slog.String("error", err.Error()))

			return
		}
	}

	httpServerConfig := server.Config{Port: defHTTPPort}
	if err := env.ParseWithOptions(&httpServerConfig, env.Options{Prefix: envPrefixHTTP}); err != nil {
		logger.Error(fmt.Sprintf("failed to load %s HTTP server configuration : %s", svcName, err.Error()))

		return
	}

	hs := httpserver.NewServer(ctx, cancel, svcName, httpServerConfig, api.MakeHandler(svc, logger, svcName, cfg.InstanceID), logger)

	senderCtx, cancelSender := context.WithCancel(context.Background())
	defer cancelSender()

	g.Go(func() error {
		return snd.Run(senderCtx)
	})

	g.Go(func() error {
		defer cancel()
		defer cancelSender()

		err := coordinator.Run(ctx)
		waitForOutbox(snd, cfg.DrainTimeout, logger)
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	})

	g.Go(func() error {
		return hs.Start()
	})

	g.Go(func() error {
		return server.StopSignalHandler(ctx, cancel, logger, svcName, hs)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("%s service exited with error: %s", svcName, err))
	}
}

// waitForOutbox gives queued messages, such as a final close broadcast, a
// chance to leave before the sender stops.
func waitForOutbox(snd *sender.Sender, timeout time.Duration, logger *slog.Logger) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		left := 0
		for _, n := range snd.Pending() {
			left += n
		}
		if left == 0 {
			return
		}
		time.Sleep(drainPoll)
	}
	logger.Warn("outbox not drained before shutdown", slog.Any("pending", snd.Pending()))
}
