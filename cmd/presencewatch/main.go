package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-redis/redis/v8"

	"presencewatch/internal/api"
	"presencewatch/internal/config"
	"presencewatch/internal/engine"
	"presencewatch/internal/feed"
	"presencewatch/internal/ingest"
	"presencewatch/internal/logging"
	"presencewatch/internal/metrics"
	"presencewatch/internal/model"
	"presencewatch/internal/sink"
	"presencewatch/internal/storage"
	"presencewatch/internal/timeline"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "presencewatch.yaml", "path to YAML or JSON config")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfgManager, err := loadConfig(*configPath)
	if err != nil {
		bootstrap.Error("config load failed", "path", *configPath, "err", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfgManager, logger); err != nil {
		logger.Error("service terminated", "err", err)
		os.Exit(1)
	}
	logger.Info("service stopped")
}

// loadConfig falls back to built-in defaults when the file does not exist.
func loadConfig(path string) (*config.Manager, error) {
	resolved := config.ResolvePath(path)
	if _, err := os.Stat(resolved); errors.Is(err, os.ErrNotExist) {
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	return config.NewManager(resolved)
}

func run(ctx context.Context, cfgManager *config.Manager, logger *slog.Logger) error {
	cfg := cfgManager.Get()
	logger.Info("service boot",
		"version", version,
		"config_path", cfgManager.Path(),
		"region", cfg.Region.Identifier,
		"target_uuid", cfg.Region.TargetUUID,
		"window", cfg.Ranging.Window.String(),
	)

	var store storage.Store
	if cfg.Storage.Enabled {
		s, err := storage.NewStore(cfg.Storage)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		if err := s.Init(ctx); err != nil {
			_ = s.Close()
			return fmt.Errorf("init storage: %w", err)
		}
		defer s.Close()
		store = s
	}

	var redisClient *redis.Client
	if cfg.Sink.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Sink.Redis.Addr,
			Password: cfg.Sink.Redis.Password,
			DB:       cfg.Sink.Redis.DB,
		})
		defer redisClient.Close()
	}

	writers, closeWriters := buildWriters(cfg, store, redisClient)
	defer closeWriters()
	if len(writers) == 0 {
		logger.Warn("no sink configured, observations are kept in memory only")
	}

	// The dispatcher outlives ctx so the queue can flush after the
	// engine is disconnected.
	sinkCtx, stopSink := context.WithCancel(context.Background())
	defer stopSink()
	dispatcher := sink.NewDispatcher(cfg.Sink.QueueSize, cfg.Sink.WriteTimeout, logger, writers...)
	dispatcher.Start(sinkCtx)

	events := make(chan model.Event, cfg.Ingest.ChannelBuffer)

	var rangers ingest.Rangers
	var mqttClient mqtt.Client
	if cfg.Ingest.MQTT.Enabled {
		client, err := ingest.NewMQTTClient(cfg.Ingest.MQTT)
		if err != nil {
			logger.Error("mqtt connect failed", "broker", cfg.Ingest.MQTT.Broker, "err", err)
		} else {
			mqttClient = client
			defer client.Disconnect(250)
			if cfg.Ingest.MQTT.Control {
				rangers = append(rangers, ingest.NewMQTTControl(client, cfg.Ingest.MQTT))
			}
		}
	}
	var scanner *ingest.BLEScanner
	if cfg.Ingest.BLE.Enabled {
		scanner = ingest.NewBLEScanner(events, cfg.Ranging.ExitTimeout, logger)
		scanner.Run(ctx)
		rangers = append(rangers, scanner)
	}
	var ranger engine.Ranger = ingest.PassiveRanger{}
	if len(rangers) > 0 {
		ranger = rangers
	}

	metricsStore := metrics.NewStore(cfg.Metrics.StoreLimit)
	timelineStore := timeline.NewStore(cfg.Timeline.StoreLimit)
	eng := engine.NewEngine(cfg, logger, metricsStore, timelineStore, ranger, dispatcher)
	if err := eng.Create(); err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	if err := eng.Connect(); err != nil {
		logger.Error("connect failed, waiting for region events", "err", err)
	}
	eng.Start(ctx, events)

	if cfg.Ingest.REST.Enabled {
		ingest.StartREST(ctx, cfgManager, events, logger)
	}
	if cfg.Ingest.TCPStream.Enabled {
		if _, err := ingest.StartTCPStream(ctx, cfgManager, events, logger); err != nil {
			logger.Error("tcp stream ingest failed", "addr", cfg.Ingest.TCPStream.Addr, "err", err)
		}
	}
	if cfg.Ingest.FileTail.Enabled {
		ingest.StartFileTail(ctx, cfgManager, events, logger)
	}
	if cfg.Ingest.Serial.Enabled {
		ingest.StartSerial(ctx, cfgManager, events, logger)
	}
	if cfg.Ingest.Kafka.Enabled {
		ingest.StartKafka(ctx, cfgManager, events, logger)
	}
	if mqttClient != nil {
		if err := ingest.StartMQTT(ctx, mqttClient, cfgManager, events, logger); err != nil {
			logger.Error("mqtt subscribe failed", "err", err)
		}
	}

	var listener *feed.Listener
	if cfg.Feed.Enabled {
		source, err := feedSource(cfg, store, redisClient)
		if err != nil {
			logger.Error("feed disabled", "err", err)
		} else {
			listener = feed.NewListener(source, feed.NewTracker(), cfg.Feed.PollInterval, cfg.Feed.Batch, logger)
			go listener.Run(ctx)
		}
	}

	deps := api.Deps{
		Config:   cfgManager,
		Metrics:  metricsStore,
		Timeline: timelineStore,
		Engine:   eng,
		Feed:     listener,
		Store:    store,
		Sink:     dispatcher,
		Logger:   logger,
		Version:  version,
	}
	api.Start(ctx, deps)

	stopWatch := make(chan struct{})
	go cfgManager.Watch(3*time.Second, func(next *config.Config) {
		logger.Info("config reloaded", "path", cfgManager.Path())
		eng.UpdateConfig(next)
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	}, stopWatch)

	<-ctx.Done()
	close(stopWatch)
	logger.Info("shutting down")

	if err := eng.Disconnect(); err != nil && !errors.Is(err, engine.ErrInvalidPhase) {
		logger.Warn("disconnect failed", "err", err)
	}
	stopSink()
	select {
	case <-dispatcher.Done():
	case <-time.After(cfg.Sink.WriteTimeout + time.Second):
		logger.Warn("sink flush timed out", "stats", dispatcher.Stats())
	}
	return nil
}

func buildWriters(cfg *config.Config, store storage.Store, redisClient *redis.Client) ([]sink.Writer, func()) {
	var writers []sink.Writer
	var closers []func() error
	if cfg.Sink.Storage && store != nil {
		writers = append(writers, sink.StorageWriter{Store: store})
	}
	if redisClient != nil {
		writers = append(writers, sink.NewRedisWriter(redisClient, cfg.Sink.Redis.Stream, cfg.Sink.Redis.MaxLen))
	}
	if cfg.Sink.Kafka.Enabled {
		w := sink.NewKafkaWriter(cfg.Sink.Kafka.Brokers, cfg.Sink.Kafka.Topic)
		writers = append(writers, w)
		closers = append(closers, w.Close)
	}
	if cfg.Sink.Document.Enabled {
		writers = append(writers, sink.NewDocumentWriter(cfg.Sink.Document))
	}
	return writers, func() {
		for _, c := range closers {
			_ = c()
		}
	}
}

func feedSource(cfg *config.Config, store storage.Store, redisClient *redis.Client) (feed.Source, error) {
	switch cfg.Feed.Source {
	case "redis":
		if redisClient == nil {
			return nil, errors.New("feed.source redis requires sink.redis")
		}
		return feed.RedisSource{Client: redisClient, Stream: cfg.Sink.Redis.Stream}, nil
	default:
		if store == nil {
			return nil, errors.New("feed.source storage requires storage")
		}
		return feed.StorageSource{Store: store}, nil
	}
}
