package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	DefaultTargetUUID = "2edb0100-022a-468c-a7cc-d3e066206d59"
	DefaultWindow     = 10 * time.Second
)

type Config struct {
	LogLevel  string         `json:"log_level" yaml:"log_level"`
	LogFormat string         `json:"log_format" yaml:"log_format"`
	Region    RegionConfig   `json:"region" yaml:"region"`
	Ranging   RangingConfig  `json:"ranging" yaml:"ranging"`
	Ingest    IngestConfig   `json:"ingest" yaml:"ingest"`
	Sink      SinkConfig     `json:"sink" yaml:"sink"`
	Storage   StorageConfig  `json:"storage" yaml:"storage"`
	Feed      FeedConfig     `json:"feed" yaml:"feed"`
	API       APIConfig      `json:"api" yaml:"api"`
	Metrics   MetricsConfig  `json:"metrics" yaml:"metrics"`
	Timeline  TimelineConfig `json:"timeline" yaml:"timeline"`
}

type RegionConfig struct {
	Identifier string   `json:"identifier" yaml:"identifier"`
	TargetUUID string   `json:"target_uuid" yaml:"target_uuid"`
	Majors     []int    `json:"majors" yaml:"majors"`
	Minors     []int    `json:"minors" yaml:"minors"`
	Blocked    []string `json:"blocked" yaml:"blocked"`
}

type RangingConfig struct {
	Window       time.Duration `json:"window" yaml:"window"`
	DedupeWindow time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
	ExitTimeout  time.Duration `json:"exit_timeout" yaml:"exit_timeout"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	FileTail      FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	Serial        SerialConfig    `json:"serial" yaml:"serial"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
	MQTT          MQTTConfig      `json:"mqtt" yaml:"mqtt"`
	BLE           BLEConfig       `json:"ble" yaml:"ble"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type SerialConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Port     string `json:"port" yaml:"port"`
	BaudRate int    `json:"baud_rate" yaml:"baud_rate"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type MQTTConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Broker      string `json:"broker" yaml:"broker"`
	ClientID    string `json:"client_id" yaml:"client_id"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`
	QoS         byte   `json:"qos" yaml:"qos"`
	Control     bool   `json:"control" yaml:"control"`
}

type BLEConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

type SinkConfig struct {
	QueueSize    int                `json:"queue_size" yaml:"queue_size"`
	WriteTimeout time.Duration      `json:"write_timeout" yaml:"write_timeout"`
	Storage      bool               `json:"storage" yaml:"storage"`
	Redis        RedisSinkConfig    `json:"redis" yaml:"redis"`
	Kafka        KafkaSinkConfig    `json:"kafka" yaml:"kafka"`
	Document     DocumentSinkConfig `json:"document" yaml:"document"`
}

type RedisSinkConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Stream   string `json:"stream" yaml:"stream"`
	MaxLen   int64  `json:"max_len" yaml:"max_len"`
}

type KafkaSinkConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type DocumentSinkConfig struct {
	Enabled    bool          `json:"enabled" yaml:"enabled"`
	BaseURL    string        `json:"base_url" yaml:"base_url"`
	Project    string        `json:"project" yaml:"project"`
	Collection string        `json:"collection" yaml:"collection"`
	Token      string        `json:"token" yaml:"token"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type FeedConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	Source       string        `json:"source" yaml:"source"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	Batch        int           `json:"batch" yaml:"batch"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type MetricsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type TimelineConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Region: RegionConfig{
			Identifier: "home",
			TargetUUID: DefaultTargetUUID,
		},
		Ranging: RangingConfig{
			Window:       DefaultWindow,
			DedupeWindow: 2 * time.Second,
			ExitTimeout:  10 * time.Second,
		},
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
			Serial:        SerialConfig{Enabled: false, BaudRate: 115200},
			Kafka:         KafkaConfig{Enabled: false},
			MQTT:          MQTTConfig{Enabled: false, ClientID: "presencewatch", TopicPrefix: "presence", QoS: 1},
			BLE:           BLEConfig{Enabled: false},
		},
		Sink: SinkConfig{
			QueueSize:    1024,
			WriteTimeout: 5 * time.Second,
			Storage:      true,
			Redis:        RedisSinkConfig{Enabled: false, Addr: "localhost:6379", Stream: "ibeacon"},
			Kafka:        KafkaSinkConfig{Enabled: false, Topic: "ibeacon"},
			Document:     DocumentSinkConfig{Enabled: false, BaseURL: "https://firestore.googleapis.com", Collection: "ibeacon", Timeout: 10 * time.Second},
		},
		Storage:  StorageConfig{Enabled: true, Driver: "sqlite", DSN: "file:presencewatch.db?_pragma=busy_timeout(5000)"},
		Feed:     FeedConfig{Enabled: true, Source: "storage", PollInterval: 2 * time.Second, Batch: 200},
		API:      APIConfig{Enabled: true, Addr: ":8081"},
		Metrics:  MetricsConfig{StoreLimit: 1000},
		Timeline: TimelineConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Region.Identifier == "" {
		cfg.Region.Identifier = "home"
	}
	if cfg.Region.TargetUUID == "" {
		cfg.Region.TargetUUID = DefaultTargetUUID
	}
	if id, err := uuid.Parse(cfg.Region.TargetUUID); err == nil {
		cfg.Region.TargetUUID = id.String()
	}
	if cfg.Ranging.Window <= 0 {
		cfg.Ranging.Window = DefaultWindow
	}
	if cfg.Ranging.ExitTimeout <= 0 {
		cfg.Ranging.ExitTimeout = 10 * time.Second
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
	if cfg.Ingest.Serial.BaudRate <= 0 {
		cfg.Ingest.Serial.BaudRate = 115200
	}
	if cfg.Ingest.MQTT.TopicPrefix == "" {
		cfg.Ingest.MQTT.TopicPrefix = "presence"
	}
	if cfg.Sink.QueueSize <= 0 {
		cfg.Sink.QueueSize = 1024
	}
	if cfg.Sink.WriteTimeout <= 0 {
		cfg.Sink.WriteTimeout = 5 * time.Second
	}
	if cfg.Sink.Redis.Stream == "" {
		cfg.Sink.Redis.Stream = "ibeacon"
	}
	if cfg.Sink.Document.Collection == "" {
		cfg.Sink.Document.Collection = "ibeacon"
	}
	if cfg.Feed.Source == "" {
		cfg.Feed.Source = "storage"
	}
	if cfg.Feed.PollInterval <= 0 {
		cfg.Feed.PollInterval = 2 * time.Second
	}
	if cfg.Feed.Batch <= 0 {
		cfg.Feed.Batch = 200
	}
	if cfg.Metrics.StoreLimit <= 0 {
		cfg.Metrics.StoreLimit = 1000
	}
	if cfg.Timeline.StoreLimit <= 0 {
		cfg.Timeline.StoreLimit = 1000
	}
}

func Validate(cfg *Config) error {
	if _, err := uuid.Parse(cfg.Region.TargetUUID); err != nil {
		return fmt.Errorf("region.target_uuid: %w", err)
	}
	if cfg.Ranging.Window <= 0 {
		return errors.New("ranging.window must be > 0")
	}
	if cfg.Ranging.DedupeWindow < 0 {
		return errors.New("ranging.dedupe_window must be >= 0")
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Serial.Enabled && cfg.Ingest.Serial.Port == "" {
		return errors.New("ingest.serial.port required when ingest.serial.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Ingest.MQTT.Enabled && cfg.Ingest.MQTT.Broker == "" {
		return errors.New("ingest.mqtt.broker required when ingest.mqtt.enabled is true")
	}
	if cfg.Ingest.MQTT.QoS > 2 {
		return errors.New("ingest.mqtt.qos must be 0, 1 or 2")
	}
	if cfg.Sink.Redis.Enabled && cfg.Sink.Redis.Addr == "" {
		return errors.New("sink.redis.addr required when sink.redis.enabled is true")
	}
	if cfg.Sink.Kafka.Enabled && (len(cfg.Sink.Kafka.Brokers) == 0 || cfg.Sink.Kafka.Topic == "") {
		return errors.New("sink.kafka requires brokers and topic")
	}
	if cfg.Sink.Document.Enabled && (cfg.Sink.Document.BaseURL == "" || cfg.Sink.Document.Project == "") {
		return errors.New("sink.document requires base_url and project")
	}
	if cfg.Sink.Storage && !cfg.Storage.Enabled {
		return errors.New("sink.storage requires storage.enabled")
	}
	switch cfg.Feed.Source {
	case "storage":
		if cfg.Feed.Enabled && !cfg.Storage.Enabled {
			return errors.New("feed.source storage requires storage.enabled")
		}
	case "redis":
		if cfg.Feed.Enabled && !cfg.Sink.Redis.Enabled {
			return errors.New("feed.source redis requires sink.redis.enabled")
		}
	default:
		return fmt.Errorf("feed.source must be storage or redis, got %q", cfg.Feed.Source)
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config. Update keeps the value in
// memory when no path is set.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.path == "" {
		m.cfg.Store(cfg)
		return nil
	}
	if err := Save(m.path, cfg); err != nil {
		return err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
