package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"presencewatch/internal/config"
	"presencewatch/internal/model"
)

const mqttTimeout = 5 * time.Second

// NewMQTTClient connects to the broker gateways publish to.
func NewMQTTClient(cfg config.MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(mqttTimeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttTimeout) {
		return nil, fmt.Errorf("connect to mqtt broker %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", cfg.Broker, err)
	}
	return client, nil
}

func EventsTopic(prefix string) string  { return strings.TrimSuffix(prefix, "/") + "/events" }
func ControlTopic(prefix string) string { return strings.TrimSuffix(prefix, "/") + "/control" }

// StartMQTT subscribes to the gateway event topic. Each message may carry
// one event or several lines.
func StartMQTT(ctx context.Context, client mqtt.Client, cfg *config.Manager, out chan<- model.Event, logger *slog.Logger) error {
	current := cfg.Get().Ingest.MQTT
	topic := EventsTopic(current.TopicPrefix)
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		if err := handleMQTTPayload(ctx, msg.Payload(), cfg, out, logger); err != nil && logger != nil {
			logger.Warn("mqtt payload error", "topic", msg.Topic(), "err", err)
		}
	}
	token := client.Subscribe(topic, current.QoS, handler)
	if !token.WaitTimeout(mqttTimeout) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	if logger != nil {
		logger.Info("mqtt ingest enabled", "broker", current.Broker, "topic", topic)
	}
	go func() {
		<-ctx.Done()
		client.Unsubscribe(topic).WaitTimeout(time.Second)
	}()
	return nil
}

func handleMQTTPayload(ctx context.Context, payload []byte, cfg *config.Manager, out chan<- model.Event, logger *slog.Logger) error {
	trim := bytes.TrimSpace(payload)
	if len(trim) > 0 && trim[0] == '[' {
		var list []map[string]interface{}
		if err := json.Unmarshal(trim, &list); err != nil {
			return err
		}
		for _, obj := range list {
			b, _ := json.Marshal(obj)
			forwardLine(ctx, string(b), "mqtt", cfg, NewParser(), out, logger)
		}
		return nil
	}
	return scanLines(ctx, bytes.NewReader(trim), "mqtt", cfg, NewParser(), out, logger)
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// ControlCommand is what MQTTControl publishes for the gateways.
type ControlCommand struct {
	Command string `json:"command"`
	Region  string `json:"region"`
	UUID    string `json:"uuid"`
}

// MQTTControl asks remote gateways to start or stop ranging.
type MQTTControl struct {
	client publisher
	topic  string
	qos    byte
}

func NewMQTTControl(client mqtt.Client, cfg config.MQTTConfig) *MQTTControl {
	return &MQTTControl{client: client, topic: ControlTopic(cfg.TopicPrefix), qos: cfg.QoS}
}

func (c *MQTTControl) StartMonitoring(region model.Region) error {
	return c.publish("monitor", region)
}

func (c *MQTTControl) StartCollecting(region model.Region) error {
	return c.publish("start", region)
}

func (c *MQTTControl) StopCollecting(region model.Region) error {
	return c.publish("stop", region)
}

func (c *MQTTControl) publish(command string, region model.Region) error {
	payload, err := json.Marshal(ControlCommand{Command: command, Region: region.ID, UUID: region.UUID})
	if err != nil {
		return err
	}
	token := c.client.Publish(c.topic, c.qos, false, payload)
	if !token.WaitTimeout(mqttTimeout) {
		return fmt.Errorf("publish %s to %s: timeout", command, c.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", command, c.topic, err)
	}
	return nil
}
