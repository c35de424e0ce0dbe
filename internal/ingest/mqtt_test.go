package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presencewatch/internal/config"
	"presencewatch/internal/model"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type recordingPublisher struct {
	topics   []string
	payloads [][]byte
	err      error
}

func (p *recordingPublisher) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload.([]byte))
	return doneToken{err: p.err}
}

func TestMQTTControlPublishesCommands(t *testing.T) {
	pub := &recordingPublisher{}
	c := &MQTTControl{client: pub, topic: ControlTopic("presence/"), qos: 1}
	region := model.Region{ID: "home", UUID: targetUUID}

	require.NoError(t, c.StartMonitoring(region))
	require.NoError(t, c.StartCollecting(region))
	require.NoError(t, c.StopCollecting(region))

	assert.Equal(t, []string{"presence/control", "presence/control", "presence/control"}, pub.topics)
	var commands []string
	for _, p := range pub.payloads {
		var cmd ControlCommand
		require.NoError(t, json.Unmarshal(p, &cmd))
		assert.Equal(t, targetUUID, cmd.UUID)
		commands = append(commands, cmd.Command)
	}
	assert.Equal(t, []string{"monitor", "start", "stop"}, commands)
}

func TestMQTTControlReportsPublishError(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("not connected")}
	c := &MQTTControl{client: pub, topic: "presence/control"}
	assert.ErrorContains(t, c.StartCollecting(model.Region{}), "not connected")
}

func TestHandleMQTTPayload(t *testing.T) {
	out := make(chan model.Event, 8)
	cfg := config.NewStaticManager(config.DefaultConfig())
	payload := `[{"kind":"enter"},{"kind":"sample","uuid":"` + targetUUID + `","rssi":-58}]`
	require.NoError(t, handleMQTTPayload(context.Background(), []byte(payload), cfg, out, nil))
	require.NoError(t, handleMQTTPayload(context.Background(), []byte("exit region=home\n"), cfg, out, nil))

	events := drain(out)
	require.Len(t, events, 3)
	assert.Equal(t, model.EventEnterRegion, events[0].Kind)
	assert.Equal(t, model.EventSample, events[1].Kind)
	assert.Equal(t, model.EventExitRegion, events[2].Kind)
	assert.Equal(t, "mqtt", events[2].Source)
	assert.Equal(t, "presence/events", EventsTopic("presence"))
}
