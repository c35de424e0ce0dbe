package ingest

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presencewatch/internal/config"
	"presencewatch/internal/model"
)

func TestTCPStreamForwardsLines(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Ingest.TCPStream = config.TCPStreamConfig{Enabled: true, Addr: "127.0.0.1:0"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan model.Event, 4)

	addr, err := StartTCPStream(ctx, config.NewStaticManager(cfg), out, nil)
	require.NoError(t, err)
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("enter\nsample uuid=" + targetUUID + " rssi=-70 major=1 minor=1\n"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	var got []model.Event
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-out:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("received %d events", len(got))
		}
	}
	assert.Equal(t, model.EventEnterRegion, got[0].Kind)
	assert.Equal(t, -70, got[1].Sample.RSSI)
	assert.Equal(t, "tcp_stream", got[1].Source)
}

func TestTCPStreamDisabled(t *testing.T) {
	addr, err := StartTCPStream(context.Background(), config.NewStaticManager(nil), nil, nil)
	assert.NoError(t, err)
	assert.Nil(t, addr)
}
