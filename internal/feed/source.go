package feed

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"presencewatch/internal/model"
	"presencewatch/internal/storage"
)

// Source yields persisted observations after a cursor in assigned-time
// order. An empty cursor starts from the beginning.
type Source interface {
	Next(ctx context.Context, cursor string, limit int) ([]model.Observation, string, error)
}

type StorageSource struct {
	Store storage.Store
}

func (s StorageSource) Next(ctx context.Context, cursor string, limit int) ([]model.Observation, string, error) {
	var after int64
	if cursor != "" {
		v, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, cursor, fmt.Errorf("storage cursor %q: %w", cursor, err)
		}
		after = v
	}
	list, err := s.Store.ListObservations(ctx, storage.Query{AfterID: after, Limit: limit})
	if err != nil {
		return nil, cursor, err
	}
	for _, obs := range list {
		id, _ := strconv.ParseInt(obs.ID, 10, 64)
		if id > after {
			after = id
		}
	}
	if after > 0 {
		cursor = strconv.FormatInt(after, 10)
	}
	return list, cursor, nil
}

// RedisSource reads the stream written by the Redis sink. Entry ids are
// "<ms>-<seq>" and give the server-assigned time.
type RedisSource struct {
	Client *redis.Client
	Stream string
}

func (s RedisSource) Next(ctx context.Context, cursor string, limit int) ([]model.Observation, string, error) {
	start := "-"
	if cursor != "" {
		start = cursor
	}
	count := int64(limit)
	if count <= 0 {
		count = 100
	}
	// the start bound is inclusive; fetch one extra to make up for the cursor entry.
	msgs, err := s.Client.XRangeN(ctx, s.Stream, start, "+", count+1).Result()
	if err != nil {
		return nil, cursor, err
	}
	out := make([]model.Observation, 0, len(msgs))
	for _, msg := range msgs {
		if msg.ID == cursor {
			continue
		}
		if int64(len(out)) == count {
			break
		}
		cursor = msg.ID
		obs, ok := observationFromStream(msg)
		if !ok {
			continue
		}
		out = append(out, obs)
	}
	return out, cursor, nil
}

func observationFromStream(msg redis.XMessage) (model.Observation, bool) {
	ts, ok := StreamIDTime(msg.ID)
	if !ok {
		return model.Observation{}, false
	}
	obs := model.Observation{ID: msg.ID, Time: ts}
	obs.UUID, _ = msg.Values["uuid"].(string)
	state, _ := msg.Values["state"].(string)
	obs.State = model.PresenceState(state)
	if sd, ok := msg.Values["sd"].(string); ok {
		obs.SD, _ = strconv.ParseFloat(sd, 64)
	}
	return obs, true
}

// StreamIDTime extracts the millisecond time part of a stream entry id.
func StreamIDTime(id string) (time.Time, bool) {
	ms, _, found := strings.Cut(id, "-")
	if !found {
		return time.Time{}, false
	}
	v, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(v).UTC(), true
}
