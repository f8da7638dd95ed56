// Package store mirrors run state into Redis so that other processes and
// restarts can see what ran and keeps output paths exclusive across
// instances.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/local/bookfetch/internal/run"
)

// DefaultStatusTTL is how long a mirrored run hash survives its last
// update.
const DefaultStatusTTL = 7 * 24 * time.Hour

type RedisStatus struct {
	client *redis.Client
	keyNS  string
	ttl    time.Duration
}

// NewRedisStatus connects to redisURL and pings it once.
func NewRedisStatus(redisURL string) (*RedisStatus, error) {
	c, err := connect(redisURL)
	if err != nil {
		return nil, err
	}
	return NewRedisStatusFromClient(c), nil
}

// NewRedisStatusFromClient wraps an existing client.
func NewRedisStatusFromClient(c *redis.Client) *RedisStatus {
	return &RedisStatus{client: c, keyNS: "run", ttl: DefaultStatusTTL}
}

func connect(redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	c := redis.NewClient(opt)
	if err := c.Ping(context.Background()).Err(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (s *RedisStatus) key(runID string) string { return fmt.Sprintf("%s:%s:status", s.keyNS, runID) }

// SaveRun writes the snapshot as a hash and refreshes its expiry.
func (s *RedisStatus) SaveRun(ctx context.Context, snap run.Snapshot) error {
	k := s.key(snap.ID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, k, encodeSnapshot(snap))
	pipe.Expire(ctx, k, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Get reads a mirrored run. Result is left as raw JSON.
func (s *RedisStatus) Get(ctx context.Context, runID string) (run.Snapshot, bool, error) {
	res, err := s.client.HGetAll(ctx, s.key(runID)).Result()
	if err != nil {
		return run.Snapshot{}, false, err
	}
	if len(res) == 0 {
		return run.Snapshot{}, false, nil
	}
	return decodeSnapshot(runID, res), true, nil
}

func (s *RedisStatus) Close() error { return s.client.Close() }

// Client returns the underlying Redis client
func (s *RedisStatus) Client() *redis.Client { return s.client }

func encodeSnapshot(snap run.Snapshot) map[string]interface{} {
	m := map[string]interface{}{
		"op":      snap.Op,
		"state":   string(snap.State),
		"lock":    snap.LockKey,
		"stage":   snap.Stage,
		"done":    snap.Progress.Done,
		"total":   snap.Progress.Total,
		"events":  snap.Events,
		"error":   snap.Error,
		"code":    snap.ErrorCode,
		"created": snap.Created.Format(time.RFC3339Nano),
	}
	if snap.Started != nil {
		m["start"] = snap.Started.Format(time.RFC3339Nano)
	}
	if snap.Finished != nil {
		m["end"] = snap.Finished.Format(time.RFC3339Nano)
	}
	if snap.Params != nil {
		b, _ := json.Marshal(snap.Params)
		m["params"] = string(b)
	}
	if snap.Result != nil {
		if b, err := json.Marshal(snap.Result); err == nil {
			m["result"] = string(b)
		}
	}
	return m
}

func decodeSnapshot(id string, res map[string]string) run.Snapshot {
	snap := run.Snapshot{
		ID:        id,
		Op:        res["op"],
		State:     run.State(res["state"]),
		LockKey:   res["lock"],
		Stage:     res["stage"],
		Error:     res["error"],
		ErrorCode: res["code"],
	}
	snap.Progress.Done, _ = strconv.Atoi(res["done"])
	snap.Progress.Total, _ = strconv.Atoi(res["total"])
	snap.Events, _ = strconv.Atoi(res["events"])
	if t, err := time.Parse(time.RFC3339Nano, res["created"]); err == nil {
		snap.Created = t
	}
	if v := res["start"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			snap.Started = &t
		}
	}
	if v := res["end"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			snap.Finished = &t
		}
	}
	if v := res["params"]; v != "" {
		_ = json.Unmarshal([]byte(v), &snap.Params)
	}
	if v := res["result"]; v != "" {
		snap.Result = json.RawMessage(v)
	}
	return snap
}
