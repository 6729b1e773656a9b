package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/OneOfOne/xxhash"

	"github.com/smartlike-org/gateway/internal/store"
)

// shardQueueDepth bounds each worker channel. A full channel is tolerated:
// the envelope is already persisted and recovery re-enqueues it on restart.
const shardQueueDepth = 1024

// Dispatcher persists every accepted envelope and routes it to a worker
// shard. The same keys always land on the same shard to keep each remote's
// traffic on one worker and its actor cache warm.
type Dispatcher struct {
	queue   *store.KV
	shards  []chan Envelope
	replies chan Reply
}

// NewDispatcher creates a dispatcher with numShards worker channels backed by
// the given durable queue.
func NewDispatcher(queue *store.KV, numShards int) *Dispatcher {
	shards := make([]chan Envelope, numShards)
	for i := range shards {
		shards[i] = make(chan Envelope, shardQueueDepth)
	}
	return &Dispatcher{
		queue:   queue,
		shards:  shards,
		replies: make(chan Reply, shardQueueDepth),
	}
}

// Shard returns the worker index for a queue key: a stable non-cryptographic
// 64-bit hash mod the worker count, deterministic across restarts.
func Shard(key string, n int) int {
	return int(xxhash.ChecksumString64(key) % uint64(n))
}

// ShardChannel exposes shard i's receive end to its worker.
func (d *Dispatcher) ShardChannel(i int) <-chan Envelope { return d.shards[i] }

// ReplyChannel exposes the responder's receive end.
func (d *Dispatcher) ReplyChannel() <-chan Reply { return d.replies }

// Send durably persists the envelope under its natural key, then enqueues it
// on the selected shard. A persist failure is fatal to the request; an
// enqueue failure is not, because recovery replays persisted records.
func (d *Dispatcher) Send(env Envelope) error {
	key := env.Key()
	if key == "" {
		return fmt.Errorf("%w: envelope has no key", ErrPayloadMalformed)
	}

	data, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("serialize envelope: %w", err)
	}
	if err := d.queue.Put(key, data); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}

	select {
	case d.shards[Shard(key, len(d.shards))] <- env:
	default:
		slog.Warn("shard queue full, deferring to recovery", "key", key, "kind", env.Kind)
	}
	return nil
}

// Respond hands a reply to the outbound responder. Replies are not persisted:
// they are idempotent from the remote's perspective and losing one is
// tolerable.
func (d *Dispatcher) Respond(r Reply) {
	select {
	case d.replies <- r:
	default:
		slog.Warn("reply queue full, dropping reply", "instance", r.Instance, "path", r.Path)
	}
}

// RecoverQueue re-enqueues every persisted envelope from previous runs.
// Records that no longer deserialize are deleted.
func (d *Dispatcher) RecoverQueue() error {
	var poisoned []string
	err := d.queue.ForEach(func(key string, value []byte) error {
		slog.Info("found pending request", "key", key)
		var env Envelope
		if err := json.Unmarshal(value, &env); err != nil || env.Key() == "" {
			slog.Error("failed to parse pending record, rejecting", "key", key)
			poisoned = append(poisoned, key)
			return nil
		}
		if err := d.Send(env); err != nil {
			slog.Error("failed to re-enqueue pending record", "key", key, "error", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recover queue: %w", err)
	}
	for _, key := range poisoned {
		if err := d.queue.Delete(key); err != nil {
			slog.Error("failed to delete poisoned record", "key", key, "error", err)
		}
	}
	return nil
}
