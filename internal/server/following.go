package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/smartlike-org/gateway/internal/store"
)

// Instance is a followed remote server.
type Instance struct {
	ID string `json:"id"`
}

// Following is the persisted set of followed instances, mirrored into a
// concurrent map for lock-free lookups on the request path.
type Following struct {
	kv *store.KV
	m  sync.Map // hostname → Instance
}

// LoadFollowing loads the records of an already opened followed-instances
// store.
// Records that fail to parse are deleted.
func LoadFollowing(kv *store.KV) (*Following, error) {
	f := &Following{kv: kv}

	var poisoned []string
	err := f.kv.ForEach(func(key string, value []byte) error {
		var inst Instance
		if err := json.Unmarshal(value, &inst); err != nil {
			slog.Error("failed to parse followed instance, rejecting", "key", key)
			poisoned = append(poisoned, key)
			return nil
		}
		slog.Debug("found followed instance", "instance", key, "id", inst.ID)
		f.m.Store(key, inst)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load following: %w", err)
	}
	for _, key := range poisoned {
		if err := f.kv.Delete(key); err != nil {
			slog.Error("failed to delete db record", "key", key, "error", err)
		}
	}
	return f, nil
}

// Contains reports whether the instance is already followed.
func (f *Following) Contains(instance string) bool {
	_, ok := f.m.Load(instance)
	return ok
}

// Add persists a newly followed instance. Adding an already-followed instance
// is a no-op.
func (f *Following) Add(instance, id string) error {
	if f.Contains(instance) {
		return nil
	}
	inst := Instance{ID: id}
	value, err := json.Marshal(&inst)
	if err != nil {
		return err
	}
	if err := f.kv.Put(instance, value); err != nil {
		return fmt.Errorf("persist followed instance: %w", err)
	}
	f.m.Store(instance, inst)
	return nil
}
