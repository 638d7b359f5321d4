package persistence

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/loom/pkg/api"
)

// DefaultWorkerPollInterval is how often hosts poll for due alarms when the
// driver has no push mechanism.
const DefaultWorkerPollInterval = 100 * time.Millisecond

// MemoryDriver is a non-durable Driver backed entirely by process memory.
// It is intended for tests, development and the LocalRunner.
type MemoryDriver struct {
	mu     sync.RWMutex
	data   map[string][]byte
	alarms map[string]time.Time
	poll   time.Duration
}

var _ api.Driver = (*MemoryDriver)(nil)

// NewMemoryDriver creates an empty MemoryDriver.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{
		data:   make(map[string][]byte),
		alarms: make(map[string]time.Time),
		poll:   DefaultWorkerPollInterval,
	}
}

func (d *MemoryDriver) Get(ctx context.Context, key []byte) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.data[string(key)]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (d *MemoryDriver) Set(ctx context.Context, key, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.set(key, value)
	return nil
}

func (d *MemoryDriver) set(key, value []byte) {
	v := make([]byte, len(value))
	copy(v, value)
	d.data[string(key)] = v
}

func (d *MemoryDriver) Delete(ctx context.Context, key []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.data, string(key))
	return nil
}

func (d *MemoryDriver) DeletePrefix(ctx context.Context, prefix []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			delete(d.data, k)
		}
	}
	return nil
}

func (d *MemoryDriver) List(ctx context.Context, prefix []byte) ([]api.KV, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	keys := make([]string, 0)
	for k := range d.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]api.KV, 0, len(keys))
	for _, k := range keys {
		v := d.data[k]
		vc := make([]byte, len(v))
		copy(vc, v)
		out = append(out, api.KV{Key: []byte(k), Value: vc})
	}
	return out, nil
}

func (d *MemoryDriver) Batch(ctx context.Context, ops []api.BatchOp) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, op := range ops {
		if op.Delete {
			delete(d.data, string(op.Key))
			continue
		}
		d.set(op.Key, op.Value)
	}
	return nil
}

func (d *MemoryDriver) SetAlarm(ctx context.Context, workflowID string, wakeAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alarms[workflowID] = wakeAt
	return nil
}

func (d *MemoryDriver) ClearAlarm(ctx context.Context, workflowID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.alarms, workflowID)
	return nil
}

func (d *MemoryDriver) DueAlarms(ctx context.Context, now time.Time) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var due []string
	for id, at := range d.alarms {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	for _, id := range due {
		delete(d.alarms, id)
	}
	sort.Strings(due)
	return due, nil
}

func (d *MemoryDriver) WorkerPollInterval() time.Duration {
	return d.poll
}

func (d *MemoryDriver) LoadMessages(ctx context.Context, workflowID string) ([]api.Message, error) {
	pairs, err := d.List(ctx, MessagePrefix(workflowID))
	if err != nil {
		return nil, err
	}
	return MessagesFromKV(pairs)
}

func (d *MemoryDriver) AddMessage(ctx context.Context, workflowID string, msg api.Message) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return d.Set(ctx, MessageKey(workflowID, msg.ID), data)
}

func (d *MemoryDriver) DeleteMessages(ctx context.Context, workflowID string, ids []string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := make([]string, 0, len(ids))
	for _, id := range ids {
		k := string(MessageKey(workflowID, id))
		if _, ok := d.data[k]; ok {
			delete(d.data, k)
			removed = append(removed, id)
		}
	}
	return removed, nil
}
