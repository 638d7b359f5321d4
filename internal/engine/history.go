package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/loom/internal/persistence"
	"github.com/petrijr/loom/pkg/api"
)

// entryRecord is the in-memory arena slot for one history entry with its
// lazily persisted metadata. The rollback handler is runtime-only state:
// it is re-registered on every run when the step primitive is invoked.
type entryRecord struct {
	id      string
	key     string
	display string
	seq     int
	kind    api.EntryKind
	meta    persistence.MetaRecord

	dirtyEntry bool
	dirtyMeta  bool

	// ephemeral entries are never flushed; after a restart the step
	// simply runs again.
	ephemeral bool

	rollback api.RollbackFunc
}

// history is the in-memory representation of one instance's entries,
// indexed by serialized location with a secondary creation-order index for
// rollback (reverse order) and audit listing.
type history struct {
	wfID    string
	names   *nameRegistry
	entries map[string]*entryRecord
	order   []*entryRecord
	nextSeq int

	// trimmed prefixes awaiting DeletePrefix on the next flush.
	pendingTrims []string
}

func newHistory(wfID string) *history {
	return &history{
		wfID:    wfID,
		names:   newNameRegistry(),
		entries: make(map[string]*entryRecord),
	}
}

// load populates the history from the driver. It returns the persisted
// instance state, or nil if the instance has never been flushed.
func (h *history) load(ctx context.Context, driver api.Driver) (*persistence.StateRecord, error) {
	namePairs, err := driver.List(ctx, persistence.NamePrefix(h.wfID))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(namePairs))
	for _, kv := range namePairs {
		names = append(names, string(kv.Value))
	}
	h.names.load(names)

	entryPairs, err := driver.List(ctx, persistence.EntryPrefix(h.wfID))
	if err != nil {
		return nil, err
	}
	for _, kv := range entryPairs {
		var er persistence.EntryRecord
		if err := persistence.Decode(kv.Value, &er); err != nil {
			return nil, fmt.Errorf("loom: corrupt history entry %q: %w", kv.Key, err)
		}
		rec := &entryRecord{
			id:      er.ID,
			key:     er.Loc,
			display: er.Display,
			seq:     er.Seq,
			kind:    er.Kind,
		}
		h.entries[rec.key] = rec
		if er.Seq >= h.nextSeq {
			h.nextSeq = er.Seq + 1
		}
	}

	metaPairs, err := driver.List(ctx, persistence.MetaPrefix(h.wfID))
	if err != nil {
		return nil, err
	}
	metaPrefix := string(persistence.MetaPrefix(h.wfID))
	for _, kv := range metaPairs {
		locKey := string(kv.Key)[len(metaPrefix):]
		rec, ok := h.entries[locKey]
		if !ok {
			continue
		}
		if err := persistence.Decode(kv.Value, &rec.meta); err != nil {
			return nil, fmt.Errorf("loom: corrupt entry metadata %q: %w", kv.Key, err)
		}
	}

	h.order = make([]*entryRecord, 0, len(h.entries))
	for _, rec := range h.entries {
		h.order = append(h.order, rec)
	}
	sort.Slice(h.order, func(i, j int) bool { return h.order[i].seq < h.order[j].seq })

	stateData, err := driver.Get(ctx, persistence.StateKey(h.wfID))
	if err != nil {
		return nil, err
	}
	if stateData == nil {
		return nil, nil
	}
	var state persistence.StateRecord
	if err := persistence.Decode(stateData, &state); err != nil {
		return nil, fmt.Errorf("loom: corrupt instance state: %w", err)
	}
	return &state, nil
}

func (h *history) lookup(key string) *entryRecord {
	return h.entries[key]
}

// ordered returns the entries in creation order. The caller must not
// mutate the slice.
func (h *history) ordered() []*entryRecord {
	return h.order
}

// create adds a new pending entry at the given location.
func (h *history) create(key, display string, kind api.EntryKind, now time.Time) *entryRecord {
	rec := &entryRecord{
		id:      uuid.NewString(),
		key:     key,
		display: display,
		seq:     h.nextSeq,
		kind:    kind,
		meta: persistence.MetaRecord{
			Status:    api.EntryPending,
			CreatedAt: now,
		},
		dirtyEntry: true,
		dirtyMeta:  true,
	}
	h.nextSeq++
	h.entries[key] = rec
	h.order = append(h.order, rec)
	return rec
}

func (h *history) markEntryDirty(rec *entryRecord) { rec.dirtyEntry = true }
func (h *history) markMetaDirty(rec *entryRecord)  { rec.dirtyMeta = true }

// complete moves the entry to COMPLETED and stamps its completion time.
func (h *history) complete(rec *entryRecord, now time.Time) {
	rec.meta.Status = api.EntryCompleted
	rec.meta.CompletedAt = now
	rec.dirtyEntry = true
	rec.dirtyMeta = true
}

// fail moves the entry to the given failure status.
func (h *history) fail(rec *entryRecord, status api.EntryStatus, now time.Time) {
	rec.meta.Status = status
	rec.meta.CompletedAt = now
	rec.dirtyEntry = true
	rec.dirtyMeta = true
}

// trimPrefix drops all entries whose location key starts with prefix, both
// in memory and (on the next flush) in the driver.
func (h *history) trimPrefix(prefix string) {
	changed := false
	for key := range h.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(h.entries, key)
			changed = true
		}
	}
	if changed {
		kept := h.order[:0]
		for _, rec := range h.order {
			if _, ok := h.entries[rec.key]; ok {
				kept = append(kept, rec)
			}
		}
		h.order = kept
	}
	h.pendingTrims = append(h.pendingTrims, prefix)
}

// flushOps builds the atomic batch persisting every dirty name, entry and
// metadata record plus the instance state. Ephemeral entries are skipped.
// flushed must be called after the batch succeeds.
func (h *history) flushOps(state *persistence.StateRecord) ([]api.BatchOp, error) {
	var ops []api.BatchOp

	start, names := h.names.pending()
	for i, n := range names {
		ops = append(ops, api.BatchOp{
			Key:   persistence.NameKey(h.wfID, start+i),
			Value: []byte(n),
		})
	}

	for _, rec := range h.order {
		if rec.ephemeral {
			continue
		}
		if rec.dirtyEntry {
			data, err := persistence.Encode(persistence.EntryRecord{
				ID:      rec.id,
				Loc:     rec.key,
				Display: rec.display,
				Seq:     rec.seq,
				Kind:    rec.kind,
			})
			if err != nil {
				return nil, fmt.Errorf("loom: encode entry %q: %w", rec.display, err)
			}
			ops = append(ops, api.BatchOp{Key: persistence.EntryKey(h.wfID, rec.key), Value: data})
		}
		if rec.dirtyMeta {
			data, err := persistence.Encode(rec.meta)
			if err != nil {
				return nil, err
			}
			ops = append(ops, api.BatchOp{Key: persistence.MetaKey(h.wfID, rec.key), Value: data})
		}
	}

	stateData, err := persistence.Encode(*state)
	if err != nil {
		return nil, fmt.Errorf("loom: encode instance state: %w", err)
	}
	ops = append(ops, api.BatchOp{Key: persistence.StateKey(h.wfID), Value: stateData})

	return ops, nil
}

// flushed clears dirty flags after a successful batch write.
func (h *history) flushed() {
	h.names.markFlushed()
	for _, rec := range h.order {
		rec.dirtyEntry = false
		rec.dirtyMeta = false
	}
}

// takeTrims returns and clears the pending trim prefixes.
func (h *history) takeTrims() []string {
	trims := h.pendingTrims
	h.pendingTrims = nil
	return trims
}

// listEntries converts the arena to the public audit view, in creation
// order.
func (h *history) listEntries() []api.Entry {
	out := make([]api.Entry, 0, len(h.order))
	for _, rec := range h.order {
		out = append(out, api.Entry{
			ID:            rec.id,
			Location:      rec.display,
			Kind:          rec.kind,
			Status:        rec.meta.Status,
			Attempts:      rec.meta.Attempts,
			CreatedAt:     rec.meta.CreatedAt,
			CompletedAt:   rec.meta.CompletedAt,
			RollbackError: rec.meta.RollbackError,
			RolledBackAt:  rec.meta.RolledBackAt,
		})
	}
	return out
}
