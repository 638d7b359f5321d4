package persistence

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/petrijr/loom/pkg/api"
)

func init() {
	gob.Register(&api.StepEntry{})
	gob.Register(&api.LoopEntry{})
	gob.Register(&api.SleepEntry{})
	gob.Register(&api.MessageEntry{})
	gob.Register(&api.CheckpointEntry{})
	gob.Register(&api.JoinEntry{})
	gob.Register(&api.RaceEntry{})
	gob.Register(&api.RemovedEntry{})
	gob.Register(&api.WorkflowError{})
	gob.Register(api.Message{})
	gob.Register(time.Time{})
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// EntryRecord is the persisted shape of one history entry. Seq restores the
// original creation order after a reload, which rollback walks in reverse.
type EntryRecord struct {
	ID      string
	Loc     string
	Display string
	Seq     int
	Kind    api.EntryKind
}

// MetaRecord is the persisted execution metadata of one entry, stored under
// its own key so hot-path replay reads can skip retry bookkeeping.
type MetaRecord struct {
	Status        api.EntryStatus
	Attempts      int
	LastAttemptAt time.Time
	CreatedAt     time.Time
	CompletedAt   time.Time
	RollbackError string
	RolledBackAt  time.Time
}

// StateRecord is the persisted instance-level state.
type StateRecord struct {
	State        api.WorkflowState
	Output       any
	Err          *api.WorkflowError
	RolledBackAt time.Time
}

// Encode serializes a value with encoding/gob. Workflow payload types that
// travel inside `any` fields must be registered with gob by the caller.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode deserializes data into out.
func Decode(data []byte, out any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(out)
}

// EncodeMessage and DecodeMessage round-trip mailbox messages; all drivers
// store messages in this format so the engine can switch backends freely.
func EncodeMessage(msg api.Message) ([]byte, error) {
	return Encode(msg)
}

func DecodeMessage(data []byte) (api.Message, error) {
	var msg api.Message
	err := Decode(data, &msg)
	return msg, err
}

// MessagesFromKV decodes an ordered kv listing of message keys. Key order
// is arrival order because message IDs embed a monotonic component.
func MessagesFromKV(pairs []api.KV) ([]api.Message, error) {
	out := make([]api.Message, 0, len(pairs))
	for _, kv := range pairs {
		msg, err := DecodeMessage(kv.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}
