package persistence

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Key layout for one workflow instance. All keys share the instance prefix
// so a retention policy can drop an instance with a single DeletePrefix.
//
//	wf/<id>/state            instance-level StateRecord
//	wf/<id>/name/<%08d>      interned name at that index (raw bytes)
//	wf/<id>/hist/<lockey>    EntryRecord
//	wf/<id>/meta/<lockey>    MetaRecord
//	wf/<id>/msg/<msgid>      pending mailbox message
//
// Message IDs embed a zero-padded monotonic timestamp, so a lexicographic
// List over the msg prefix yields arrival order.

func InstancePrefix(id string) []byte {
	return []byte("wf/" + id + "/")
}

func StateKey(id string) []byte {
	return []byte("wf/" + id + "/state")
}

func NamePrefix(id string) []byte {
	return []byte("wf/" + id + "/name/")
}

func NameKey(id string, idx int) []byte {
	return []byte(fmt.Sprintf("wf/%s/name/%08d", id, idx))
}

func EntryPrefix(id string) []byte {
	return []byte("wf/" + id + "/hist/")
}

func EntryKey(id, locKey string) []byte {
	return []byte("wf/" + id + "/hist/" + locKey)
}

func MetaPrefix(id string) []byte {
	return []byte("wf/" + id + "/meta/")
}

func MetaKey(id, locKey string) []byte {
	return []byte("wf/" + id + "/meta/" + locKey)
}

func MessagePrefix(id string) []byte {
	return []byte("wf/" + id + "/msg/")
}

func MessageKey(id, msgID string) []byte {
	return []byte("wf/" + id + "/msg/" + msgID)
}

var msgSeq atomic.Uint64

// NewMessageID returns a mailbox message ID. The zero-padded microsecond
// timestamp prefix makes lexicographic ID order match arrival order, the
// process-local counter orders same-microsecond sends and the uuid suffix
// keeps IDs from different processes distinct.
func NewMessageID() string {
	return fmt.Sprintf("%020d-%012d-%s", time.Now().UnixMicro(), msgSeq.Add(1), uuid.NewString())
}

// PrefixEnd returns the smallest key greater than every key with the given
// prefix, or nil if no such key exists (prefix is all 0xff).
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
