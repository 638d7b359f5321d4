package engine

import "github.com/petrijr/loom/pkg/api"

// mailbox is the in-memory view of an instance's pending messages, in
// arrival order. Consumption is tracked so the corresponding driver keys
// can be deleted at the next flush.
type mailbox struct {
	msgs     []api.Message
	consumed []string
}

func newMailbox() *mailbox {
	return &mailbox{}
}

// load replaces the pending set with the driver's view. Consumption
// tracking is preserved: a message consumed but not yet flushed must not
// reappear.
func (m *mailbox) load(msgs []api.Message) {
	if len(m.consumed) == 0 {
		m.msgs = msgs
		return
	}
	gone := make(map[string]struct{}, len(m.consumed))
	for _, id := range m.consumed {
		gone[id] = struct{}{}
	}
	kept := msgs[:0]
	for _, msg := range msgs {
		if _, ok := gone[msg.ID]; !ok {
			kept = append(kept, msg)
		}
	}
	m.msgs = kept
}

// add appends a newly delivered message.
func (m *mailbox) add(msg api.Message) {
	m.msgs = append(m.msgs, msg)
}

// take removes and returns the oldest message with the given name.
func (m *mailbox) take(name string) (api.Message, bool) {
	for i, msg := range m.msgs {
		if msg.Name == name {
			m.msgs = append(m.msgs[:i], m.msgs[i+1:]...)
			m.consumed = append(m.consumed, msg.ID)
			return msg, true
		}
	}
	return api.Message{}, false
}

// consumedIDs returns the IDs consumed since the last flush without
// clearing them; the caller clears via takeConsumed once the deletions are
// durable.
func (m *mailbox) consumedIDs() []string {
	return m.consumed
}

// takeConsumed returns and clears the IDs consumed since the last flush.
func (m *mailbox) takeConsumed() []string {
	ids := m.consumed
	m.consumed = nil
	return ids
}
