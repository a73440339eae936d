package agents

import (
	"sort"

	"github.com/EternisAI/silo-fleet/internal/messages"
)

type pendingEntry struct {
	msg messages.Message
	seq uint64
}

// pendingQueue holds outbound messages for one agent in enqueue order.
// It is guarded by the owning entry's mutex.
type pendingQueue struct {
	entries []pendingEntry
	ids     map[string]struct{}
	nextSeq uint64
}

func (q *pendingQueue) push(msg messages.Message) bool {
	if q.ids == nil {
		q.ids = make(map[string]struct{})
	}
	if _, dup := q.ids[msg.ID]; dup {
		return false
	}
	q.ids[msg.ID] = struct{}{}
	q.entries = append(q.entries, pendingEntry{msg: msg, seq: q.nextSeq})
	q.nextSeq++
	return true
}

// peek returns up to max messages, highest priority first and FIFO within a
// priority. Entries stay queued until acknowledged. max <= 0 means no cap.
func (q *pendingQueue) peek(max int) []messages.Message {
	ordered := make([]pendingEntry, len(q.entries))
	copy(ordered, q.entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].msg.Priority > ordered[j].msg.Priority
	})
	if max > 0 && len(ordered) > max {
		ordered = ordered[:max]
	}
	out := make([]messages.Message, len(ordered))
	for i, e := range ordered {
		out[i] = e.msg
	}
	return out
}

func (q *pendingQueue) ack(ids []string) int {
	if len(ids) == 0 || len(q.entries) == 0 {
		return 0
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := q.ids[id]; ok {
			drop[id] = struct{}{}
		}
	}
	if len(drop) == 0 {
		return 0
	}
	kept := q.entries[:0]
	for _, e := range q.entries {
		if _, ok := drop[e.msg.ID]; ok {
			delete(q.ids, e.msg.ID)
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	return len(drop)
}

func (q *pendingQueue) len() int {
	return len(q.entries)
}
