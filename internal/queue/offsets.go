package queue

import (
	"sort"
	"sync"

	"github.com/segmentio/kafka-go"
)

// offsetLedger tracks fetched but uncommitted messages per partition so the
// group offset only advances over a contiguous run of settled messages.
// kafka-go commits the offset of the message it is given, which would also
// cover any earlier message still being worked on by another worker.
type offsetLedger struct {
	mu    sync.Mutex
	parts map[int]*partitionOffsets
}

type partitionOffsets struct {
	// pending is ordered by offset.
	pending []kafka.Message
	settled map[int64]bool
}

func newOffsetLedger() *offsetLedger {
	return &offsetLedger{parts: map[int]*partitionOffsets{}}
}

// track records msg as in flight.
func (l *offsetLedger) track(msg kafka.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.parts[msg.Partition]
	if p == nil {
		p = &partitionOffsets{settled: map[int64]bool{}}
		l.parts[msg.Partition] = p
	}
	i := sort.Search(len(p.pending), func(i int) bool { return p.pending[i].Offset >= msg.Offset })
	if i < len(p.pending) && p.pending[i].Offset == msg.Offset {
		return
	}
	p.pending = append(p.pending, kafka.Message{})
	copy(p.pending[i+1:], p.pending[i:])
	p.pending[i] = msg
}

// settle marks msg finished and pops the settled prefix of its partition.
// It returns the last popped message, which is the one to commit, and false
// when an earlier message is still in flight.
func (l *offsetLedger) settle(msg kafka.Message) (kafka.Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.parts[msg.Partition]
	if p == nil {
		return msg, true
	}
	p.settled[msg.Offset] = true

	var last kafka.Message
	n := 0
	for n < len(p.pending) && p.settled[p.pending[n].Offset] {
		last = p.pending[n]
		delete(p.settled, last.Offset)
		n++
	}
	if n == 0 {
		return kafka.Message{}, false
	}
	p.pending = p.pending[n:]
	return last, true
}

// inFlight counts tracked messages not yet covered by a commit.
func (l *offsetLedger) inFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, p := range l.parts {
		n += len(p.pending)
	}
	return n
}
