package snowflake

import (
	"errors"
	"sync"
	"time"
)

const (
	nodeBits        = 10
	stepBits        = 12
	nodeMax         = -1 ^ (-1 << nodeBits)
	stepMask        = -1 ^ (-1 << stepBits)
	timeShift       = nodeBits + stepBits
	nodeShift       = stepBits
	epoch     int64 = 1704067200000 // 2024-01-01 00:00:00 UTC
)

// Node generates unique, creation-ordered message ids. The timeline's
// ordering contract (created_at ascending, id tie-break) holds because
// an id embeds its creation millisecond in the high bits.
type Node struct {
	mu   sync.Mutex
	time int64
	node int64
	step int64
}

func NewNode(node int64) (*Node, error) {
	if node < 0 || node > nodeMax {
		return nil, errors.New("node number must be between 0 and 1023")
	}
	return &Node{node: node}, nil
}

func (n *Node) Generate() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now().UnixMilli()

	if now < n.time {
		// Clock moved backwards, refuse to go back with it
		now = n.time
	}

	if n.time == now {
		n.step = (n.step + 1) & stepMask
		if n.step == 0 {
			for now <= n.time {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		n.step = 0
	}

	n.time = now

	return ((now - epoch) << timeShift) | (n.node << nodeShift) | n.step
}

// Timestamp extracts the creation time embedded in an id. The store
// records this as the row's created_at so that id order and created_at
// order can never disagree.
func Timestamp(id int64) time.Time {
	return time.UnixMilli((id >> timeShift) + epoch).UTC()
}

// FirstIDAfter returns the smallest id whose embedded timestamp is
// strictly later than t. Poll queries use it to translate a created_at
// watermark into an id bound the messages table can range-scan on.
func FirstIDAfter(t time.Time) int64 {
	return (t.UnixMilli() + 1 - epoch) << timeShift
}
