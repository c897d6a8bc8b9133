package mqtt

// bufferedMsg stores a serialized MQTT message for replay after reconnection.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// offlineQueue holds messages published while disconnected, in publish
// order. When full, the oldest QoS 0 message is evicted first so flame and
// system events outlive readings; only a queue holding nothing but QoS 1+
// messages drops its oldest QoS 1 message.
// Not safe for concurrent use; the caller must synchronize.
type offlineQueue struct {
	msgs     []bufferedMsg
	capacity int
	overflow bool // a message was dropped since the last drain
}

func newOfflineQueue(capacity int) *offlineQueue {
	return &offlineQueue{
		msgs:     make([]bufferedMsg, 0, capacity),
		capacity: capacity,
	}
}

// push appends msg, evicting one queued message when full. It returns true
// the first time a message is dropped after a drain, so the caller can log
// the overflow once.
func (q *offlineQueue) push(msg bufferedMsg) bool {
	if len(q.msgs) < q.capacity {
		q.msgs = append(q.msgs, msg)
		return false
	}

	first := !q.overflow
	q.overflow = true
	i := q.victim()
	if i < 0 {
		if msg.qos == 0 {
			// Everything queued outranks the newcomer.
			return first
		}
		i = 0
	}
	copy(q.msgs[i:], q.msgs[i+1:])
	q.msgs[len(q.msgs)-1] = msg
	return first
}

// victim returns the index of the oldest QoS 0 message, or -1.
func (q *offlineQueue) victim() int {
	for i, m := range q.msgs {
		if m.qos == 0 {
			return i
		}
	}
	return -1
}

func (q *offlineQueue) drainAll() []bufferedMsg {
	if len(q.msgs) == 0 {
		return nil
	}
	result := make([]bufferedMsg, len(q.msgs))
	copy(result, q.msgs)
	q.msgs = q.msgs[:0]
	q.overflow = false
	return result
}

func (q *offlineQueue) len() int {
	return len(q.msgs)
}
