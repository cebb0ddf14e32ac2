package rtcManager

import "github.com/pion/webrtc/v4"

// PendingQueue holds candidates that arrived before their participant's
// remote description. It is owned by the loop and not safe for concurrent use.
type PendingQueue struct {
	queues map[string][]webrtc.ICECandidateInit
}

func NewPendingQueue() *PendingQueue {
	return &PendingQueue{queues: make(map[string][]webrtc.ICECandidateInit)}
}

// Enqueue appends c behind everything already queued for participantID.
func (q *PendingQueue) Enqueue(participantID string, c webrtc.ICECandidateInit) {
	q.queues[participantID] = append(q.queues[participantID], c)
}

// Take returns the queued candidates in arrival order and forgets them, so a
// second Take for the same participant returns nothing.
func (q *PendingQueue) Take(participantID string) []webrtc.ICECandidateInit {
	queued := q.queues[participantID]
	delete(q.queues, participantID)
	return queued
}

// Discard drops the participant's entry entirely.
func (q *PendingQueue) Discard(participantID string) int {
	n := len(q.queues[participantID])
	delete(q.queues, participantID)
	return n
}

func (q *PendingQueue) Len(participantID string) int {
	return len(q.queues[participantID])
}

// Has reports whether an entry exists for participantID.
func (q *PendingQueue) Has(participantID string) bool {
	_, ok := q.queues[participantID]
	return ok
}

// Clear drops every entry.
func (q *PendingQueue) Clear() {
	q.queues = make(map[string][]webrtc.ICECandidateInit)
}
