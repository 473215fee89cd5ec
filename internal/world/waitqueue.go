package world

import "time"

// waiter is a connection parked until its scene has capacity.
type waiter struct {
	conn       Conn
	identity   AccountIdentity
	scene      string
	enqueuedAt time.Time
}

// waitQueue maps scene names to the connections waiting for them. A
// connection is in at most one scene's set. Not safe for concurrent use;
// the Broker guards it.
type waitQueue struct {
	scenes map[string][]*waiter
	byConn map[string]*waiter
}

func newWaitQueue() *waitQueue {
	return &waitQueue{
		scenes: make(map[string][]*waiter),
		byConn: make(map[string]*waiter),
	}
}

// add parks w, moving the connection if it was waiting on another scene.
func (q *waitQueue) add(w *waiter) {
	q.remove(w.conn.ID())
	q.scenes[w.scene] = append(q.scenes[w.scene], w)
	q.byConn[w.conn.ID()] = w
}

// remove drops a connection and reports whether it was queued.
func (q *waitQueue) remove(connID string) (*waiter, bool) {
	w, ok := q.byConn[connID]
	if !ok {
		return nil, false
	}
	delete(q.byConn, connID)

	set := q.scenes[w.scene]
	for i, cur := range set {
		if cur == w {
			set = append(set[:i], set[i+1:]...)
			break
		}
	}
	q.setScene(w.scene, set)
	return w, true
}

// pop removes and returns the oldest waiter for scene.
func (q *waitQueue) pop(scene string) (*waiter, bool) {
	set := q.scenes[scene]
	if len(set) == 0 {
		return nil, false
	}
	w := set[0]
	set[0] = nil
	q.setScene(scene, set[1:])
	delete(q.byConn, w.conn.ID())
	return w, true
}

// pushFront returns a waiter that could not be placed to the head of its set.
func (q *waitQueue) pushFront(w *waiter) {
	if _, ok := q.byConn[w.conn.ID()]; ok {
		return
	}
	q.scenes[w.scene] = append([]*waiter{w}, q.scenes[w.scene]...)
	q.byConn[w.conn.ID()] = w
}

// expire removes and returns every waiter enqueued at or before cutoff.
func (q *waitQueue) expire(cutoff time.Time) []*waiter {
	var out []*waiter
	for scene, set := range q.scenes {
		kept := set[:0]
		for _, w := range set {
			if !w.enqueuedAt.After(cutoff) {
				out = append(out, w)
				delete(q.byConn, w.conn.ID())
				continue
			}
			kept = append(kept, w)
		}
		q.setScene(scene, kept)
	}
	return out
}

// drain empties the queue.
func (q *waitQueue) drain() []*waiter {
	out := make([]*waiter, 0, len(q.byConn))
	for _, set := range q.scenes {
		out = append(out, set...)
	}
	q.scenes = make(map[string][]*waiter)
	q.byConn = make(map[string]*waiter)
	return out
}

// sceneNames lists scenes with at least one waiter.
func (q *waitQueue) sceneNames() []string {
	names := make([]string, 0, len(q.scenes))
	for name := range q.scenes {
		names = append(names, name)
	}
	return names
}

func (q *waitQueue) count(scene string) int { return len(q.scenes[scene]) }

func (q *waitQueue) size() int { return len(q.byConn) }

// setScene stores set, deleting the entry once it is empty.
func (q *waitQueue) setScene(scene string, set []*waiter) {
	if len(set) == 0 {
		delete(q.scenes, scene)
		return
	}
	q.scenes[scene] = set
}
