package server

import (
	"sync"

	"github.com/gridfabric/telehub/hub/iec104"
	"github.com/gridfabric/telehub/hub/message"
)

// pendingCmd is one queued control leg waiting for its point to free up.
type pendingCmd struct {
	msg   *message.ProcessInfoControl
	ioa   iec104.InfoObjAddr
	value interface{}
}

// collisionQueue holds commands that hit an in-flight point and asked to
// wait. FIFO per point; nothing here has touched the cache yet.
type collisionQueue struct {
	mu      sync.Mutex
	pending map[iec104.PointID][]pendingCmd
}

func newCollisionQueue() *collisionQueue {
	return &collisionQueue{pending: make(map[iec104.PointID][]pendingCmd)}
}

func (q *collisionQueue) push(pid iec104.PointID, c pendingCmd) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[pid] = append(q.pending[pid], c)
	return len(q.pending[pid])
}

// pop removes and returns the head of a point's queue.
func (q *collisionQueue) pop(pid iec104.PointID) (pendingCmd, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.pending[pid]
	if len(list) == 0 {
		return pendingCmd{}, false
	}
	head := list[0]
	if len(list) == 1 {
		delete(q.pending, pid)
	} else {
		q.pending[pid] = list[1:]
	}
	return head, true
}

// dropRTU discards every queued command addressed at one RTU and returns
// their references, for disconnect cleanup.
func (q *collisionQueue) dropRTU(coa iec104.CommonAddr) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var refs []string
	for pid, list := range q.pending {
		if pid.COA != coa {
			continue
		}
		for _, c := range list {
			refs = append(refs, c.msg.Ref())
		}
		delete(q.pending, pid)
	}
	return refs
}

func (q *collisionQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, list := range q.pending {
		n += len(list)
	}
	return n
}
