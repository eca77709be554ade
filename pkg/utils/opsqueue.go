package utils

import (
	"errors"
	"sync"

	"github.com/livekit/protocol/logger"
)

var ErrOpsQueueFull = errors.New("ops queue full")

// OpsQueue runs enqueued ops on a single goroutine in FIFO order. Used to
// serialize operations on one resource (e.g. one local track) so that a mute
// issued while a replace is in flight waits for it to settle.
type OpsQueue struct {
	logger logger.Logger
	name   string
	size   int

	lock      sync.RWMutex
	ops       chan func()
	isStarted bool
	isStopped bool
}

func NewOpsQueue(l logger.Logger, name string, size int) *OpsQueue {
	if l == nil {
		l = logger.GetLogger()
	}
	return &OpsQueue{
		logger: l,
		name:   name,
		size:   size,
		ops:    make(chan func(), size),
	}
}

func (oq *OpsQueue) Start() {
	oq.lock.Lock()
	if oq.isStarted || oq.isStopped {
		oq.lock.Unlock()
		return
	}
	oq.isStarted = true
	oq.lock.Unlock()

	go oq.process()
}

// Stop drains nothing: ops already accepted still run, new ops are rejected.
// Idempotent.
func (oq *OpsQueue) Stop() {
	oq.lock.Lock()
	if oq.isStopped {
		oq.lock.Unlock()
		return
	}
	oq.isStopped = true
	close(oq.ops)
	oq.lock.Unlock()
}

// Enqueue submits an op, reporting whether it was accepted. Ops are rejected
// after Stop or when the queue is full.
func (oq *OpsQueue) Enqueue(op func()) bool {
	oq.lock.RLock()
	defer oq.lock.RUnlock()
	if oq.isStopped {
		return false
	}

	select {
	case oq.ops <- op:
		return true
	default:
		oq.logger.Errorw("ops queue full", nil, "name", oq.name, "size", oq.size)
		return false
	}
}

func (oq *OpsQueue) process() {
	for op := range oq.ops {
		op()
	}
}
