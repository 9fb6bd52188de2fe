package virtio

import (
	"time"

	"github.com/driftkernel/drift/pkg/waiter"
	"gopkg.in/tomb.v2"
)

// Completion is one finished descriptor chain handed back to a device
// adapter's completion callback: the chain's head descriptor index as the
// device reports it in the used ring, and the device-written length.
type Completion struct {
	DescID uint16
	Len    uint32
}

// QueueWorker runs one supervised goroutine per virtqueue, draining
// completions as the device's ISR wakes the queue's interrupt wait queue
// and handing each one to onComplete. It is the common backbone every
// adapter under pkg/virtio/{block,net,gpu,input,rng} builds its request
// lifecycle on top of, replacing queue.c's interrupt-handler drain loop
// with a goroutine blocked on pkg/waiter instead of a hardware IRQ.
type QueueWorker struct {
	t    tomb.Tomb
	q    *Queue
	name string
}

// StartQueueWorker launches a worker that calls onComplete for every used
// entry the queue produces, until Stop is called or onComplete panics.
func StartQueueWorker(name string, q *Queue, onComplete func(Completion)) *QueueWorker {
	w := &QueueWorker{q: q, name: name}
	w.t.Go(func() error {
		return w.run(onComplete)
	})
	return w
}

func (w *QueueWorker) run(onComplete func(Completion)) error {
	for {
		for {
			id, length, ok := w.q.Poll()
			if !ok {
				break
			}
			onComplete(Completion{DescID: id, Len: length})
		}

		select {
		case <-w.t.Dying():
			return tomb.ErrDying
		default:
		}

		reason := w.q.interrupts.Wait(noopLocker{}, time.Now().Add(queueWorkerPollInterval))
		if reason == waiter.WakeInterrupted {
			return tomb.ErrDying
		}
	}
}

// queueWorkerPollInterval bounds how long a worker can sit blocked between
// checking for a Stop request when no interrupt arrives; real interrupt
// delivery wakes it immediately via Queue.OnInterrupt.
const queueWorkerPollInterval = 2 * time.Second

// noopLocker lets QueueWorker park on a Queue's waiter.Queue without a
// real associated lock: the only invariant Queue.Poll/OnInterrupt need
// protected is the ring indices themselves, which are already
// atomically published.
type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

// Stop requests the worker to exit and waits for it to do so.
func (w *QueueWorker) Stop() error {
	w.t.Kill(nil)
	w.q.interrupts.WakeAll(waiter.WakeInterrupted)
	return w.t.Wait()
}

// Err reports the worker's exit error, if it has stopped.
func (w *QueueWorker) Err() error { return w.t.Err() }

// Name identifies the worker in logs (e.g. "block-rq", "net-tx").
func (w *QueueWorker) Name() string { return w.name }
