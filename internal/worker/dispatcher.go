package worker

import (
	"container/list"
	"errors"
	"sync"
)

const defaultWorkers = 4

var (
	ErrDispatcherClosed = errors.New("dispatcher closed")
	ErrJobDropped       = errors.New("job dropped before it ran")
)

// Job is one engine call queued on behalf of a session. Exactly one of Run
// and Drop is called.
type Job struct {
	SessionID string
	Run       func()
	Drop      func()
}

// Dispatcher runs jobs on a fixed set of workers. Sessions take turns: each
// dispatch takes one job from the session at the front of the ready list and
// moves that session to the back.
type Dispatcher struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queues    map[string][]Job
	ready     *list.List // session ids with queued jobs
	positions map[string]*list.Element
	closed    bool
	wg        sync.WaitGroup
}

func NewDispatcher(workers int) *Dispatcher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	d := &Dispatcher{
		queues:    make(map[string][]Job),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
	}
	d.cond = sync.NewCond(&d.mu)
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		w := newWorker(i+1, d)
		go w.run()
	}
	return d
}

func (d *Dispatcher) Submit(job Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	d.queues[job.SessionID] = append(d.queues[job.SessionID], job)
	if _, ok := d.positions[job.SessionID]; !ok {
		d.positions[job.SessionID] = d.ready.PushBack(job.SessionID)
	}
	d.cond.Signal()
	return nil
}

// CancelSession drops every job still queued for the session. Jobs already
// running are left to finish.
func (d *Dispatcher) CancelSession(sessionID string) {
	d.mu.Lock()
	jobs := d.queues[sessionID]
	d.removeLocked(sessionID)
	d.mu.Unlock()
	dropAll(jobs)
}

// Close stops accepting jobs, drops the queued ones and waits for the
// workers to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	var dropped []Job
	for id, jobs := range d.queues {
		dropped = append(dropped, jobs...)
		d.removeLocked(id)
	}
	d.cond.Broadcast()
	d.mu.Unlock()

	dropAll(dropped)
	d.wg.Wait()
}

// next blocks until a job is ready. ok is false once the dispatcher closed.
func (d *Dispatcher) next() (job Job, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		if elem := d.ready.Front(); elem != nil {
			id := elem.Value.(string)
			jobs := d.queues[id]
			job = jobs[0]
			if len(jobs) == 1 {
				d.removeLocked(id)
			} else {
				d.queues[id] = jobs[1:]
				d.ready.MoveToBack(elem)
			}
			return job, true
		}
		if d.closed {
			return Job{}, false
		}
		d.cond.Wait()
	}
}

func (d *Dispatcher) removeLocked(sessionID string) {
	delete(d.queues, sessionID)
	if elem, ok := d.positions[sessionID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, sessionID)
	}
}

func dropAll(jobs []Job) {
	for _, job := range jobs {
		if job.Drop != nil {
			job.Drop()
		}
	}
}
