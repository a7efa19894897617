package worker

type Worker struct {
	id         int
	dispatcher *Dispatcher
}

func newWorker(id int, d *Dispatcher) *Worker {
	return &Worker{id: id, dispatcher: d}
}

func (w *Worker) run() {
	defer w.dispatcher.wg.Done()
	for {
		job, ok := w.dispatcher.next()
		if !ok {
			debugLog("[worker-%d] stopped", w.id)
			return
		}
		debugLog("[worker-%d] run job for session %s", w.id, job.SessionID)
		job.Run()
	}
}
