package queue

import (
	"sync"
)

// CallbackWorker runs completion callbacks outside the consumer context.
// One worker may serve many queues. Callbacks it accepts run one at a time
// in the order they were accepted. When the backlog is full the consumer
// runs the callback inline instead, which may be ahead of callbacks still
// waiting on the worker, so callers must not rely on completion order
// across that fallback.
type CallbackWorker struct {
	ch     chan *Request
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	logger Logger
}

// NewCallbackWorker starts a worker with room for backlog pending callbacks
func NewCallbackWorker(backlog int, logger Logger) *CallbackWorker {
	if backlog < 1 {
		backlog = 1
	}
	w := &CallbackWorker{
		ch:     make(chan *Request, backlog),
		stop:   make(chan struct{}),
		logger: logger,
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *CallbackWorker) run() {
	defer w.wg.Done()
	for {
		select {
		case req := <-w.ch:
			w.invoke(req)
		case <-w.stop:
			// Drain what was accepted before stop
			for {
				select {
				case req := <-w.ch:
					w.invoke(req)
				default:
					return
				}
			}
		}
	}
}

func (w *CallbackWorker) invoke(req *Request) {
	defer func() {
		if r := recover(); r != nil && w.logger != nil {
			w.logger.Printf("completion callback panicked: %v", r)
		}
	}()
	req.Callback(req)
}

// dispatch hands req to the worker without blocking. It reports false when
// the backlog is full or the worker is stopped; the caller then runs the
// callback itself.
func (w *CallbackWorker) dispatch(req *Request) bool {
	select {
	case <-w.stop:
		return false
	default:
	}
	select {
	case w.ch <- req:
		return true
	default:
		return false
	}
}

// Close stops the worker after running every accepted callback
func (w *CallbackWorker) Close() {
	w.once.Do(func() { close(w.stop) })
	w.wg.Wait()
}
