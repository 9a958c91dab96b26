package distributed

import "sync"

// Dispatcher hands values to a single handler goroutine in arrival order.
// Push never blocks, so a slow handler cannot stall the producer.
type Dispatcher[T any] struct {
	handler func(T)

	mu     sync.Mutex
	queue  []T
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewDispatcher[T any](handler func(T)) *Dispatcher[T] {
	d := &Dispatcher[T]{
		handler: handler,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Push queues v. It reports false once the dispatcher is closed.
func (d *Dispatcher[T]) Push(v T) bool {
	select {
	case <-d.done:
		return false
	default:
	}

	d.mu.Lock()
	d.queue = append(d.queue, v)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
	return true
}

// Close stops delivery. Queued values are discarded.
func (d *Dispatcher[T]) Close() {
	d.once.Do(func() { close(d.done) })
}

func (d *Dispatcher[T]) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher[T]) run() {
	for {
		select {
		case <-d.done:
			return
		case <-d.notify:
		}

		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			v := d.queue[0]
			var zero T
			d.queue[0] = zero
			d.queue = d.queue[1:]
			d.mu.Unlock()

			select {
			case <-d.done:
				return
			default:
			}
			d.handler(v)
		}
	}
}
