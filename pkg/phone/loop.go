package phone

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped возвращается операциями после остановки цикла событий
var ErrStopped = errors.New("controller stopped")

// eventLoop однопоточный цикл событий контроллера.
// Уведомления движка и операции UI выполняются строго по очереди,
// в порядке поступления. Очередь не ограничена, post не блокируется.
type eventLoop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newEventLoop() *eventLoop {
	return &eventLoop{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// post ставит fn в очередь. Безопасен для вызова из любой горутины.
func (l *eventLoop) post(fn func()) bool {
	select {
	case <-l.stopped:
		return false
	default:
	}
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// do выполняет fn в цикле и ждет завершения.
// Нельзя вызывать изнутри цикла.
func (l *eventLoop) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		// fn мог успеть выполниться перед остановкой
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

func (l *eventLoop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

// run обрабатывает очередь до отмены ctx или stop.
func (l *eventLoop) run(ctx context.Context) error {
	for {
		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			fn()
		}
		select {
		case <-ctx.Done():
			l.stop()
			return ctx.Err()
		case <-l.stopped:
			return nil
		case <-l.wake:
		}
	}
}

func (l *eventLoop) stop() {
	l.once.Do(func() { close(l.stopped) })
}
