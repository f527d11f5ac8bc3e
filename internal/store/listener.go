package store

import (
	"log"
	"sync"

	"github.com/dreamware/rendez/internal/wire"
)

// listener owns the listen socket. Its goroutine drains KEY_UPDATED
// frames and dispatches the matching callback; WATCH_KEY subscriptions
// are written to the same socket from caller goroutines, serialized by
// the callback-table mutex.
type listener struct {
	conn *wire.Conn

	mu        sync.Mutex
	callbacks map[string]WatchFunc

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

func newListener(conn *wire.Conn) *listener {
	l := &listener{
		conn:      conn,
		callbacks: make(map[string]WatchFunc),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go l.run()
	return l
}

// watch publishes the callback entry, then sends WATCH_KEY. The order
// matters: the entry must be visible to the run goroutine before any
// push referencing it can arrive.
func (l *listener) watch(key string, fn WatchFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callbacks[key] = fn
	if err := l.conn.WriteOp(wire.OpWatchKey, true); err != nil {
		return err
	}
	return l.conn.WriteString(key, false)
}

// run reads one KEY_UPDATED frame at a time and invokes its callback.
// Callbacks run serially on this goroutine. The loop exits when stop
// closes the socket; a stream error outside shutdown is terminal for the
// watch path (the store is not self-healing) and is logged.
func (l *listener) run() {
	defer close(l.stopped)
	for {
		tag, err := l.conn.ReadTag()
		if err != nil {
			l.logUnlessStopping("watch listener: %v", err)
			return
		}
		if wire.WatchResponse(tag) != wire.KeyUpdated {
			l.logUnlessStopping("watch listener: unexpected response tag %d", tag)
			return
		}
		key, err := l.conn.ReadString()
		if err != nil {
			l.logUnlessStopping("watch listener: %v", err)
			return
		}
		old, err := l.conn.ReadVector()
		if err != nil {
			l.logUnlessStopping("watch listener: %v", err)
			return
		}
		value, err := l.conn.ReadVector()
		if err != nil {
			l.logUnlessStopping("watch listener: %v", err)
			return
		}
		l.mu.Lock()
		fn := l.callbacks[key]
		l.mu.Unlock()
		if fn != nil {
			fn(old, value)
		}
	}
}

func (l *listener) logUnlessStopping(format string, args ...any) {
	select {
	case <-l.done:
	default:
		log.Printf("store: "+format, args...)
	}
}

// stop closes the listen socket and waits for the run goroutine to
// exit. Idempotent.
func (l *listener) stop() {
	l.stopOnce.Do(func() {
		close(l.done)
		l.conn.Close()
	})
	<-l.stopped
}
