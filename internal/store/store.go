package store

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/dreamware/rendez/internal/daemon"
	"github.com/dreamware/rendez/internal/wire"
)

const (
	// initKey is the rendezvous counter every participant increments on
	// startup. It is deliberately outside the user-key namespace.
	initKey = "init/"

	// keyPrefix namespaces all user-supplied keys so they cannot collide
	// with initKey.
	keyPrefix = "/"

	// dialRetryInterval paces reconnect attempts while the daemon is
	// still coming up.
	dialRetryInterval = 50 * time.Millisecond

	// workerPollInterval paces the server's poll of the rendezvous
	// counter.
	workerPollInterval = 10 * time.Millisecond
)

// ErrTimeout is returned (wrapped) when a Wait or Get ran out of time.
// The request socket is torn down when this happens; the Store is not
// usable afterwards.
var ErrTimeout = errors.New("store: wait timed out")

// Config describes how to reach (or become) the daemon.
type Config struct {
	// Addr is the daemon host.
	Addr string

	// Port is the daemon TCP port. When IsServer is set, port 0 binds an
	// ephemeral port; Port() reports the bound one.
	Port int

	// NumWorkers is the expected number of participants, or 0 when
	// unknown.
	NumWorkers int

	// IsServer starts an in-process daemon before connecting.
	IsServer bool

	// Timeout bounds connect attempts, Wait, Get, and the worker
	// rendezvous. Zero means no timeout.
	Timeout time.Duration

	// WaitWorkers runs the startup rendezvous when NumWorkers is set:
	// every participant increments init/, and the server blocks until
	// the counter reaches NumWorkers or Timeout expires.
	WaitWorkers bool
}

// WatchFunc receives the previous and current value of a watched key.
type WatchFunc func(old, value []byte)

// Store is a client handle on the rendezvous store. Request methods are
// safe for concurrent use; each holds the request socket for one full
// send/receive exchange.
type Store struct {
	host       string
	port       int
	numWorkers  int
	isServer    bool
	waitWorkers bool
	timeout     time.Duration

	daemon   *daemon.Daemon // non-nil iff isServer
	listener *listener

	mu   sync.Mutex // serializes request-socket traffic
	conn *wire.Conn

	closeOnce sync.Once
}

// New connects to the daemon at cfg.Addr:cfg.Port, starting one first
// when cfg.IsServer is set. Both sockets are dialed with bounded retry so
// workers may start before the server. When cfg.NumWorkers > 0 and
// cfg.WaitWorkers, New also runs the startup rendezvous.
func New(cfg Config) (*Store, error) {
	s := &Store{
		host:        cfg.Addr,
		port:        cfg.Port,
		numWorkers:  cfg.NumWorkers,
		isServer:    cfg.IsServer,
		waitWorkers: cfg.WaitWorkers,
		timeout:     cfg.Timeout,
	}
	if s.isServer {
		d, err := daemon.New(fmt.Sprintf(":%d", cfg.Port))
		if err != nil {
			return nil, fmt.Errorf("store: start daemon: %w", err)
		}
		s.daemon = d
		s.port = d.Port()
	}
	if err := s.connect(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) connect() error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	var deadline time.Time
	if s.timeout > 0 {
		deadline = time.Now().Add(s.timeout)
	}

	conn, err := dialRetry(addr, deadline)
	if err != nil {
		return fmt.Errorf("store: connect %s: %w", addr, err)
	}
	s.conn = conn

	listenConn, err := dialRetry(addr, deadline)
	if err != nil {
		return fmt.Errorf("store: connect %s (listen): %w", addr, err)
	}
	s.listener = newListener(listenConn)

	if s.numWorkers > 0 && s.waitWorkers {
		if err := s.waitForWorkers(); err != nil {
			return err
		}
	}
	return nil
}

// dialRetry dials addr until it succeeds or the deadline passes. A zero
// deadline retries indefinitely. Workers routinely dial before the
// server's listener exists, so refused connections are expected here.
func dialRetry(addr string, deadline time.Time) (*wire.Conn, error) {
	for {
		nc, err := net.DialTimeout("tcp", addr, dialRetryInterval)
		if err == nil {
			return wire.NewConn(nc), nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(dialRetryInterval)
	}
}

// waitForWorkers increments the rendezvous counter, then — on the server
// side only — polls it until every expected worker has checked in. A
// rendezvous that runs out of time returns quietly rather than erroring,
// so a short-handed job can still proceed to its own failure handling.
func (s *Store) waitForWorkers() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.addLocked(initKey, 1); err != nil {
		return err
	}
	if !s.isServer {
		return nil
	}
	start := time.Now()
	for {
		v, err := s.getLocked(initKey)
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(string(v))
		if err != nil {
			return fmt.Errorf("store: rendezvous counter %q: %w", v, err)
		}
		if n >= s.numWorkers {
			return nil
		}
		if s.timeout > 0 && time.Since(start) > s.timeout {
			return nil
		}
		time.Sleep(workerPollInterval)
	}
}

// Set stores value under key, overwriting any previous value.
func (s *Store) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteOp(wire.OpSet, true); err != nil {
		return err
	}
	if err := s.conn.WriteString(keyPrefix+key, true); err != nil {
		return err
	}
	return s.conn.WriteVector(value, false)
}

// Get blocks until key exists (bounded by the configured timeout), then
// returns its value.
func (s *Store) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(keyPrefix + key)
}

func (s *Store) getLocked(key string) ([]byte, error) {
	if err := s.waitLocked([]string{key}, s.timeout); err != nil {
		return nil, err
	}
	if err := s.conn.WriteOp(wire.OpGet, true); err != nil {
		return nil, err
	}
	if err := s.conn.WriteString(key, false); err != nil {
		return nil, err
	}
	return s.conn.ReadVector()
}

// CompareSet stores desired under key iff the current value equals
// expected, returning the value after the operation.
//
// When the key is absent the daemon echoes expected back without storing
// anything, so the return value does not signal absence: it reads as if
// the key held expected. Protocol quirk, kept for compatibility.
func (s *Store) CompareSet(key string, expected, desired []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteOp(wire.OpCompareSet, true); err != nil {
		return nil, err
	}
	if err := s.conn.WriteString(keyPrefix+key, true); err != nil {
		return nil, err
	}
	if err := s.conn.WriteVector(expected, true); err != nil {
		return nil, err
	}
	if err := s.conn.WriteVector(desired, false); err != nil {
		return nil, err
	}
	return s.conn.ReadVector()
}

// Add interprets key's value as a decimal integer, adds delta, and
// returns the new total. Absent keys count from zero. Keys holding
// non-numeric values must not be added to.
func (s *Store) Add(key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(keyPrefix+key, delta)
}

func (s *Store) addLocked(key string, delta int64) (int64, error) {
	if err := s.conn.WriteOp(wire.OpAdd, true); err != nil {
		return 0, err
	}
	if err := s.conn.WriteString(key, true); err != nil {
		return 0, err
	}
	if err := s.conn.WriteInt64(delta, false); err != nil {
		return 0, err
	}
	return s.conn.ReadInt64()
}

// Check reports whether every named key exists. It never blocks.
func (s *Store) Check(keys []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteOp(wire.OpCheck, true); err != nil {
		return false, err
	}
	n := len(keys)
	if err := s.conn.WriteUint64(uint64(n), n > 0); err != nil {
		return false, err
	}
	for i, key := range keys {
		if err := s.conn.WriteString(keyPrefix+key, i != n-1); err != nil {
			return false, err
		}
	}
	tag, err := s.conn.ReadTag()
	if err != nil {
		return false, err
	}
	switch wire.CheckResponse(tag) {
	case wire.Ready:
		return true, nil
	case wire.NotReady:
		return false, nil
	}
	return false, fmt.Errorf("store: check: unexpected response tag %d", tag)
}

// Wait blocks until every named key exists, bounded by the configured
// timeout.
func (s *Store) Wait(keys []string) error {
	return s.WaitTimeout(keys, s.timeout)
}

// WaitTimeout blocks until every named key exists or the given timeout
// fires. A fired timeout tears the request socket down and wraps
// ErrTimeout; the Store is not usable afterwards.
func (s *Store) WaitTimeout(keys []string, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = keyPrefix + key
	}
	return s.waitLocked(prefixed, timeout)
}

// waitLocked sends WAIT and blocks for STOP_WAITING. The timeout is a
// read deadline on the request socket, armed before the request goes
// out; there is no server-side timer.
func (s *Store) waitLocked(keys []string, timeout time.Duration) error {
	if timeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		defer s.conn.SetReadDeadline(time.Time{})
	}
	if err := s.conn.WriteOp(wire.OpWait, true); err != nil {
		return err
	}
	n := len(keys)
	if err := s.conn.WriteUint64(uint64(n), n > 0); err != nil {
		return err
	}
	for i, key := range keys {
		if err := s.conn.WriteString(key, i != n-1); err != nil {
			return err
		}
	}
	tag, err := s.conn.ReadTag()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			// The daemon still holds our wait registration; closing the
			// socket is what clears it.
			s.conn.Close()
			return fmt.Errorf("%w after %v: keys %v", ErrTimeout, timeout, keys)
		}
		return err
	}
	if wire.WaitResponse(tag) != wire.StopWaiting {
		return fmt.Errorf("store: wait: unexpected response tag %d", tag)
	}
	return nil
}

// NumKeys returns the number of keys in the store, the rendezvous
// counter included.
func (s *Store) NumKeys() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteOp(wire.OpGetNumKeys, false); err != nil {
		return 0, err
	}
	return s.conn.ReadInt64()
}

// Delete removes key, reporting whether it existed. Deleting a key drops
// its watchers but does not wake its waiters.
func (s *Store) Delete(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteOp(wire.OpDeleteKey, true); err != nil {
		return false, err
	}
	if err := s.conn.WriteString(keyPrefix+key, false); err != nil {
		return false, err
	}
	n, err := s.conn.ReadInt64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Watch subscribes fn to every subsequent mutation of key by Set, Add,
// or a successful CompareSet. Deletion does not fire the callback. The
// callback entry is published before WATCH_KEY goes out, so a push can
// never arrive for an unregistered key; registration itself carries no
// acknowledgement, so a mutation racing the subscription may go unseen.
func (s *Store) Watch(key string, fn WatchFunc) error {
	return s.listener.watch(keyPrefix+key, fn)
}

// Host returns the daemon host this store talks to.
func (s *Store) Host() string {
	return s.host
}

// Port returns the daemon TCP port this store talks to.
func (s *Store) Port() int {
	return s.port
}

// Close tears the client down: the watch listener exits, both sockets
// close, and — on the server — the in-process daemon stops. Close is
// idempotent.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		if s.listener != nil {
			s.listener.stop()
		}
		if s.conn != nil {
			s.conn.Close()
		}
		if s.daemon != nil {
			s.daemon.Stop()
		}
	})
}
