package daemon

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/dreamware/rendez/internal/wire"
)

// client is the daemon's view of one accepted socket.
type client struct {
	conn *wire.Conn
}

// request is one parsed frame from a client, or a disconnect event when
// err is set. Only the fields relevant to op are populated.
type request struct {
	from     *client
	op       wire.Op
	key      string
	keys     []string
	value    []byte
	expected []byte
	desired  []byte
	delta    int64
	err      error
}

// Daemon is the rendezvous server. It owns the key–value map and the
// wait/watch overlays; all of them are confined to the event-loop
// goroutine started by New.
type Daemon struct {
	ln net.Listener

	// Loop-owned state. Touched only by run().
	store    map[string][]byte
	waiting  map[string][]*client // key -> conns blocked on it
	awaited  map[*client]int      // conn -> keys still missing
	watching map[string][]*client // key -> subscribed conns
	conns    map[*client]struct{}

	newConns chan net.Conn
	requests chan request

	done     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New binds addr (host:port; port 0 picks an ephemeral port) and starts
// the daemon. The returned Daemon is serving when New returns.
func New(addr string) (*Daemon, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	d := &Daemon{
		ln:       ln,
		store:    make(map[string][]byte),
		waiting:  make(map[string][]*client),
		awaited:  make(map[*client]int),
		watching: make(map[string][]*client),
		conns:    make(map[*client]struct{}),
		newConns: make(chan net.Conn),
		requests: make(chan request),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.acceptLoop()
	go d.run()
	return d, nil
}

// Addr returns the daemon's bound listen address.
func (d *Daemon) Addr() net.Addr {
	return d.ln.Addr()
}

// Port returns the daemon's bound TCP port. Useful when New was given
// port 0.
func (d *Daemon) Port() int {
	return d.ln.Addr().(*net.TCPAddr).Port
}

// Stop shuts the daemon down: the event loop exits, the listener and
// every tracked socket are closed, and all goroutines are joined. Stop is
// idempotent and safe to call from any goroutine.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		close(d.done)
	})
	<-d.loopDone
	d.wg.Wait()
}

// acceptLoop hands accepted sockets to the event loop. It exits when the
// listener is closed during teardown.
func (d *Daemon) acceptLoop() {
	defer d.wg.Done()
	for {
		nc, err := d.ln.Accept()
		if err != nil {
			return
		}
		select {
		case d.newConns <- nc:
		case <-d.done:
			nc.Close()
			return
		}
	}
}

// serve parses frames from one socket and delivers them to the event
// loop. Any failure, EOF included, is delivered as a disconnect event so
// the loop can scrub the socket.
func (d *Daemon) serve(c *client) {
	defer d.wg.Done()
	for {
		req, err := readRequest(c)
		if err != nil {
			select {
			case d.requests <- request{from: c, err: err}:
			case <-d.done:
			}
			return
		}
		select {
		case d.requests <- req:
		case <-d.done:
			return
		}
	}
}

// run is the event loop. It is the only goroutine that touches the store
// map, the overlays, or any socket's write side.
func (d *Daemon) run() {
	defer close(d.loopDone)
	for {
		// Shutdown wins over pending work.
		select {
		case <-d.done:
			d.teardown()
			return
		default:
		}
		select {
		case <-d.done:
			d.teardown()
			return
		case nc := <-d.newConns:
			c := &client{conn: wire.NewConn(nc)}
			d.conns[c] = struct{}{}
			d.wg.Add(1)
			go d.serve(c)
		case req := <-d.requests:
			d.dispatch(req)
		}
	}
}

// dispatch runs one request to completion, dropping the connection on
// any handler or transport error.
func (d *Daemon) dispatch(req request) {
	c := req.from
	if _, ok := d.conns[c]; !ok {
		// Already dropped by an earlier error; the reader's trailing
		// disconnect event lands here.
		return
	}
	err := req.err
	if err == nil {
		err = d.handle(req)
	}
	if err != nil {
		if !errors.Is(err, io.EOF) {
			log.Printf("daemon: dropping client %s: %v", c.conn.RemoteAddr(), err)
		}
		d.drop(c)
	}
}

// drop closes a socket and scrubs it from every overlay.
func (d *Daemon) drop(c *client) {
	c.conn.Close()
	delete(d.conns, c)
	d.scrub(c)
}

// teardown closes the listener and every tracked socket, unblocking the
// accept and reader goroutines.
func (d *Daemon) teardown() {
	d.ln.Close()
	for c := range d.conns {
		c.conn.Close()
	}
}

// readRequest reads one full request frame. It runs on the connection's
// reader goroutine and must not touch daemon state.
func readRequest(c *client) (request, error) {
	op, err := c.conn.ReadOp()
	if err != nil {
		return request{}, err
	}
	req := request{from: c, op: op}
	switch op {
	case wire.OpSet:
		if req.key, err = c.conn.ReadString(); err != nil {
			return req, err
		}
		req.value, err = c.conn.ReadVector()
	case wire.OpCompareSet:
		if req.key, err = c.conn.ReadString(); err != nil {
			return req, err
		}
		if req.expected, err = c.conn.ReadVector(); err != nil {
			return req, err
		}
		req.desired, err = c.conn.ReadVector()
	case wire.OpGet, wire.OpWatchKey, wire.OpDeleteKey:
		req.key, err = c.conn.ReadString()
	case wire.OpAdd:
		if req.key, err = c.conn.ReadString(); err != nil {
			return req, err
		}
		req.delta, err = c.conn.ReadInt64()
	case wire.OpCheck, wire.OpWait:
		req.keys, err = readKeyList(c.conn)
	case wire.OpGetNumKeys:
		// No arguments.
	default:
		return req, fmt.Errorf("unknown opcode %d", byte(op))
	}
	return req, err
}

// readKeyList reads the count-prefixed key list carried by CHECK and
// WAIT.
func readKeyList(conn *wire.Conn) ([]string, error) {
	n, err := conn.ReadUint64()
	if err != nil {
		return nil, err
	}
	if n > maxKeysPerRequest {
		return nil, fmt.Errorf("key list of %d exceeds limit", n)
	}
	keys := make([]string, n)
	for i := range keys {
		if keys[i], err = conn.ReadString(); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// maxKeysPerRequest bounds the key list a single CHECK or WAIT may carry.
const maxKeysPerRequest = 1 << 20
