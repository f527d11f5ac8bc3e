package daemon

import (
	"bytes"
	"fmt"
	"strconv"

	"slices"

	"github.com/dreamware/rendez/internal/wire"
)

// handle applies one request to the store. A returned error is fatal for
// the requesting connection: the caller closes it and scrubs the
// overlays.
func (d *Daemon) handle(req request) error {
	switch req.op {
	case wire.OpSet:
		return d.handleSet(req)
	case wire.OpCompareSet:
		return d.handleCompareSet(req)
	case wire.OpGet:
		return d.handleGet(req)
	case wire.OpAdd:
		return d.handleAdd(req)
	case wire.OpCheck:
		return d.handleCheck(req)
	case wire.OpWait:
		return d.handleWait(req)
	case wire.OpGetNumKeys:
		return req.from.conn.WriteInt64(int64(len(d.store)), false)
	case wire.OpWatchKey:
		d.watching[req.key] = append(d.watching[req.key], req.from)
		return nil
	case wire.OpDeleteKey:
		return d.handleDelete(req)
	}
	return fmt.Errorf("unhandled opcode %s", req.op)
}

// handleSet stores the value, wakes every waiter whose last missing key
// this was, and pushes the update to watchers. SET has no reply.
func (d *Daemon) handleSet(req request) error {
	old := d.store[req.key]
	d.store[req.key] = req.value
	d.wakeWaiters(req.key)
	d.notifyWatchers(req.key, old, req.value)
	return nil
}

// handleCompareSet swaps the value iff it currently equals expected.
//
// When the key is absent the reply echoes the caller's expected value
// verbatim and the key stays absent — the reply does not signal absence
// and reads as if the key held expected. Long-standing protocol quirk,
// kept for compatibility.
func (d *Daemon) handleCompareSet(req request) error {
	cur, ok := d.store[req.key]
	if !ok {
		return req.from.conn.WriteVector(req.expected, false)
	}
	if bytes.Equal(cur, req.expected) {
		d.store[req.key] = req.desired
		cur = req.desired
		d.notifyWatchers(req.key, req.expected, req.desired)
	}
	return req.from.conn.WriteVector(cur, false)
}

// handleGet replies with the stored value. Clients wait for the key
// before getting it; a miss here means a misbehaving client and fails
// the connection.
func (d *Daemon) handleGet(req request) error {
	v, ok := d.store[req.key]
	if !ok {
		return fmt.Errorf("get %q: no such key", req.key)
	}
	return req.from.conn.WriteVector(v, false)
}

// handleAdd treats the value as a decimal integer, adds the delta, and
// stores the decimal result. The reply goes out before waiters and
// watchers are told, so the caller sees its own running total first.
func (d *Daemon) handleAdd(req request) error {
	total := req.delta
	old, ok := d.store[req.key]
	if ok {
		cur, err := strconv.ParseInt(string(old), 10, 64)
		if err != nil {
			return fmt.Errorf("add %q: value is not numeric: %v", req.key, err)
		}
		total += cur
	}
	value := []byte(strconv.FormatInt(total, 10))
	d.store[req.key] = value
	if err := req.from.conn.WriteInt64(total, false); err != nil {
		return err
	}
	d.wakeWaiters(req.key)
	d.notifyWatchers(req.key, old, value)
	return nil
}

// handleCheck reports whether every named key exists. It never blocks and
// never registers a wait.
func (d *Daemon) handleCheck(req request) error {
	tag := wire.Ready
	if !d.haveAll(req.keys) {
		tag = wire.NotReady
	}
	return req.from.conn.WriteTag(byte(tag), false)
}

// handleWait replies immediately when every key exists; otherwise it
// registers the connection on each absent key and defers the reply until
// SET or ADD fills the last one in.
func (d *Daemon) handleWait(req request) error {
	if d.haveAll(req.keys) {
		return req.from.conn.WriteTag(byte(wire.StopWaiting), false)
	}
	n := 0
	for _, key := range req.keys {
		if _, ok := d.store[key]; !ok {
			d.waiting[key] = append(d.waiting[key], req.from)
			n++
		}
	}
	d.awaited[req.from] = n
	return nil
}

// handleDelete erases the key and replies with the number of keys
// removed. The key's watcher list goes with it. Waiters are left alone:
// a client waiting on the deleted key stays blocked until its own
// timeout fires.
func (d *Daemon) handleDelete(req request) error {
	_, ok := d.store[req.key]
	delete(d.store, req.key)
	delete(d.watching, req.key)
	var n int64
	if ok {
		n = 1
	}
	return req.from.conn.WriteInt64(n, false)
}

func (d *Daemon) haveAll(keys []string) bool {
	for _, key := range keys {
		if _, ok := d.store[key]; !ok {
			return false
		}
	}
	return true
}

// wakeWaiters decrements the remaining-count of every connection waiting
// on key and sends STOP_WAITING to those that reach zero. The key's wait
// list is erased either way.
func (d *Daemon) wakeWaiters(key string) {
	waiters, ok := d.waiting[key]
	if !ok {
		return
	}
	for _, c := range waiters {
		d.awaited[c]--
		if d.awaited[c] > 0 {
			continue
		}
		delete(d.awaited, c)
		// A failed wakeup means the waiter died; its reader delivers
		// the disconnect and the loop scrubs it.
		_ = c.conn.WriteTag(byte(wire.StopWaiting), false)
	}
	delete(d.waiting, key)
}

// notifyWatchers pushes a KEY_UPDATED frame carrying the old and new
// values to every subscriber of key, in subscription order.
func (d *Daemon) notifyWatchers(key string, old, value []byte) {
	for _, c := range d.watching[key] {
		d.pushUpdate(c, key, old, value)
	}
}

func (d *Daemon) pushUpdate(c *client, key string, old, value []byte) {
	// Push errors are not fatal for the connection being serviced; the
	// dead watcher's own reader reports the close.
	if err := c.conn.WriteTag(byte(wire.KeyUpdated), true); err != nil {
		return
	}
	if err := c.conn.WriteString(key, true); err != nil {
		return
	}
	if err := c.conn.WriteVector(old, true); err != nil {
		return
	}
	_ = c.conn.WriteVector(value, false)
}

// scrub removes every trace of a dead connection from the overlays,
// erasing list buckets it leaves empty.
func (d *Daemon) scrub(c *client) {
	for key, waiters := range d.waiting {
		waiters = slices.DeleteFunc(waiters, func(w *client) bool { return w == c })
		if len(waiters) == 0 {
			delete(d.waiting, key)
		} else {
			d.waiting[key] = waiters
		}
	}
	delete(d.awaited, c)
	for key, watchers := range d.watching {
		watchers = slices.DeleteFunc(watchers, func(w *client) bool { return w == c })
		if len(watchers) == 0 {
			delete(d.watching, key)
		} else {
			d.watching[key] = watchers
		}
	}
}
