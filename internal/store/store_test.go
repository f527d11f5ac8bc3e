package store

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"testing"
	"time"
)

// watchSettle is how long tests give the daemon to process a WATCH_KEY
// subscription. Registration carries no acknowledgement, so there is
// nothing to synchronize on.
const watchSettle = 100 * time.Millisecond

// newServer starts a store that owns an in-process daemon on an
// ephemeral port.
func newServer(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{
		Addr:     "127.0.0.1",
		Port:     0,
		IsServer: true,
		Timeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to start server store: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// newWorker connects a plain client to the given server's daemon.
func newWorker(t *testing.T, server *Store) *Store {
	t.Helper()
	w, err := New(Config{
		Addr:    "127.0.0.1",
		Port:    server.Port(),
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to connect worker store: %v", err)
	}
	t.Cleanup(w.Close)
	return w
}

// freePort grabs an ephemeral port and releases it for reuse.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to probe for a free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// TestRoundTrip covers set-then-get, including empty values and values
// with embedded zero bytes.
func TestRoundTrip(t *testing.T) {
	server := newServer(t)

	t.Run("plain value", func(t *testing.T) {
		if err := server.Set("k", []byte("value")); err != nil {
			t.Fatalf("Set: %v", err)
		}
		v, err := server.Get("k")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !bytes.Equal(v, []byte("value")) {
			t.Errorf("Got %q, want %q", v, "value")
		}
	})

	t.Run("empty value", func(t *testing.T) {
		if err := server.Set("empty", nil); err != nil {
			t.Fatalf("Set: %v", err)
		}
		v, err := server.Get("empty")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if len(v) != 0 {
			t.Errorf("Got %d bytes, want 0", len(v))
		}
	})

	t.Run("embedded zero bytes", func(t *testing.T) {
		value := []byte{0x00, 0xAB, 0x00, 0xCD}
		if err := server.Set("zeros", value); err != nil {
			t.Fatalf("Set: %v", err)
		}
		v, err := server.Get("zeros")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !bytes.Equal(v, value) {
			t.Errorf("Got %v, want %v", v, value)
		}
	})

	t.Run("value visible across clients", func(t *testing.T) {
		worker := newWorker(t, server)
		if err := server.Set("shared", []byte{0xAB}); err != nil {
			t.Fatalf("Set: %v", err)
		}
		v, err := worker.Get("shared")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !bytes.Equal(v, []byte{0xAB}) {
			t.Errorf("Got %v, want [0xAB]", v)
		}
	})
}

// TestCounterBarrier runs scenario S1: three clients each add 1 to the
// same counter; the replies are a permutation of 1..3 and the stored
// value is "3".
func TestCounterBarrier(t *testing.T) {
	server := newServer(t)

	var mu sync.Mutex
	var totals []int64
	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		w := newWorker(t, server)
		wg.Add(1)
		go func() {
			defer wg.Done()
			total, err := w.Add("c", 1)
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			totals = append(totals, total)
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Add: %v", err)
	}

	sort.Slice(totals, func(i, j int) bool { return totals[i] < totals[j] })
	want := []int64{1, 2, 3}
	for i, total := range totals {
		if total != want[i] {
			t.Fatalf("Got totals %v, want %v", totals, want)
		}
	}

	v, err := server.Get("c")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "3" {
		t.Errorf("Got %q, want \"3\"", v)
	}
}

// TestWaitThenSet runs scenario S2: a waiter blocks on a missing key
// until another client sets it.
func TestWaitThenSet(t *testing.T) {
	server := newServer(t)
	a := newWorker(t, server)
	b := newWorker(t, server)

	waitDone := make(chan error, 1)
	go func() {
		waitDone <- a.WaitTimeout([]string{"k"}, 2*time.Second)
	}()

	time.Sleep(200 * time.Millisecond)
	if err := b.Set("k", []byte{0xAB}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	select {
	case err := <-waitDone:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Wait did not return after the key was set")
	}

	v, err := a.Get("k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(v, []byte{0xAB}) {
		t.Errorf("Got %v, want [0xAB]", v)
	}
}

// TestWaitTimeout runs scenario S3: a wait on a key nobody sets reports
// a timeout, and the daemon keeps serving fresh clients afterwards.
func TestWaitTimeout(t *testing.T) {
	server := newServer(t)
	a := newWorker(t, server)

	start := time.Now()
	err := a.WaitTimeout([]string{"missing"}, 100*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Got %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Timeout took %v, want about 100ms", elapsed)
	}

	fresh := newWorker(t, server)
	if err := fresh.Set("other", []byte("still works")); err != nil {
		t.Fatalf("Set after another client timed out: %v", err)
	}
	v, err := fresh.Get("other")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "still works" {
		t.Errorf("Got %q, want %q", v, "still works")
	}
}

// TestWatchThenSet runs scenario S4: two sets on a watched key fire the
// callback twice, in order, with the right old/new pairs.
func TestWatchThenSet(t *testing.T) {
	server := newServer(t)
	a := newWorker(t, server)
	b := newWorker(t, server)

	type update struct {
		old   []byte
		value []byte
	}
	updates := make(chan update, 4)
	err := a.Watch("k", func(old, value []byte) {
		updates <- update{old: old, value: value}
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	time.Sleep(watchSettle)

	if err := b.Set("k", []byte{1}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := b.Set("k", []byte{2}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	recv := func() update {
		select {
		case u := <-updates:
			return u
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for a watch callback")
			return update{}
		}
	}

	first := recv()
	if len(first.old) != 0 || !bytes.Equal(first.value, []byte{1}) {
		t.Errorf("First update was %v -> %v, want empty -> [1]", first.old, first.value)
	}
	second := recv()
	if !bytes.Equal(second.old, []byte{1}) || !bytes.Equal(second.value, []byte{2}) {
		t.Errorf("Second update was %v -> %v, want [1] -> [2]", second.old, second.value)
	}

	select {
	case u := <-updates:
		t.Errorf("Unexpected third update: %v -> %v", u.old, u.value)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestWatchIgnoresDelete verifies deletion fires no callback: the
// watcher list goes with the key.
func TestWatchIgnoresDelete(t *testing.T) {
	server := newServer(t)
	a := newWorker(t, server)
	b := newWorker(t, server)

	updates := make(chan struct{}, 4)
	if err := a.Watch("k", func(old, value []byte) { updates <- struct{}{} }); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	time.Sleep(watchSettle)

	if err := b.Set("k", []byte{1}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	select {
	case <-updates:
	case <-time.After(2 * time.Second):
		t.Fatal("No callback for the initial set")
	}

	existed, err := b.Delete("k")
	if err != nil || !existed {
		t.Fatalf("Delete: existed=%v err=%v", existed, err)
	}
	// Re-creating the key pushes nothing either: the subscription died
	// with the key.
	if err := b.Set("k", []byte{2}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	select {
	case <-updates:
		t.Error("Callback fired after the key was deleted")
	case <-time.After(200 * time.Millisecond):
	}
}

// TestCompareSet covers scenario S5 and the compare-set fixed points.
func TestCompareSet(t *testing.T) {
	server := newServer(t)

	t.Run("absent key echoes expected", func(t *testing.T) {
		got, err := server.CompareSet("absent", []byte("e"), []byte("d"))
		if err != nil {
			t.Fatalf("CompareSet: %v", err)
		}
		if !bytes.Equal(got, []byte("e")) {
			t.Errorf("Got %q, want the caller's expected value %q", got, "e")
		}
		ready, err := server.Check([]string{"absent"})
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if ready {
			t.Error("Key exists after a compare-set on an absent key")
		}
	})

	t.Run("mismatch leaves value", func(t *testing.T) {
		if err := server.Set("k", []byte{1}); err != nil {
			t.Fatalf("Set: %v", err)
		}
		got, err := server.CompareSet("k", []byte{9}, []byte{2})
		if err != nil {
			t.Fatalf("CompareSet: %v", err)
		}
		if !bytes.Equal(got, []byte{1}) {
			t.Errorf("Got %v, want [1]", got)
		}
		v, err := server.Get("k")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !bytes.Equal(v, []byte{1}) {
			t.Errorf("Value changed to %v, want [1]", v)
		}
	})

	t.Run("match swaps value", func(t *testing.T) {
		got, err := server.CompareSet("k", []byte{1}, []byte{2})
		if err != nil {
			t.Fatalf("CompareSet: %v", err)
		}
		if !bytes.Equal(got, []byte{2}) {
			t.Errorf("Got %v, want [2]", got)
		}
		v, err := server.Get("k")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !bytes.Equal(v, []byte{2}) {
			t.Errorf("Value is %v, want [2]", v)
		}
	})
}

// TestDelete runs scenario S6.
func TestDelete(t *testing.T) {
	server := newServer(t)

	if err := server.Set("k", []byte{0}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	existed, err := server.Delete("k")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !existed {
		t.Error("First delete reported the key missing")
	}
	existed, err = server.Delete("k")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if existed {
		t.Error("Second delete reported the key present")
	}
}

// TestCheckAndNumKeys exercises the non-blocking inspection calls.
func TestCheckAndNumKeys(t *testing.T) {
	server := newServer(t)

	ready, err := server.Check([]string{"a", "b"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ready {
		t.Error("Check reported READY for missing keys")
	}

	if err := server.Set("a", []byte("1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := server.Set("b", []byte("2")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	ready, err = server.Check([]string{"a", "b"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !ready {
		t.Error("Check reported NOT_READY with both keys present")
	}

	n, err := server.NumKeys()
	if err != nil {
		t.Fatalf("NumKeys: %v", err)
	}
	if n != 2 {
		t.Errorf("Got %d keys, want 2", n)
	}
}

// TestRendezvous brings up a server expecting three participants (itself
// and two workers) and lets the workers check in; the server's New
// returns once the counter fills, and every New succeeds.
func TestRendezvous(t *testing.T) {
	port := freePort(t)

	workerErrs := make(chan error, 2)
	var workers sync.Mutex
	var open []*Store
	for i := 0; i < 2; i++ {
		go func() {
			w, err := New(Config{
				Addr:        "127.0.0.1",
				Port:        port,
				NumWorkers:  3,
				WaitWorkers: true,
				Timeout:     5 * time.Second,
			})
			if err == nil {
				workers.Lock()
				open = append(open, w)
				workers.Unlock()
			}
			workerErrs <- err
		}()
	}

	server, err := New(Config{
		Addr:        "127.0.0.1",
		Port:        port,
		NumWorkers:  3,
		IsServer:    true,
		WaitWorkers: true,
		Timeout:     5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Server rendezvous failed: %v", err)
	}
	t.Cleanup(func() {
		workers.Lock()
		for _, w := range open {
			w.Close()
		}
		workers.Unlock()
		server.Close()
	})

	for i := 0; i < 2; i++ {
		if err := <-workerErrs; err != nil {
			t.Fatalf("Worker rendezvous failed: %v", err)
		}
	}
}

// TestRendezvousQuietTimeout verifies the server-side rendezvous gives
// up quietly when workers never arrive.
func TestRendezvousQuietTimeout(t *testing.T) {
	start := time.Now()
	server, err := New(Config{
		Addr:        "127.0.0.1",
		Port:        0,
		NumWorkers:  2,
		IsServer:    true,
		WaitWorkers: true,
		Timeout:     300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Got error %v, want a quiet return", err)
	}
	t.Cleanup(server.Close)
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("Rendezvous returned after %v, before the timeout", elapsed)
	}
}

// TestHostPort checks the accessors against the bound daemon.
func TestHostPort(t *testing.T) {
	server := newServer(t)
	if server.Host() != "127.0.0.1" {
		t.Errorf("Host is %q, want 127.0.0.1", server.Host())
	}
	if server.Port() == 0 {
		t.Error("Port is 0, want the daemon's bound port")
	}

	worker := newWorker(t, server)
	if worker.Port() != server.Port() {
		t.Errorf("Worker port %d, want %d", worker.Port(), server.Port())
	}
}

// TestManyClients hammers the daemon with a burst of concurrent adds
// and sets from independent connections, then waits for every set key.
func TestManyClients(t *testing.T) {
	server := newServer(t)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n*2)
	for i := 0; i < n; i++ {
		w := newWorker(t, server)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := w.Add("total", 1); err != nil {
				errs <- fmt.Errorf("add: %w", err)
				return
			}
			if err := w.Set(fmt.Sprintf("done-%d", i), []byte("1")); err != nil {
				errs <- fmt.Errorf("set: %w", err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("done-%d", i)
	}
	if err := server.Wait(keys); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	v, err := server.Get("total")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "8" {
		t.Errorf("Got total %q, want \"8\"", v)
	}
}
