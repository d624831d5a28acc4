package proto

import (
	"testing"

	"gophercache/internal/clock"
	"gophercache/internal/deferred"
	"gophercache/internal/stats"
	"gophercache/internal/store"
)

type testResponder struct {
	lines     []string
	values    []string
	quit      bool
	pendingCB func([]byte)
}

func (f *testResponder) Line(s string) { f.lines = append(f.lines, s) }
func (f *testResponder) Value(it *store.Item) {
	f.values = append(f.values, it.Key+":"+string(it.Value))
}
func (f *testResponder) NeedBody(length int, cb func(body []byte)) {
	f.pendingCB = cb
}
func (f *testResponder) Quit() { f.quit = true }

func newDispatcher() (*Dispatcher, *stats.Stats) {
	st := store.New()
	reg := stats.NewRegistry()
	workerStats := stats.New("test")
	reg.Register(workerStats)
	return &Dispatcher{
		Store:    st,
		Deferred: deferred.New(st),
		Registry: reg,
		Version:  "1.0.0-test",
	}, workerStats
}

func TestDispatchSetThenGet(t *testing.T) {
	d, st := newDispatcher()
	r := &testResponder{}

	d.Dispatch(r, []byte("set a 0 0 1"), st)
	if r.pendingCB == nil {
		t.Fatal("expected NeedBody to be called")
	}
	r.pendingCB([]byte("1"))
	if len(r.lines) != 1 || r.lines[0] != "STORED" {
		t.Fatalf("unexpected reply: %v", r.lines)
	}

	r2 := &testResponder{}
	d.Dispatch(r2, []byte("get a"), st)
	if len(r2.values) != 1 || r2.values[0] != "a:1" {
		t.Fatalf("unexpected get result: %v", r2.values)
	}
	if len(r2.lines) != 1 || r2.lines[0] != "END" {
		t.Fatalf("expected trailing END, got %v", r2.lines)
	}
}

func TestDispatchReplaceMissing(t *testing.T) {
	d, st := newDispatcher()
	r := &testResponder{}
	d.Dispatch(r, []byte("replace x 0 0 3"), st)
	r.pendingCB([]byte("foo"))
	if len(r.lines) != 1 || r.lines[0] != "NOT_STORED" {
		t.Fatalf("unexpected reply: %v", r.lines)
	}
}

func TestDispatchIncrDecr(t *testing.T) {
	d, st := newDispatcher()
	r := &testResponder{}
	d.Dispatch(r, []byte("set k 0 0 1"), st)
	r.pendingCB([]byte("9"))

	r2 := &testResponder{}
	d.Dispatch(r2, []byte("incr k 2"), st)
	if r2.lines[0] != "11" {
		t.Fatalf("expected 11, got %v", r2.lines)
	}

	r3 := &testResponder{}
	d.Dispatch(r3, []byte("decr k 100"), st)
	if r3.lines[0] != "0" {
		t.Fatalf("expected saturated 0, got %v", r3.lines)
	}
}

func TestDispatchOversizeKey(t *testing.T) {
	d, st := newDispatcher()
	bigKey := make([]byte, 251)
	for i := range bigKey {
		bigKey[i] = 'a'
	}
	r := &testResponder{}
	d.Dispatch(r, append([]byte("get "), bigKey...), st)
	if len(r.lines) != 1 || r.lines[0] != "CLIENT_ERROR bad command line format" {
		t.Fatalf("unexpected reply: %v", r.lines)
	}
}

func TestDispatchDeferredDelete(t *testing.T) {
	stop := clock.Start()
	defer stop()

	d, st := newDispatcher()
	r := &testResponder{}
	d.Dispatch(r, []byte("set d 0 0 1"), st)
	r.pendingCB([]byte("X"))

	r2 := &testResponder{}
	d.Dispatch(r2, []byte("delete d 5"), st)
	if r2.lines[0] != "DELETED" {
		t.Fatalf("expected DELETED, got %v", r2.lines)
	}

	r3 := &testResponder{}
	d.Dispatch(r3, []byte("get d"), st)
	if len(r3.values) != 0 || r3.lines[0] != "END" {
		t.Fatalf("expected deleted key invisible, got values=%v lines=%v", r3.values, r3.lines)
	}

	r4 := &testResponder{}
	d.Dispatch(r4, []byte("add d 0 0 1"), st)
	r4.pendingCB([]byte("Y"))
	if r4.lines[0] != "NOT_STORED" {
		t.Fatalf("expected add to fail under delete-lock, got %v", r4.lines)
	}
}

func TestDispatchUnknownVerb(t *testing.T) {
	d, st := newDispatcher()
	r := &testResponder{}
	d.Dispatch(r, []byte("frobnicate"), st)
	if len(r.lines) != 1 || r.lines[0] != "ERROR" {
		t.Fatalf("unexpected reply: %v", r.lines)
	}
}
