package bufpool

import "testing"

func TestAcquireReleaseRecycles(t *testing.T) {
	p := New("test")
	b := p.Acquire()
	if len(b.Bytes) != PageSize {
		t.Fatalf("expected page-sized buffer, got %d", len(b.Bytes))
	}
	p.Release(b, 10)

	b2 := p.Acquire()
	if len(b2.Bytes) != PageSize {
		t.Fatalf("expected recycled buffer to be page-sized, got %d", len(b2.Bytes))
	}
}

func TestReleaseShrinksOversizeBuffer(t *testing.T) {
	p := New("test")
	b := p.Acquire()
	b.Bytes = Grow(b.Bytes, ShrinkThreshold+1)
	p.Release(b, ShrinkThreshold+1)

	if p.shrunk.Load() != 1 {
		t.Fatalf("expected one shrink event, got %d", p.shrunk.Load())
	}
}

func TestGrowPreservesContent(t *testing.T) {
	buf := []byte("hello")
	grown := Grow(buf, 10)
	if string(grown[:5]) != "hello" {
		t.Fatalf("Grow did not preserve content: %q", grown[:5])
	}
	if len(grown) != 10 {
		t.Fatalf("Grow did not extend length: %d", len(grown))
	}
}

func TestGroupStatsReportsName(t *testing.T) {
	p := New("worker-0")
	if got := p.GroupStats(); got == "" {
		t.Fatal("expected non-empty stats string")
	}
}
