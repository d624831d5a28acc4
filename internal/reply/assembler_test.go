package reply

import (
	"bytes"
	"testing"
)

func TestAddIOVSingleMessageTCP(t *testing.T) {
	a := New(false, DefaultIOVMax, 0)
	a.AddMsgHdr()
	if err := a.AddIOV([]byte("VALUE a 0 1\r\n"), true); err != nil {
		t.Fatal(err)
	}
	if err := a.AddIOV([]byte("1\r\n"), false); err != nil {
		t.Fatal(err)
	}
	if a.MsgUsed() != 1 {
		t.Fatalf("expected 1 message, got %d", a.MsgUsed())
	}
	if a.IOVUsed() != 2 {
		t.Fatalf("expected 2 segments, got %d", a.IOVUsed())
	}
}

func TestAddIOVSplitsAcrossUDPLimit(t *testing.T) {
	a := New(true, DefaultIOVMax, 7)
	a.AddMsgHdr()

	big := bytes.Repeat([]byte("x"), UDPMaxPayloadSize*2+100)
	if err := a.AddIOV(big, true); err != nil {
		t.Fatal(err)
	}
	if a.MsgUsed() < 3 {
		t.Fatalf("expected at least 3 messages from split, got %d", a.MsgUsed())
	}
	for _, m := range a.Messages {
		if m.Len() > UDPMaxPayloadSize {
			t.Fatalf("message exceeds UDP payload limit: %d", m.Len())
		}
	}
}

func TestBuildUDPHeadersFields(t *testing.T) {
	a := New(true, DefaultIOVMax, 42)
	a.AddMsgHdr()
	if err := a.AddIOV([]byte("VALUE a 0 1\r\n1\r\n"), true); err != nil {
		t.Fatal(err)
	}
	a.AddMsgHdr()
	if err := a.AddIOV([]byte("END\r\n"), true); err != nil {
		t.Fatal(err)
	}
	a.BuildUDPHeaders()

	id, seq, count, _, ok := ParseUDPHeader(a.Messages[0].headerSpace[:])
	if !ok {
		t.Fatal("expected valid header")
	}
	if id != 42 || seq != 0 || count != 2 {
		t.Fatalf("unexpected header: id=%d seq=%d count=%d", id, seq, count)
	}
	_, seq2, count2, _, _ := ParseUDPHeader(a.Messages[1].headerSpace[:])
	if seq2 != 1 || count2 != 2 {
		t.Fatalf("unexpected second header: seq=%d count=%d", seq2, count2)
	}
}

type fakeSender struct {
	writes     [][]byte
	blockAfter int // return ErrWouldBlock after this many bytes total
	sent       int
}

func (f *fakeSender) SendV(segments [][]byte) (int, error) {
	total := 0
	for _, s := range segments {
		total += len(s)
	}
	if f.blockAfter > 0 && f.sent+total > f.blockAfter {
		allowed := f.blockAfter - f.sent
		if allowed < 0 {
			allowed = 0
		}
		f.sent += allowed
		rem := allowed
		for _, s := range segments {
			if rem <= 0 {
				break
			}
			take := len(s)
			if take > rem {
				take = rem
			}
			f.writes = append(f.writes, append([]byte(nil), s[:take]...))
			rem -= take
		}
		if allowed == 0 {
			return 0, ErrWouldBlock
		}
		return allowed, ErrWouldBlock
	}
	f.sent += total
	for _, s := range segments {
		f.writes = append(f.writes, append([]byte(nil), s...))
	}
	return total, nil
}

func TestTransmitCompleteTCP(t *testing.T) {
	a := New(false, DefaultIOVMax, 0)
	a.AddMsgHdr()
	a.AddIOV([]byte("STORED\r\n"), true)

	sender := &fakeSender{}
	status, err := Transmit(a, sender)
	if err != nil || status != Complete {
		t.Fatalf("status=%v err=%v", status, err)
	}
}

func TestTransmitPartialThenComplete(t *testing.T) {
	a := New(false, DefaultIOVMax, 0)
	a.AddMsgHdr()
	a.AddIOV([]byte("0123456789"), true)

	sender := &fakeSender{blockAfter: 4}
	status, err := Transmit(a, sender)
	if err != nil {
		t.Fatal(err)
	}
	if status != SoftError {
		t.Fatalf("expected SoftError on first pass, got %v", status)
	}

	// second pass: unblock entirely
	sender.blockAfter = 0
	status, err = Transmit(a, sender)
	if err != nil || status != Complete {
		t.Fatalf("status=%v err=%v", status, err)
	}
	if string(bytesJoin(sender.writes)) != "0123456789" {
		t.Fatalf("unexpected bytes written: %q", bytesJoin(sender.writes))
	}
}

func bytesJoin(chunks [][]byte) []byte {
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

func TestTransmitUDPHardError(t *testing.T) {
	a := New(true, DefaultIOVMax, 1)
	a.AddMsgHdr()
	a.AddIOV([]byte("END\r\n"), true)
	a.BuildUDPHeaders()

	sender := &erroringSender{}
	status, err := Transmit(a, sender)
	if err == nil || status != HardError {
		t.Fatalf("expected HardError, got status=%v err=%v", status, err)
	}
}

type erroringSender struct{}

func (erroringSender) SendV(segments [][]byte) (int, error) {
	return 0, bytes.ErrTooLarge
}
