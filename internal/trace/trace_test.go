package trace

import (
	"bytes"
	"testing"
	"time"
)

func TestRecordRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	rec, err := NewRecorder(&buf, 2)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	rec.IRQEntry(0, 7)
	rec.IRQExit(0, 7)
	rec.IRQEntry(1, 3)
	rec.IRQExit(1, 3)
	rec.SpuriousIRQ(0, 9)

	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	type got struct {
		kind Kind
		cpu  int
		irq  int
	}
	var records []got
	err = ReadAllRecords(&buf, func(kind Kind, cpu, irq int, d time.Duration) error {
		if kind == KindDispatch && d < 0 {
			t.Errorf("negative duration %v", d)
		}
		records = append(records, got{kind, cpu, irq})
		return nil
	})
	if err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}

	want := []got{
		{KindDispatch, 0, 7},
		{KindDispatch, 1, 3},
		{KindSpurious, 0, 9},
	}
	if len(records) != len(want) {
		t.Fatalf("got %d records, wanted %d", len(records), len(want))
	}
	for i, w := range want {
		if records[i] != w {
			t.Errorf("record %d: got %+v, wanted %+v", i, records[i], w)
		}
	}
}

func TestNestedEntryExit(t *testing.T) {
	var buf bytes.Buffer

	rec, err := NewRecorder(&buf, 1)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	// An interrupt interrupting another: exits unwind innermost first.
	rec.IRQEntry(0, 1)
	rec.IRQEntry(0, 2)
	rec.IRQExit(0, 2)
	rec.IRQExit(0, 1)

	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var irqs []int
	err = ReadAllRecords(&buf, func(kind Kind, cpu, irq int, d time.Duration) error {
		irqs = append(irqs, irq)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	if len(irqs) != 2 || irqs[0] != 2 || irqs[1] != 1 {
		t.Fatalf("got %v, wanted [2 1]", irqs)
	}
}

func TestRejectsBadStream(t *testing.T) {
	err := ReadAllRecords(bytes.NewReader([]byte("not a trace")), func(Kind, int, int, time.Duration) error {
		t.Fatal("callback should not run")
		return nil
	})
	if err == nil {
		t.Fatal("expected error for invalid stream")
	}
}

func TestCloseTwice(t *testing.T) {
	var buf bytes.Buffer
	rec, err := NewRecorder(&buf, 1)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := rec.Close(); err == nil {
		t.Fatal("expected error on second Close")
	}
}

func TestBadCPUCount(t *testing.T) {
	if _, err := NewRecorder(&bytes.Buffer{}, 0); err == nil {
		t.Fatal("expected error for zero cpus")
	}
}
