package metrics

import (
	"sync"
	"testing"
	"time"
)

type call struct {
	kind   string
	name   string
	value  float64
	labels Labels
}

type recordingBackend struct {
	mu     sync.Mutex
	calls  []call
	flushs int
}

func (r *recordingBackend) IncCounter(name string, delta float64, labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{"counter", name, delta, labels})
}

func (r *recordingBackend) ObserveHistogram(name string, value float64, labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{"histogram", name, value, labels})
}

func (r *recordingBackend) Flush() error {
	r.flushs++
	return nil
}

// These tests mutate the process backend and therefore do not run in parallel.

func TestRecordStep_EmitsCounterAndHistogram(t *testing.T) {
	rb := &recordingBackend{}
	SetBackend(rb)
	t.Cleanup(func() { SetBackend(nil) })

	RecordStep("transfer", "ok", 1500*time.Millisecond)

	if len(rb.calls) != 2 {
		t.Fatalf("expected 2 calls, got %+v", rb.calls)
	}
	if rb.calls[0].name != StepTotal || rb.calls[0].value != 1 || rb.calls[0].labels["step"] != "transfer" {
		t.Fatalf("unexpected counter call: %+v", rb.calls[0])
	}
	if rb.calls[1].name != StepDurationSeconds || rb.calls[1].value != 1.5 || rb.calls[1].labels["status"] != "ok" {
		t.Fatalf("unexpected histogram call: %+v", rb.calls[1])
	}
}

func TestRecordRows_SkipsNonPositive(t *testing.T) {
	rb := &recordingBackend{}
	SetBackend(rb)
	t.Cleanup(func() { SetBackend(nil) })

	RecordRows("inserted", 0)
	RecordRows("inserted", 42)

	if len(rb.calls) != 1 || rb.calls[0].value != 42 || rb.calls[0].labels["kind"] != "inserted" {
		t.Fatalf("unexpected calls: %+v", rb.calls)
	}
}

func TestRecordHTTP_StatusLabel(t *testing.T) {
	rb := &recordingBackend{}
	SetBackend(rb)
	t.Cleanup(func() { SetBackend(nil) })

	RecordHTTP("POST", "/api/upload-csv", 409, time.Millisecond)
	if rb.calls[0].labels["status"] != "409" || rb.calls[0].labels["route"] != "/api/upload-csv" {
		t.Fatalf("unexpected labels: %+v", rb.calls[0].labels)
	}
}

func TestSetBackend_NilRestoresNop(t *testing.T) {
	rb := &recordingBackend{}
	SetBackend(rb)
	SetBackend(nil)

	RecordFile("uploaded")
	if err := Flush(); err != nil {
		t.Fatalf("nop Flush: %v", err)
	}
	if len(rb.calls) != 0 || rb.flushs != 0 {
		t.Fatalf("old backend still receiving events: %+v", rb.calls)
	}
}
