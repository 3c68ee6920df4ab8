package agent

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"balancerd/internal/protocol"
	"balancerd/internal/reconcile"
	"balancerd/internal/slots"
	"balancerd/pkg/types"
)

func newTestRunner(t *testing.T, a *fakeAdapter) (*SlotRunner, *slots.Status) {
	t.Helper()
	h, err := slots.NewManager(0).BindSlotStatus()
	if err != nil {
		t.Fatal(err)
	}
	r := NewSlotRunner(a, h, 1, zerolog.Nop())
	t.Cleanup(r.Close)
	return r, h.Status()
}

func applied(path string, n int) types.ApplicableState {
	return types.ApplicableState{ModelPath: path, Slots: n}
}

func waitIdle(t *testing.T, st *slots.Status, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for st.Snapshot().SlotsIdle != want {
		if time.Now().After(deadline) {
			t.Fatalf("idle = %d, want %d", st.Snapshot().SlotsIdle, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestApplyStartsSlots(t *testing.T) {
	r, st := newTestRunner(t, &fakeAdapter{})
	if err := r.Apply(context.Background(), applied("/m.gguf", 3)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	snap := st.Snapshot()
	if snap.SlotsTotal != 3 || snap.SlotsIdle != 3 || snap.SlotsProcessing != 0 {
		t.Fatalf("status = %+v", snap)
	}
}

func TestSubmitStreamsTokens(t *testing.T) {
	r, st := newTestRunner(t, &fakeAdapter{tokens: []string{"a", "b", "c"}})
	if err := r.Apply(context.Background(), applied("/m.gguf", 1)); err != nil {
		t.Fatal(err)
	}
	rec := newRecorder()
	if err := r.Submit("req-1", "hi", 2, rec.emit); err != nil {
		t.Fatalf("submit: %v", err)
	}
	var got []string
	for {
		m, ok := rec.next()
		if !ok {
			t.Fatalf("no response")
		}
		if m.Response.Kind == protocol.ResponseDone {
			break
		}
		got = append(got, m.Response.Token)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("tokens = %v", got)
	}
	waitIdle(t, st, 1)
	if r.InFlight() != 0 {
		t.Fatalf("in flight = %d", r.InFlight())
	}
}

func TestSubmitWithoutIdleSlot(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	r, _ := newTestRunner(t, &fakeAdapter{block: block})
	rec := newRecorder()
	if err := r.Submit("early", "hi", 1, rec.emit); !slots.IsNoIdleSlot(err) {
		t.Fatalf("before apply err = %v", err)
	}
	if err := r.Apply(context.Background(), applied("/m.gguf", 1)); err != nil {
		t.Fatal(err)
	}
	if err := r.Submit("a", "hi", 1, rec.emit); err != nil {
		t.Fatal(err)
	}
	if err := r.Submit("b", "hi", 1, rec.emit); !slots.IsNoIdleSlot(err) {
		t.Fatalf("err = %v, want no idle slot", err)
	}
}

func TestStopCancelsWithoutReply(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	r, st := newTestRunner(t, &fakeAdapter{block: block})
	if err := r.Apply(context.Background(), applied("/m.gguf", 1)); err != nil {
		t.Fatal(err)
	}
	rec := newRecorder()
	if err := r.Submit("a", "hi", 1, rec.emit); err != nil {
		t.Fatal(err)
	}
	r.Stop("a")
	waitIdle(t, st, 1)
	select {
	case m := <-rec.ch:
		t.Fatalf("unexpected reply %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReapplyFailsRunningRequests(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	a := &fakeAdapter{block: block}
	r, st := newTestRunner(t, a)
	if err := r.Apply(context.Background(), applied("/m.gguf", 2)); err != nil {
		t.Fatal(err)
	}
	rec := newRecorder()
	if err := r.Submit("a", "hi", 1, rec.emit); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, st, 1)

	if err := r.Apply(context.Background(), applied("/n.gguf", 3)); err != nil {
		t.Fatal(err)
	}
	m, ok := rec.next()
	if !ok || m.Kind != protocol.KindError || m.Error.Code != protocol.CodeUnavailable {
		t.Fatalf("reply = %+v", m)
	}
	if got := st.Snapshot(); got.SlotsTotal != 3 || got.SlotsIdle != 3 {
		t.Fatalf("status = %+v", got)
	}
	if open := a.open.Load(); open != 3 {
		t.Fatalf("open sessions = %d, want 3", open)
	}
}

func TestSlotStartFailureIsNonBlockingIssue(t *testing.T) {
	a := &fakeAdapter{failStarts: map[int]bool{1: true}}
	r, st := newTestRunner(t, a)
	if err := r.Apply(context.Background(), applied("/m.gguf", 3)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	snap := st.Snapshot()
	if snap.SlotsTotal != 2 {
		t.Fatalf("total = %d, want 2", snap.SlotsTotal)
	}
	if len(snap.Issues) != 1 || snap.Issues[0].Kind != types.IssueSlotCannotStart || snap.Issues[0].SlotIndex != 1 {
		t.Fatalf("issues = %v", snap.Issues)
	}
	if snap.Issues[0].IsBlocking() {
		t.Fatalf("slot issue must not block dispatch")
	}

	if err := r.Apply(context.Background(), applied("/m.gguf", 1)); err != nil {
		t.Fatal(err)
	}
	if st.HasIssues() {
		t.Fatalf("stale slot issue kept: %v", st.Snapshot().Issues)
	}
}

func TestNoSlotStartsReportsModel(t *testing.T) {
	a := &fakeAdapter{failStarts: map[int]bool{0: true, 1: true}}
	r, st := newTestRunner(t, a)
	err := r.Apply(context.Background(), applied("/m.gguf", 2))
	issue, ok := reconcile.IssueFromError(err)
	if !ok || issue != types.ModelCannotBeLoaded("/m.gguf") {
		t.Fatalf("err = %v", err)
	}
	if st.HasIssues() {
		t.Fatalf("slot issues left: %v", st.Snapshot().Issues)
	}
}

func TestChatTemplateErrorReply(t *testing.T) {
	r, _ := newTestRunner(t, &fakeAdapter{templateErr: "unknown filter"})
	if err := r.Apply(context.Background(), applied("/m.gguf", 1)); err != nil {
		t.Fatal(err)
	}
	rec := newRecorder()
	if err := r.Submit("a", "hi", 1, rec.emit); err != nil {
		t.Fatal(err)
	}
	m, ok := rec.next()
	if !ok || m.Response == nil || m.Response.Kind != protocol.ResponseChatTemplateError || m.Response.Reason != "unknown filter" {
		t.Fatalf("reply = %+v", m)
	}
}

func TestCloseRefusesWork(t *testing.T) {
	a := &fakeAdapter{}
	r, st := newTestRunner(t, a)
	if err := r.Apply(context.Background(), applied("/m.gguf", 2)); err != nil {
		t.Fatal(err)
	}
	r.Close()
	if err := r.Submit("a", "hi", 1, newRecorder().emit); err != ErrRunnerStopped {
		t.Fatalf("err = %v", err)
	}
	if st.Snapshot().SlotsTotal != 0 || a.open.Load() != 0 {
		t.Fatalf("slots not released")
	}
}
