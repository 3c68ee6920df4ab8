package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"balancerd/internal/slots"
	"balancerd/pkg/types"
)

// gatedResolver resolves local references to their path, waiting on gate
// for paths listed in it.
type gatedResolver struct {
	gates map[string]chan struct{}
	errs  map[string]error
}

func (g *gatedResolver) Resolve(ctx context.Context, ds types.DesiredState) (types.ApplicableState, error) {
	if ch, ok := g.gates[ds.Model.Path]; ok {
		select {
		case <-ch:
		case <-ctx.Done():
			// Ignore cancellation so the stale result still comes back.
			<-ch
		}
	}
	if err := g.errs[ds.Model.Path]; err != nil {
		return types.ApplicableState{}, err
	}
	return types.ApplicableState{ModelPath: ds.Model.Path, Slots: ds.Slots, ContextSize: ds.ContextSize}, nil
}

type recordingApplier struct {
	applied chan types.ApplicableState
	err     error
}

func (a *recordingApplier) Apply(_ context.Context, as types.ApplicableState) error {
	if a.err != nil {
		return a.err
	}
	a.applied <- as
	return nil
}

// gatedApplier blocks Apply for paths listed in gates until the gate closes,
// ignoring cancellation, and records what it applied.
type gatedApplier struct {
	gates   map[string]chan struct{}
	entered chan string
	applied chan string
}

func (a *gatedApplier) Apply(_ context.Context, as types.ApplicableState) error {
	if a.entered != nil {
		a.entered <- as.ModelPath
	}
	if ch, ok := a.gates[as.ModelPath]; ok {
		<-ch
	}
	a.applied <- as.ModelPath
	return nil
}

func local(path string, n int) types.DesiredState {
	return types.DesiredState{Model: types.ModelReference{Kind: types.ModelLocal, Path: path}, Slots: n}
}

func waitPhase(t *testing.T, r *Reconciler, want Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.Phase() != want {
		if time.Now().After(deadline) {
			t.Fatalf("phase = %s, want %s", r.Phase(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInitialPhase(t *testing.T) {
	r := New(slots.NewStatus(0), &gatedResolver{}, &recordingApplier{}, zerolog.Nop())
	defer r.Close()
	if r.Phase() != PhaseNoDesiredState || r.Generation() != 0 || r.Applicable() != nil {
		t.Fatalf("unexpected initial state")
	}
}

func TestApplySuccessPublishesApplicableState(t *testing.T) {
	st := slots.NewStatus(0)
	ap := &recordingApplier{applied: make(chan types.ApplicableState, 1)}
	r := New(st, &gatedResolver{}, ap, zerolog.Nop())
	defer r.Close()

	sub := r.Subscribe()
	defer sub.Close()
	if v, err := sub.Next(context.Background()); err != nil || v != nil {
		t.Fatalf("first value = %v, %v; want nil", v, err)
	}

	r.SetDesiredState(local("/models/a.gguf", 2))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		v, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if v != nil {
			if v.ModelPath != "/models/a.gguf" || v.Slots != 2 {
				t.Fatalf("applicable = %+v", v)
			}
			break
		}
	}
	waitPhase(t, r, PhaseApplied)
	snap := st.Snapshot()
	if snap.StateApplicationStatus != types.ApplicationApplied || snap.DesiredSlotsTotal != 2 || snap.ModelPath != "/models/a.gguf" {
		t.Fatalf("status = %+v", snap)
	}
}

func TestResolveFailureRecordsIssue(t *testing.T) {
	st := slots.NewStatus(0)
	missing := types.ModelFileDoesNotExist("/missing.gguf")
	res := &gatedResolver{errs: map[string]error{"/missing.gguf": WithIssue(missing, errors.New("stat failed"))}}
	r := New(st, res, &recordingApplier{}, zerolog.Nop())
	defer r.Close()

	r.SetDesiredState(local("/missing.gguf", 1))
	waitPhase(t, r, PhaseFailed)
	snap := st.Snapshot()
	if len(snap.Issues) != 1 || snap.Issues[0] != missing {
		t.Fatalf("issues = %v", snap.Issues)
	}
	if snap.StateApplicationStatus != types.ApplicationFailed {
		t.Fatalf("status = %s", snap.StateApplicationStatus)
	}

	// A new desired state clears issues raised by the failed attempt.
	ap := &recordingApplier{applied: make(chan types.ApplicableState, 1)}
	r.applier = ap
	r.SetDesiredState(local("/ok.gguf", 1))
	waitPhase(t, r, PhaseApplied)
	if st.HasIssues() {
		t.Fatalf("issues not cleared: %v", st.Snapshot().Issues)
	}
}

func TestApplyFailureFallsBackToModelCannotBeLoaded(t *testing.T) {
	st := slots.NewStatus(0)
	r := New(st, &gatedResolver{}, &recordingApplier{err: errors.New("bad magic")}, zerolog.Nop())
	defer r.Close()
	r.SetDesiredState(local("/broken.gguf", 1))
	waitPhase(t, r, PhaseFailed)
	issues := st.Snapshot().Issues
	if len(issues) != 1 || issues[0] != types.ModelCannotBeLoaded("/broken.gguf") {
		t.Fatalf("issues = %v", issues)
	}
}

func TestStaleResultDiscarded(t *testing.T) {
	st := slots.NewStatus(0)
	gate := make(chan struct{})
	res := &gatedResolver{gates: map[string]chan struct{}{"/old.gguf": gate}}
	ap := &recordingApplier{applied: make(chan types.ApplicableState, 2)}
	r := New(st, res, ap, zerolog.Nop())
	defer r.Close()

	first := r.SetDesiredState(local("/old.gguf", 1))
	second := r.SetDesiredState(local("/new.gguf", 3))
	if second != first+1 || r.Generation() != second {
		t.Fatalf("generations %d then %d", first, second)
	}
	select {
	case as := <-ap.applied:
		if as.ModelPath != "/new.gguf" {
			t.Fatalf("applied %s first", as.ModelPath)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("new state not applied")
	}
	waitPhase(t, r, PhaseApplied)

	close(gate)
	time.Sleep(50 * time.Millisecond)
	select {
	case as := <-ap.applied:
		t.Fatalf("stale state applied: %+v", as)
	default:
	}
	if got := r.Applicable(); got == nil || got.ModelPath != "/new.gguf" {
		t.Fatalf("applicable = %+v", got)
	}
	if st.Snapshot().DesiredSlotsTotal != 3 {
		t.Fatalf("desired slots = %d", st.Snapshot().DesiredSlotsTotal)
	}
}

func TestIssueFromError(t *testing.T) {
	issue := types.HuggingFaceCannotAcquireLock("/cache/x.lock")
	err := errors.Join(errors.New("outer"), WithIssue(issue, nil))
	got, ok := IssueFromError(err)
	if !ok || got != issue {
		t.Fatalf("got %v, %v", got, ok)
	}
	if _, ok := IssueFromError(errors.New("plain")); ok {
		t.Fatalf("plain error carries no issue")
	}
}

func TestApplyingPublishesResolvedState(t *testing.T) {
	st := slots.NewStatus(0)
	gate := make(chan struct{})
	ap := &gatedApplier{
		gates:   map[string]chan struct{}{"/slow.gguf": gate},
		applied: make(chan string, 1),
	}
	r := New(st, &gatedResolver{}, ap, zerolog.Nop())
	defer r.Close()

	r.SetDesiredState(local("/slow.gguf", 2))
	waitPhase(t, r, PhaseApplying)
	got := r.Applicable()
	if got == nil || got.ModelPath != "/slow.gguf" || got.Slots != 2 {
		t.Fatalf("applicable while applying = %+v", got)
	}
	if s := st.Snapshot().StateApplicationStatus; s != types.ApplicationApplying {
		t.Fatalf("status = %s", s)
	}

	close(gate)
	waitPhase(t, r, PhaseApplied)
	if got := r.Applicable(); got == nil || got.ModelPath != "/slow.gguf" {
		t.Fatalf("applicable after apply = %+v", got)
	}
}

func TestFailureClearsApplicableState(t *testing.T) {
	st := slots.NewStatus(0)
	r := New(st, &gatedResolver{}, &recordingApplier{err: errors.New("bad magic")}, zerolog.Nop())
	defer r.Close()

	sub := r.Subscribe()
	defer sub.Close()
	r.SetDesiredState(local("/broken.gguf", 1))
	waitPhase(t, r, PhaseFailed)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var seen []*types.ApplicableState
	for len(seen) < 4 {
		v, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("next after %d values: %v", len(seen), err)
		}
		seen = append(seen, v)
	}
	// initial, accepted, applying, failed
	if seen[2] == nil || seen[2].ModelPath != "/broken.gguf" || seen[3] != nil {
		t.Fatalf("published sequence = %v", seen)
	}
	if r.Applicable() != nil {
		t.Fatalf("applicable after failure = %+v", r.Applicable())
	}
}

func TestStaleApplyResultDiscarded(t *testing.T) {
	st := slots.NewStatus(0)
	gate := make(chan struct{})
	ap := &gatedApplier{
		gates:   map[string]chan struct{}{"/old.gguf": gate},
		entered: make(chan string, 2),
		applied: make(chan string, 2),
	}
	r := New(st, &gatedResolver{}, ap, zerolog.Nop())
	defer r.Close()

	r.SetDesiredState(local("/old.gguf", 1))
	select {
	case p := <-ap.entered:
		if p != "/old.gguf" {
			t.Fatalf("entered %s", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("first attempt never reached apply")
	}
	if r.Phase() != PhaseApplying {
		t.Fatalf("phase = %s, want applying", r.Phase())
	}

	second := r.SetDesiredState(local("/new.gguf", 3))
	sub := r.Subscribe()
	defer sub.Close()
	waitPhase(t, r, PhaseApplied)

	// The old apply finishes after being superseded.
	close(gate)
	deadline := time.After(2 * time.Second)
	for n := 0; n < 2; {
		select {
		case <-ap.applied:
			n++
		case <-deadline:
			t.Fatalf("both applies did not return")
		}
	}
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	for {
		v, err := sub.Next(ctx)
		if err != nil {
			break
		}
		if v != nil && v.ModelPath == "/old.gguf" {
			t.Fatalf("stale applicable state published: %+v", v)
		}
	}
	if r.Generation() != second || r.Phase() != PhaseApplied {
		t.Fatalf("generation %d phase %s", r.Generation(), r.Phase())
	}
	if got := r.Applicable(); got == nil || got.ModelPath != "/new.gguf" || got.Slots != 3 {
		t.Fatalf("applicable = %+v", got)
	}
	snap := st.Snapshot()
	if snap.ModelPath != "/new.gguf" || snap.StateApplicationStatus != types.ApplicationApplied {
		t.Fatalf("status = %+v", snap)
	}
}

// downloadingResolver reports one progress step, then waits on gate.
type downloadingResolver struct {
	reported chan struct{}
	gate     chan struct{}
}

func (d *downloadingResolver) Resolve(ctx context.Context, ds types.DesiredState) (types.ApplicableState, error) {
	ReportDownload(ctx, "a.gguf", 40, 100)
	close(d.reported)
	<-d.gate
	return types.ApplicableState{ModelPath: ds.Model.Path, Slots: ds.Slots}, nil
}

func TestDownloadProgressReported(t *testing.T) {
	st := slots.NewStatus(0)
	res := &downloadingResolver{reported: make(chan struct{}), gate: make(chan struct{})}
	ap := &recordingApplier{applied: make(chan types.ApplicableState, 1)}
	r := New(st, res, ap, zerolog.Nop())
	defer r.Close()

	r.SetDesiredState(local("/models/a.gguf", 1))
	<-res.reported
	snap := st.Snapshot()
	if snap.StateApplicationStatus != types.ApplicationDownloading {
		t.Fatalf("status = %s", snap.StateApplicationStatus)
	}
	if snap.DownloadFilename != "a.gguf" || snap.DownloadCurrent != 40 || snap.DownloadTotal != 100 {
		t.Fatalf("progress = %s %d/%d", snap.DownloadFilename, snap.DownloadCurrent, snap.DownloadTotal)
	}
	if r.Phase() != PhaseResolving {
		t.Fatalf("phase = %s", r.Phase())
	}

	close(res.gate)
	waitPhase(t, r, PhaseApplied)
	if got := st.Snapshot().StateApplicationStatus; got != types.ApplicationApplied {
		t.Fatalf("status = %s", got)
	}
}

func TestReportDownloadOutsideAttempt(t *testing.T) {
	ReportDownload(context.Background(), "a.gguf", 1, 2)
}
