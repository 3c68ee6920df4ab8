package slots

import (
	"fmt"
	"sync"

	"balancerd/internal/common/notify"
	"balancerd/pkg/types"
)

// Status is the live view of one agent's capacity and health.
type Status struct {
	mu sync.Mutex

	slotsTotal      int32
	slotsIdle       int32
	slotsProcessing int32
	// pendingTotal is a deferred shrink of slotsTotal, -1 when none.
	pendingTotal int32

	desiredSlotsTotal int32
	issues            types.IssueSet
	appStatus         types.ApplicationStatus
	downloadCurrent   int64
	downloadTotal     int64
	downloadFilename  string
	modelPath         string

	version int32
	// epoch changes on Reset so claims from before the reset release nothing.
	epoch uint64

	changed notify.Notifier
}

// NewStatus returns an empty status expecting desiredSlotsTotal slots.
func NewStatus(desiredSlotsTotal int32) *Status {
	return &Status{
		pendingTotal:      -1,
		desiredSlotsTotal: desiredSlotsTotal,
		issues:            types.IssueSet{},
		appStatus:         types.ApplicationPending,
	}
}

// mutate runs f under the lock, bumps the version and wakes watchers.
func (s *Status) mutate(f func() error) error {
	s.mu.Lock()
	err := f()
	s.version++
	s.checkInvariants()
	s.mu.Unlock()
	s.changed.Notify()
	return err
}

func (s *Status) checkInvariants() {
	if s.slotsIdle < 0 || s.slotsProcessing < 0 || s.slotsTotal < 0 {
		panic(fmt.Sprintf("slots: negative counter total=%d idle=%d processing=%d", s.slotsTotal, s.slotsIdle, s.slotsProcessing))
	}
	if s.slotsIdle+s.slotsProcessing > s.slotsTotal {
		panic(fmt.Sprintf("slots: idle+processing exceeds total total=%d idle=%d processing=%d", s.slotsTotal, s.slotsIdle, s.slotsProcessing))
	}
}

// Changed returns a channel closed after the next mutation.
func (s *Status) Changed() <-chan struct{} { return s.changed.Wait() }

// Version returns the mutation counter.
func (s *Status) Version() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// SetSlotsTotal sets the slot count. Growing adds idle slots. Shrinking below
// the processing count drops idle to zero, defers the new total until claims
// release, and returns ErrSlotsInUse.
func (s *Status) SetSlotsTotal(n int32) error {
	if n < 0 {
		return fmt.Errorf("slots total must not be negative: %d", n)
	}
	return s.mutate(func() error { return s.setTotalLocked(n) })
}

func (s *Status) setTotalLocked(n int32) error {
	if n < s.slotsProcessing {
		s.pendingTotal = n
		s.slotsIdle = 0
		return ErrSlotsInUse
	}
	s.pendingTotal = -1
	s.slotsTotal = n
	s.slotsIdle = n - s.slotsProcessing
	return nil
}

// TakeSlot moves one slot from idle to processing. With no idle slot it
// returns ErrNoIdleSlot and leaves the status untouched.
func (s *Status) TakeSlot() error {
	_, err := s.take()
	return err
}

func (s *Status) take() (uint64, error) {
	s.mu.Lock()
	if s.slotsIdle == 0 {
		s.mu.Unlock()
		return 0, ErrNoIdleSlot
	}
	s.slotsIdle--
	s.slotsProcessing++
	s.version++
	epoch := s.epoch
	s.checkInvariants()
	s.mu.Unlock()
	s.changed.Notify()
	return epoch, nil
}

// ReleaseSlot moves one slot from processing back to idle.
func (s *Status) ReleaseSlot() error {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()
	return s.release(epoch)
}

func (s *Status) release(epoch uint64) error {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return nil
	}
	if s.slotsProcessing == 0 {
		s.mu.Unlock()
		return ErrNoProcessingSlot
	}
	s.slotsProcessing--
	switch {
	case s.pendingTotal < 0:
		s.slotsIdle++
	case s.slotsProcessing <= s.pendingTotal:
		s.slotsTotal = s.pendingTotal
		s.slotsIdle = s.slotsTotal - s.slotsProcessing
		s.pendingTotal = -1
	}
	s.version++
	s.checkInvariants()
	s.mu.Unlock()
	s.changed.Notify()
	return nil
}

// Claim takes a slot and returns a guard that gives it back on Release.
func (s *Status) Claim() (*Claim, error) {
	epoch, err := s.take()
	if err != nil {
		return nil, err
	}
	return &Claim{status: s, epoch: epoch}, nil
}

// AddIssue records an issue.
func (s *Status) AddIssue(issue types.AgentIssue) {
	_ = s.mutate(func() error {
		s.issues[issue] = struct{}{}
		return nil
	})
}

// RemoveIssue forgets an issue.
func (s *Status) RemoveIssue(issue types.AgentIssue) {
	_ = s.mutate(func() error {
		delete(s.issues, issue)
		return nil
	})
}

// ClearIssues forgets every issue.
func (s *Status) ClearIssues() {
	_ = s.mutate(func() error {
		s.issues = types.IssueSet{}
		return nil
	})
}

// HasIssues reports whether any issue is recorded.
func (s *Status) HasIssues() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.issues) > 0
}

// SetApplicationStatus records the desired-state application phase.
func (s *Status) SetApplicationStatus(st types.ApplicationStatus) {
	_ = s.mutate(func() error {
		s.appStatus = st
		return nil
	})
}

// SetDesiredSlotsTotal records how many slots the desired state asks for.
func (s *Status) SetDesiredSlotsTotal(n int32) {
	_ = s.mutate(func() error {
		s.desiredSlotsTotal = n
		return nil
	})
}

// SetDownloadProgress records model download progress.
func (s *Status) SetDownloadProgress(filename string, current, total int64) {
	_ = s.mutate(func() error {
		s.downloadFilename = filename
		s.downloadCurrent = current
		s.downloadTotal = total
		return nil
	})
}

// SetModelPath records the model currently served.
func (s *Status) SetModelPath(p string) {
	_ = s.mutate(func() error {
		s.modelPath = p
		return nil
	})
}

// ApplyReport mirrors an agent-reported snapshot. Processing counts are kept
// as tracked locally; the reported total and health fields replace ours.
func (s *Status) ApplyReport(r types.SlotSnapshot) error {
	if r.SlotsTotal < 0 {
		return fmt.Errorf("reported slots total must not be negative: %d", r.SlotsTotal)
	}
	return s.mutate(func() error {
		s.desiredSlotsTotal = r.DesiredSlotsTotal
		s.appStatus = r.StateApplicationStatus
		s.downloadFilename = r.DownloadFilename
		s.downloadCurrent = r.DownloadCurrent
		s.downloadTotal = r.DownloadTotal
		s.modelPath = r.ModelPath
		s.issues = make(types.IssueSet, len(r.Issues))
		for _, i := range r.Issues {
			s.issues[i] = struct{}{}
		}
		if r.SlotsTotal == s.slotsTotal && s.pendingTotal < 0 {
			return nil
		}
		return s.setTotalLocked(r.SlotsTotal)
	})
}

// Reset returns the status to zero slots with no issues. Outstanding claims
// become no-ops.
func (s *Status) Reset() {
	_ = s.mutate(func() error {
		s.slotsTotal, s.slotsIdle, s.slotsProcessing = 0, 0, 0
		s.pendingTotal = -1
		s.issues = types.IssueSet{}
		s.appStatus = types.ApplicationPending
		s.downloadCurrent, s.downloadTotal, s.downloadFilename = 0, 0, ""
		s.modelPath = ""
		s.epoch++
		return nil
	})
}

// Snapshot returns a consistent value copy.
func (s *Status) Snapshot() types.SlotSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.SlotSnapshot{
		DesiredSlotsTotal:      s.desiredSlotsTotal,
		DownloadCurrent:        s.downloadCurrent,
		DownloadTotal:          s.downloadTotal,
		DownloadFilename:       s.downloadFilename,
		Issues:                 s.issues.Sorted(),
		ModelPath:              s.modelPath,
		SlotsIdle:              s.slotsIdle,
		SlotsProcessing:        s.slotsProcessing,
		SlotsTotal:             s.slotsTotal,
		StateApplicationStatus: s.appStatus,
		Version:                s.version,
	}
}
