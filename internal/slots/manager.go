package slots

import "sync"

// Manager owns the Status of one agent and hands it out to at most one
// connection at a time.
type Manager struct {
	status *Status

	mu    sync.Mutex
	bound bool
}

// NewManager creates a manager around a fresh Status.
func NewManager(desiredSlotsTotal int32) *Manager {
	return &Manager{status: NewStatus(desiredSlotsTotal)}
}

// Status returns the managed status for read access.
func (m *Manager) Status() *Status { return m.status }

// BindSlotStatus binds the status to a connection. Close the handle when the
// connection ends so stale slots stop counting toward dispatch.
func (m *Manager) BindSlotStatus() (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bound {
		return nil, ErrAlreadyBound
	}
	m.bound = true
	return &Handle{manager: m}, nil
}

func (m *Manager) unbind() {
	m.mu.Lock()
	m.bound = false
	m.mu.Unlock()
}

// Handle is a connection-scoped capability over a Status.
type Handle struct {
	manager *Manager
	once    sync.Once
}

// Status returns the bound status.
func (h *Handle) Status() *Status { return h.manager.status }

// Claim takes one slot for a request.
func (h *Handle) Claim() (*Claim, error) { return h.manager.status.Claim() }

// Close resets the status and unbinds it. Safe to call more than once.
func (h *Handle) Close() {
	h.once.Do(func() {
		h.manager.status.Reset()
		h.manager.unbind()
	})
}
