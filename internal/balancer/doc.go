// Package balancer is the control plane: it accepts agent connections,
// mirrors their slot status into the pool, admits client requests against
// free slots (buffering them when none are free) and streams generated tokens
// back from the chosen agent.
//
// Files by concern:
//
//   - balancer.go: Balancer type, constructor, read-side queries.
//   - buffered.go: BufferedRequestCounter and BufferGuard.
//   - dispatch.go: Dispatcher admission loop.
//   - controller.go: AgentController, one per agent connection.
//   - serve.go: agent connection lifecycle.
//   - desired.go: fleet desired state persistence and fan-out.
//   - metrics.go: Prometheus collectors.
//   - errors.go: error values and helpers.
package balancer
