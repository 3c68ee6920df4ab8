// Package agent is the slot runtime that runs next to an inference backend.
//
// An Agent keeps a control channel open to the balancer, registers itself,
// reports its slot status on every change and periodically, applies desired
// states pushed by the balancer through a reconcile.Reconciler and serves
// generate_tokens requests on a fixed pool of slot workers.
//
// Files:
//   - agent.go: connection loop, registration and message handling.
//   - runner.go: SlotRunner, the per-slot worker pool and reconcile.Applier.
//   - adapter.go: InferenceAdapter contract for model backends.
//   - adapter_llama.go / adapter_llama_stub.go: go-llama.cpp backend (build tag llama).
//   - errors.go: error helpers.
package agent
