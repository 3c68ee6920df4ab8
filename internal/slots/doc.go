// Package slots tracks the slot capacity and health of one agent.
//
// A Status is shared by pointer between the goroutine that owns the agent
// connection and any number of readers. All mutation goes through its
// methods, which are serialized by an internal mutex and bump a version
// counter exactly once per call. Readers take value copies via Snapshot.
//
// Slot usage is handed out as a Claim. Releasing a claim is idempotent and
// safe after the status has been Reset: claims taken before a reset are
// dropped from the books by the reset itself.
package slots
