// Package broadcast sends a set of messages to a set of channels in waves and
// repeat cycles, with pacing delays and a per-broadcast kill switch.
//
// Loop order
//
// Cycles are outermost, waves in the middle, channels innermost. Wave w uses
// Messages[w % len(Messages)]. Delays separate consecutive sends only: none is
// inserted after the last channel, wave or cycle. Sends within a broadcast are
// strictly sequential.
//
// Kill switch
//
// Every active broadcast has a ControlRecord in the Registry. Callers stop a
// broadcast by clearing its running flag (Service.Cancel). The dispatch loop
// checks the flag at the start of every loop body, and pacing delays wake up
// early, so a kill takes effect within one in-flight send. Outcome.WasKilled
// is true only if some send was skipped.
//
// Failures
//
// Validation and channel resolution happen before any send; a rejected
// request creates no record. A failed send is counted in TotalFailed and the
// loop continues. Only an internal fault ends a broadcast with an error, and
// the record is removed on every path.
package broadcast
