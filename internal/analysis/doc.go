// Package analysis runs one sample from session launch to published record.
//
// A run moves through Launching, SessionReady, Hooked, SampleExecuting,
// Luring, Draining and Finalizing before ending in Succeeded or Failed.
// Launch, hook installation and syntax failures jump straight to Finalizing
// with a Failure record; a runtime error keeps going and publishes the IoCs
// captured so far with the error attached. Exactly one record is published
// per run and the session is closed on every path.
package analysis
