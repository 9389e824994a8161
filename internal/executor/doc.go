// Package executor defines the execution engine boundary of the worker:
// a single Run method that turns validated job parameters into a result.
// It ships an in-process echo executor, a process executor that runs a
// command per job, and a vsock executor that delegates to a guest agent.
package executor
