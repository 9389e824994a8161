// Package worker runs the two loops of a TopChef worker: the heartbeat loop
// that advertises liveness and the job loop that polls, validates, executes
// and reports jobs. A Supervisor owns both loops and their shared run state.
package worker
