// Package telemetry provides structured logging, run metrics, and tracing
// for the kudzu agent. It also owns the process-wide log sink registry that
// lets a run report capture every log line emitted while the run is active.
package telemetry
