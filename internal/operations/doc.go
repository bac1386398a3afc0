// Package operations drives one lesson unit through its generation stages.
//
// A unit runs primary first. When primary succeeds its content feeds four
// derived stages, which run either all at once (parallel mode) or one after
// another (sequential mode, pausing at the first failure). Each stage can be
// retried or, for derived stages, skipped after the run halted.
//
// Core Components:
//
// Manager: owns the runs, applies retry and skip requests and streams
// progress events to a stream.Sink.
//
// UnitState and StepState: the explicit state of a unit and of each stage.
// Every stage execution gets the UnitState pointer and records its
// transitions there.
//
// GenerationStep: streams a completion, stages the text under
// "<runId>/<stage>" and uploads the artifact, checking the run's
// cancellation token at every suspension point.
//
// StatusBroadcaster: pushes complete run snapshots to WebSocket clients.
//
// RunLog: a per-run slog.Handler whose entries are returned with the result.
package operations
