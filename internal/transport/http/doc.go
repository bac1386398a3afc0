// Package http implements the HTTP handlers of the lessonforge service. It is
// a thin layer between the transport and the pipeline packages: handlers
// decode and validate requests, call operations.Manager or batch.Scheduler,
// and format the response.
//
// # Streaming routes
//
// Starting a lesson, retrying a stage and starting a batch answer with a
// server-sent event stream. The run itself executes on a context detached
// from the request, so an observer that disconnects does not stop it; the
// final result stays retrievable through
//
//	GET /api/staging/{key}
//
// The stream is opened on the first event. A request rejected before the run
// emits anything still gets an RFC 7807 problem document with the proper
// status code.
//
// # Error Handling
//
// Every error goes through errors.ErrorHandler and is rendered as Problem
// Details:
//
//	{
//	    "type": "/errors/batch/not-found",
//	    "title": "Batch Not Found",
//	    "status": 404,
//	    "detail": "batch not found: b1",
//	    "instance": "/api/batches/b1"
//	}
//
// # WebSocket Support
//
// GET /ws upgrades the connection with Gorilla WebSocket and registers the
// client with the snapshot hub, which pushes lesson:snapshot and
// batch:snapshot frames.
package http
