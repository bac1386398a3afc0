// Package app wires LessonForge together and manages its lifecycle.
//
// # Initialization Flow
//
//  1. Load configuration from environment variables and an optional YAML file
//  2. Initialize logging and OpenTelemetry
//  3. Create the staging store, the WebSocket hub and the status broadcaster
//  4. Build the generation step from the generator, prompts and uploader
//  5. Create the lesson manager and the batch scheduler
//  6. Set up the router, middleware and handlers
//
// # Usage
//
//	application, err := app.NewApplication()
//	if err != nil {
//	    return err
//	}
//	return application.Run()
//
// Tests and embedders call New with a loaded config and may replace the
// generator and uploader through Dependencies.
//
// # Graceful Shutdown
//
// Run handles SIGINT and SIGTERM. Stop drains in-flight requests, including
// open event streams, within the configured shutdown timeout, then stops the
// maintenance loops, the broadcaster and the hub and flushes telemetry.
//
// The package never calls os.Exit; errors are returned to main.
package app
