// Package shared holds helpers used across lessonforge packages. The testutil
// subpackage provides fakes for the external collaborators (generation
// service, uploader, WebSocket hub), a fake clock, a recording event sink and
// a buffered slog handler for asserting on log output.
package shared
