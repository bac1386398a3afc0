// Command lessonctl drives a LessonForge server from the terminal. It starts
// lesson runs and batches, follows their event streams and, when a stream ends
// early, recovers the result from the staging store.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"lessonforge/internal/batch"
	"lessonforge/internal/config"
	apierrors "lessonforge/internal/errors"
	"lessonforge/internal/infrastructure"
	"lessonforge/internal/operations"
	"lessonforge/internal/stream"
	handlers "lessonforge/internal/transport/http"
)

const usage = `usage: lessonctl <command> [flags]

commands:
  run     start a lesson run and follow its progress
  batch   start a batch and follow its progress
  pull    print staged content for a key

Run "lessonctl <command> -h" for the flags of a command.
`

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "lessonctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errUsage
	}

	var err error
	switch args[0] {
	case "run":
		err = runLesson(ctx, args[1:], stdout, stderr)
	case "batch":
		err = runBatch(ctx, args[1:], stdout, stderr)
	case "pull":
		err = pull(ctx, args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return errUsage
	}
	// -h already printed the command's flags
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	return err
}

// client holds the flags shared by every command
type client struct {
	server       string
	pollInterval time.Duration
	pollAttempts int
	verbose      bool

	http   *http.Client
	out    io.Writer
	logger *slog.Logger
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *client) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)

	c := &client{http: http.DefaultClient}
	server := os.Getenv(config.EnvPrefix + "_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	fs.StringVar(&c.server, "server", server, "server base URL")
	fs.DurationVar(&c.pollInterval, "poll-interval", stream.DefaultPollInterval, "delay between staging polls")
	fs.IntVar(&c.pollAttempts, "poll-attempts", stream.DefaultPollAttempts, "maximum staging polls")
	fs.BoolVar(&c.verbose, "v", false, "print progress events and debug logs")
	return fs, c
}

func (c *client) init(stdout, stderr io.Writer) {
	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	c.out = stdout
	c.server = strings.TrimRight(c.server, "/")
	c.logger = slog.New(infrastructure.NewTraceHandler(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return errUsage
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(fs.Output(), "unexpected arguments: %s\n", strings.Join(fs.Args(), " "))
		return errUsage
	}
	return nil
}

func runLesson(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, c := newFlagSet("run", stderr)
	var (
		req         handlers.RunLessonRequest
		contentFile string
		quiet       bool
	)
	fs.StringVar(&req.RunID, "id", "", "run ID (generated when empty)")
	fs.StringVar(&req.Mode, "mode", "", "derived stage mode: parallel or sequential")
	fs.StringVar(&req.Input.Title, "title", "", "lesson title")
	fs.StringVar(&req.Input.Content, "content", "", "lesson content")
	fs.StringVar(&contentFile, "content-file", "", "read lesson content from a file")
	fs.StringVar(&req.Input.Date, "date", "", "lesson date")
	fs.StringVar(&req.Input.Notes, "notes", "", "notes for the generator")
	fs.StringVar(&req.Config.Model, "model", "", "override the configured model")
	fs.StringVar(&req.Config.Template, "template", "", "prompt template")
	fs.StringVar(&req.Config.OutputPath, "output-path", "", "upload folder")
	fs.BoolVar(&quiet, "q", false, "do not print the generated content")
	if err := parse(fs, args); err != nil {
		return err
	}
	c.init(stdout, stderr)

	if contentFile != "" {
		data, err := os.ReadFile(contentFile)
		if err != nil {
			return fmt.Errorf("read content file: %w", err)
		}
		req.Input.Content = string(data)
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	resp, err := c.startStream(ctx, "/api/lessons/run", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var failure *operations.ErrorEvent
	res, readErr := stream.ReadAll(ctx, resp.Body, stream.EventComplete, func(e stream.Event) error {
		if e.Type == stream.EventError {
			var ev operations.ErrorEvent
			if err := e.Decode(&ev); err == nil {
				failure = &ev
			}
		}
		return c.printLessonEvent(e)
	})
	if failure != nil {
		c.printSummary(ctx, req.RunID)
		return fmt.Errorf("run %s failed: %s", req.RunID, failureMessage(failure))
	}
	if readErr != nil || !res.SawComplete {
		c.logger.WarnContext(ctx, "stream_ended_early",
			slog.String("run_id", req.RunID),
			slog.Int("events", res.Events),
			slog.Any("error", readErr))
	}

	entry, err := c.puller().Pull(ctx, req.RunID, res.SawComplete && readErr == nil)
	if err != nil {
		return err
	}
	if !quiet {
		fmt.Fprintln(c.out)
		fmt.Fprintln(c.out, entry.Content)
	}
	return nil
}

// printSummary reads the staged summary of a finished run once and prints
// its status. A missing summary is only logged.
func (c *client) printSummary(ctx context.Context, runID string) {
	entry, err := c.puller().Pull(ctx, runID, true)
	if err != nil {
		c.logger.WarnContext(ctx, "summary_unavailable",
			slog.String("run_id", runID),
			slog.Any("error", err))
		return
	}
	failed := "none"
	if stages, ok := entry.Meta["failedStages"].([]interface{}); ok && len(stages) > 0 {
		names := make([]string, 0, len(stages))
		for _, st := range stages {
			names = append(names, fmt.Sprint(st))
		}
		failed = strings.Join(names, ",")
	}
	fmt.Fprintf(c.out, "%-14s %v  failed stages %s\n", "summary", entry.Meta["status"], failed)
}

func (c *client) puller() *stream.Puller {
	p := stream.NewPuller(stream.HTTPFetcher{BaseURL: c.server, Client: c.http})
	p.Interval, p.Attempts, p.Logger = c.pollInterval, c.pollAttempts, c.logger
	return p
}

func failureMessage(ev *operations.ErrorEvent) string {
	if ev.Error != nil && ev.Error.Explanation != "" {
		return fmt.Sprintf("%s (%s)", ev.Error.Explanation, ev.Error.Kind)
	}
	return ev.Message
}

func (c *client) printLessonEvent(e stream.Event) error {
	switch e.Type {
	case stream.EventProgress:
		if !c.verbose {
			return nil
		}
		var ev operations.ProgressEvent
		if err := e.Decode(&ev); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%-14s %-10s %6d chars\n", e.Type, ev.Stage, ev.Chars)
	case stream.EventStageComplete:
		var ev operations.StageCompleteEvent
		if err := e.Decode(&ev); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%-14s %-10s %6d chars  %s\n", e.Type, ev.Stage, ev.Chars, ev.URL)
	case stream.EventStageError:
		var ev operations.StageErrorEvent
		if err := e.Decode(&ev); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%-14s %-10s %s: %s\n", e.Type, ev.Stage, ev.Error.Kind, ev.Error.Explanation)
	case stream.EventComplete:
		var ev operations.CompleteEvent
		if err := e.Decode(&ev); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%-14s %s  date %s (%s)\n", e.Type, ev.Status, ev.Dates.Date, ev.Dates.Source)
	case stream.EventError:
		fmt.Fprintf(c.out, "%-14s %s\n", e.Type, e.Data)
	}
	return nil
}

func runBatch(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, c := newFlagSet("batch", stderr)
	var (
		req         handlers.StartBatchRequest
		payloadFile string
		reportPath  string
	)
	fs.StringVar(&req.BatchID, "id", "", "batch ID (generated when empty)")
	fs.IntVar(&req.StartNumber, "start", 1, "first task number")
	fs.IntVar(&req.EndNumber, "end", 1, "last task number")
	fs.IntVar(&req.Concurrency, "concurrency", 2, "tasks run at once")
	fs.StringVar(&req.Payload, "payload", "", "course description shared by every task")
	fs.StringVar(&payloadFile, "payload-file", "", "read the payload from a file")
	fs.StringVar(&req.TemplateChoice, "template", "", "prompt template")
	fs.StringVar(&req.OutputPathHint, "output-path", "", "upload folder")
	fs.StringVar(&req.Model, "model", "", "override the configured model")
	fs.StringVar(&reportPath, "report", "", "write the xlsx report to this file when the batch ends")
	if err := parse(fs, args); err != nil {
		return err
	}
	c.init(stdout, stderr)

	if payloadFile != "" {
		data, err := os.ReadFile(payloadFile)
		if err != nil {
			return fmt.Errorf("read payload file: %w", err)
		}
		req.Payload = string(data)
	}
	if req.BatchID == "" {
		req.BatchID = uuid.NewString()
	}

	resp, err := c.startStream(ctx, "/api/batches", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var complete *batch.BatchCompleteEvent
	res, readErr := stream.ReadAll(ctx, resp.Body, stream.EventBatchComplete, func(e stream.Event) error {
		if e.Type == stream.EventBatchComplete {
			complete = &batch.BatchCompleteEvent{}
			if err := e.Decode(complete); err != nil {
				return err
			}
		}
		return c.printBatchEvent(e)
	})
	// The batch keeps running on the server; its record stays queryable.
	if readErr != nil {
		return fmt.Errorf("stream for batch %s ended: %w", req.BatchID, readErr)
	}
	if !res.SawComplete {
		return fmt.Errorf("stream for batch %s ended before completion", req.BatchID)
	}

	fmt.Fprintf(c.out, "batch %s: %d completed, %d failed", complete.BatchID, complete.Completed, complete.Failed)
	if complete.Stopped {
		fmt.Fprint(c.out, ", stopped")
	}
	fmt.Fprintln(c.out)

	if reportPath != "" {
		return c.download(ctx, "/api/batches/"+url.PathEscape(req.BatchID)+"/report.xlsx", reportPath)
	}
	return nil
}

func (c *client) printBatchEvent(e stream.Event) error {
	switch e.Type {
	case stream.EventBatchStart:
		var ev batch.BatchStartEvent
		if err := e.Decode(&ev); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%-14s %s  %d tasks, %d at once\n", e.Type, ev.BatchID, ev.TotalTasks, ev.Concurrency)
	case stream.EventTaskStart:
		var ev batch.TaskStartEvent
		if err := e.Decode(&ev); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%-14s %s\n", e.Type, batch.TaskTitle(ev.TaskNumber))
	case stream.EventTaskProgress:
		if !c.verbose {
			return nil
		}
		var ev batch.TaskProgressEvent
		if err := e.Decode(&ev); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%-14s %s  %6d chars\n", e.Type, batch.TaskTitle(ev.TaskNumber), ev.Chars)
	case stream.EventTaskComplete:
		var ev batch.TaskCompleteEvent
		if err := e.Decode(&ev); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%-14s %s  %6d chars  %s\n", e.Type, batch.TaskTitle(ev.TaskNumber), ev.Chars, ev.URL)
	case stream.EventTaskError:
		var ev batch.TaskErrorEvent
		if err := e.Decode(&ev); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%-14s %s  %s: %s\n", e.Type, batch.TaskTitle(ev.TaskNumber), ev.Error.Kind, ev.Error.Explanation)
	}
	return nil
}

func pull(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, c := newFlagSet("pull", stderr)
	var (
		key  string
		wait bool
	)
	fs.StringVar(&key, "key", "", "staging key, a run ID or runID/stage or batchID/task")
	fs.BoolVar(&wait, "wait", false, "poll until the key is staged")
	if err := parse(fs, args); err != nil {
		return err
	}
	if key == "" {
		fmt.Fprintln(stderr, "pull: -key is required")
		return errUsage
	}
	c.init(stdout, stderr)

	entry, err := c.puller().Pull(ctx, key, !wait)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, entry.Content)
	return nil
}

// startStream posts body and returns the open event stream. A rejected
// request is answered with a problem document, which becomes the error.
func (c *client) startStream(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		defer resp.Body.Close()
		return nil, problemError(resp)
	}
	return resp, nil
}

func (c *client) download(ctx context.Context, path, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.server+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return problemError(resp)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return fmt.Errorf("write report file: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "report_written", slog.String("path", dest))
	return nil
}

func problemError(resp *http.Response) error {
	var p apierrors.ProblemDetails
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&p); err != nil || p.Title == "" {
		return fmt.Errorf("server answered %s", resp.Status)
	}
	if p.Detail != "" {
		return fmt.Errorf("%s: %s", p.Title, p.Detail)
	}
	return errors.New(p.Title)
}
