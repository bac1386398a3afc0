package main

import (
	"log/slog"
	"os"

	"lessonforge/internal/app"
)

func main() {
	application, err := app.NewApplication()
	if err != nil {
		slog.Error("application_init_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := application.Run(); err != nil {
		slog.Error("application_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
