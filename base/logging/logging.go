package logging

import (
	"log/slog"
	"os"

	"github.com/gofrs/uuid"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

const timeFormat = "060102 15:04:05.000"

// RunID correlates every record and diagnostic line emitted by one job run.
var RunID = uuid.Must(uuid.NewV4()).String()

var records = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
	ReplaceAttr: renameTimestamp,
})).With("job_run_id", RunID)

// Setup configures process-wide logging: human-readable diagnostics on
// stderr, machine-parseable JSON records on stdout.
func Setup(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: timeFormat,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})))
	slog.SetLogLoggerLevel(level)
}

// Records returns the structured record logger.
// One line per record, keyed by the record name, tagged with the run ID.
func Records() *slog.Logger {
	return records
}

func renameTimestamp(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	return a
}
