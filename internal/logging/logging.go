// Package logging builds the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	slogjournal "github.com/systemd/slog-journal"
)

// newJournalHandler is replaced in tests.
var newJournalHandler = func(level slog.Leveler) (slog.Handler, error) {
	return slogjournal.NewHandler(&slogjournal.Options{
		Level: level,
		ReplaceGroup: func(key string) string {
			return journalKey(key)
		},
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			a.Key = journalKey(a.Key)
			return a
		},
	})
}

// New returns a logger writing text records at level and above to w. When
// the process runs as a systemd service, records go to the journal
// instead; w is still used if the journal cannot be opened.
func New(level slog.Level, w io.Writer) *slog.Logger {
	var handlers []slog.Handler
	var journalErr error

	if underSystemd() {
		h, err := newJournalHandler(level)
		if err != nil {
			journalErr = err
		} else {
			handlers = append(handlers, h)
		}
	}
	if len(handlers) == 0 {
		handlers = append(handlers, slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	}

	logger := slog.New(slogmulti.Fanout(handlers...))
	if journalErr != nil {
		logger.Warn("[LOG] journal unavailable", "error", journalErr)
	}
	return logger
}

// Setup installs New(level, os.Stderr) as the default logger.
func Setup(level slog.Level) *slog.Logger {
	logger := New(level, os.Stderr)
	slog.SetDefault(logger)
	return logger
}

// underSystemd reports whether systemd started this process as a unit
// with its output attached to the journal.
func underSystemd() bool {
	return os.Getenv("INVOCATION_ID") != "" && os.Getenv("JOURNAL_STREAM") != ""
}

// journalKey converts an attribute key to a journal field name: upper case
// letters, digits and underscores.
func journalKey(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, strings.ToUpper(s))
}
