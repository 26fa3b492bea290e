package notify

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"

	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// ConsoleSink writes notifications to the terminal with color.
type ConsoleSink struct {
	out io.Writer
}

// NewConsoleSink creates a new console notification sink.
func NewConsoleSink() *ConsoleSink {
	return &ConsoleSink{out: os.Stdout}
}

// Name returns the sink identifier.
func (s *ConsoleSink) Name() string { return "console" }

// Send writes a notification with color-coded severity.
func (s *ConsoleSink) Send(_ context.Context, n types.Notification) error {
	var prefix string
	switch n.Level {
	case types.AlertLevelError:
		prefix = color.RedString("[ERROR]")
	case types.AlertLevelWarning:
		prefix = color.YellowString("[WARN]")
	default:
		prefix = color.CyanString("[INFO]")
	}

	_, err := fmt.Fprintf(s.out, "%s [%s] %s\n", prefix, n.RunID, n.Message)
	return err
}
