package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/rhuss/aufruf/pkg/api"
)

// Process exit codes for one-shot mode.
const (
	ExitOK      = 0
	ExitError   = 1
	ExitRestart = 2
)

// ReadPayload resolves the one-shot payload source: a literal argument,
// @path indirection, or "-"/empty for standard input.
func ReadPayload(arg string, stdin io.Reader) ([]byte, error) {
	switch {
	case arg == "" || arg == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading payload from stdin: %w", err)
		}
		return b, nil
	case strings.HasPrefix(arg, "@"):
		b, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, fmt.Errorf("reading payload file: %w", err)
		}
		return b, nil
	default:
		return []byte(arg), nil
	}
}

// RunOnce carries out a single invocation and reports the process exit
// code. The reply payload, or the error body when the function failed, is
// written to out followed by a newline.
func (d *Dispatcher) RunOnce(ctx context.Context, payload []byte, logType api.LogType, out io.Writer) int {
	inv, err := d.Invoke(ctx, Request{
		Payload: payload,
		Type:    api.InvokeRequestResponse,
		LogType: logType,
	})
	if err != nil {
		d.logger.Error("invocation could not be carried out", slog.String("error", err.Error()))
		return ExitError
	}

	if ferr := inv.Err(); ferr != nil {
		fmt.Fprintf(out, "%s\n", ferr.Payload())
		return ExitError
	}
	if reply := inv.Reply(); len(reply) > 0 {
		fmt.Fprintf(out, "%s\n", reply)
	}
	return ExitOK
}
