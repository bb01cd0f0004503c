// Package notify reports errors to the operator through a desktop notification command
// and, optionally, by mail.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/shell"

	"github.com/pmav99/thalassa-server/pkg/config"
	"github.com/pmav99/thalassa-server/pkg/mail"
	"github.com/pmav99/thalassa-server/pkg/srvlog"
)

// Placeholder is replaced with the message in notification commands
const Placeholder = "{msg}"

// Commands are the notification programs tried in order when no command is configured
var Commands = []string{
	`ntfy send '{msg}'`,
	`notify-send '{msg}'`,
	`osascript -e 'display notification "{msg}"'`,
}

var (
	detectOnce sync.Once
	detected   string
)

// Detect returns the first entry of Commands whose program exists. The lookup only runs once.
func Detect() string {
	detectOnce.Do(func() {
		detected = detectWith(exec.LookPath)
	})
	return detected
}

func detectWith(lookPath func(string) (string, error)) string {
	for _, cmd := range Commands {
		fields, err := shell.Fields(cmd, nil)
		if err != nil || len(fields) == 0 {
			continue
		}

		if _, err = lookPath(fields[0]); err == nil {
			return cmd
		}
	}
	return ""
}

// BuildCommand splits the command template like a shell would and replaces the
// placeholder in every argument. The message itself is never parsed by a shell.
func BuildCommand(template, msg string) ([]string, error) {
	fields, err := shell.Fields(template, func(string) string { return "" })
	if err != nil {
		return nil, eris.Wrapf(err, "invalid notification command %q", template)
	}
	if len(fields) == 0 {
		return nil, eris.Errorf("empty notification command")
	}

	for i, field := range fields {
		fields[i] = strings.ReplaceAll(field, Placeholder, msg)
	}
	return fields, nil
}

// Runner executes a notification command
type Runner func(ctx context.Context, args []string) error

func execRunner(ctx context.Context, args []string) error {
	out, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
	if err != nil {
		return eris.Wrapf(err, "%s failed: %s", args[0], strings.TrimSpace(string(out)))
	}
	return nil
}

// Notifier delivers error reports
type Notifier struct {
	command string
	run     Runner
	mail    func(ctx context.Context, msg string) error
}

// New creates a notifier from cfg. The notification command is auto-detected if cfg
// doesn't name one.
func New(cfg *config.Config) *Notifier {
	n := &Notifier{run: execRunner}

	if !cfg.Notify.Disable {
		n.command = cfg.Notify.Command
		if n.command == "" {
			n.command = Detect()
		}
	}

	if mail.Enabled(cfg) {
		n.mail = func(ctx context.Context, msg string) error {
			return mail.SendReport(ctx, cfg, mail.ReportParams{Message: msg})
		}
	}

	return n
}

// WithRunner replaces the function used to execute notification commands
func (n *Notifier) WithRunner(command string, run Runner) *Notifier {
	n.command = command
	n.run = run
	return n
}

// Notify delivers msg. Failures are logged, never returned.
func (n *Notifier) Notify(ctx context.Context, msg string) {
	logger := srvlog.Log(ctx)

	if n.command == "" && n.mail == nil {
		logger.Warn().Msg("Couldn't find any known notification program...")
		return
	}

	if n.command != "" {
		args, err := BuildCommand(n.command, msg)
		if err == nil {
			logger.Error().Strs("cmd", args).Msg("Sending notification")

			runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			err = n.run(runCtx, args)
			cancel()
		}
		if err != nil {
			logger.Error().Err(err).Msg("Notification failed")
		}
	}

	if n.mail != nil {
		// mail delivery can take a while, don't block the caller
		go func() {
			if err := n.mail(context.WithoutCancel(ctx), msg); err != nil {
				logger.Error().Err(err).Msg("Failed to mail error report")
			}
		}()
	}
}

// Error notifies about err including its stack trace
func (n *Notifier) Error(ctx context.Context, err error) {
	n.Notify(ctx, fmt.Sprintf("%s\n%s", err, eris.ToString(err, true)))
}

// Exceptions recovers from panics in next, reports them and answers with a 500
func (n *Notifier) Exceptions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			msg := fmt.Sprintf("%v\n%s", rec, debug.Stack())
			srvlog.Log(r.Context()).Error().Str("panic", fmt.Sprint(rec)).Msg("Recovered from panic")
			n.Notify(r.Context(), msg)

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"internal error"}`))
		}()

		next.ServeHTTP(w, r)
	})
}
