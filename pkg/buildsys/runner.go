package buildsys

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/pmav99/thalassa-server/pkg/srvlog"
)

// TaskError is returned when a command of a task fails. Status is the command's exit
// status or 1 if the command didn't exit normally.
type TaskError struct {
	Task   string
	Status uint8
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.Task, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// RunOptions controls RunTask
type RunOptions struct {
	// DryRun only logs the commands
	DryRun bool
	// Force runs tasks even if their outputs are up to date
	Force bool
	// Stdout and Stderr receive the command output (os.Stdout and os.Stderr if nil)
	Stdout io.Writer
	Stderr io.Writer
}

type runState struct {
	opts     RunOptions
	tasks    TaskList
	finished map[string]bool
}

var defaultOpenHandler = interp.DefaultOpenHandler()

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}
	return defaultOpenHandler(ctx, path, flag, perm)
}

func logExec(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(ctx context.Context, args []string) error {
		srvlog.Log(ctx).Debug().Strs("args", args).Msg("exec")
		return next(ctx, args)
	}
}

func (t *Task) environ() expand.Environ {
	env := os.Environ()
	for name, value := range t.Env {
		env = append(env, name+"="+value)
	}
	return expand.ListEnviron(env...)
}

// resolvePatterns expands the glob patterns of a task's inputs or outputs. Patterns that
// match nothing are dropped.
func resolvePatterns(base string, patterns []string) ([]string, error) {
	cfg := &expand.Config{
		ReadDir2: os.ReadDir,
		GlobStar: true,
	}
	parser := syntax.NewParser()

	result := []string{}
	for _, pattern := range patterns {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(base, pattern)
		}
		pattern = filepath.ToSlash(pattern)

		words := []*syntax.Word{}
		err := parser.Words(strings.NewReader(pattern), func(w *syntax.Word) bool {
			words = append(words, w)
			return true
		})
		if err != nil {
			return nil, eris.Wrapf(err, "invalid pattern %s", pattern)
		}

		matches, err := expand.Fields(cfg, words...)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to resolve pattern %s", pattern)
		}

		for _, match := range matches {
			if !strings.ContainsAny(match, "*?[") {
				result = append(result, match)
			}
		}
	}
	return result, nil
}

// upToDate reports whether every output exists and is newer than the newest input
func upToDate(task *Task) (bool, error) {
	if len(task.Inputs) == 0 || len(task.Outputs) == 0 {
		return false, nil
	}

	inputs, err := resolvePatterns(task.Base, task.Inputs)
	if err != nil {
		return false, err
	}
	outputs, err := resolvePatterns(task.Base, task.Outputs)
	if err != nil {
		return false, err
	}
	if len(outputs) == 0 {
		return false, nil
	}

	var newestInput time.Time
	for _, item := range inputs {
		info, err := os.Stat(item)
		if err != nil {
			return false, eris.Wrapf(err, "failed to check input %s", item)
		}
		if info.ModTime().After(newestInput) {
			newestInput = info.ModTime()
		}
	}

	for _, item := range outputs {
		info, err := os.Stat(item)
		if err != nil {
			return false, nil
		}
		if !info.ModTime().After(newestInput) {
			return false, nil
		}
	}
	return true, nil
}

// RunTask runs the named task after its dependencies
func RunTask(ctx context.Context, name string, tasks TaskList, opts RunOptions) error {
	task, ok := tasks[name]
	if !ok {
		return eris.Errorf("task %s not found", name)
	}

	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	state := &runState{opts: opts, tasks: tasks, finished: make(map[string]bool)}
	return state.run(ctx, task, opts.Force)
}

func (s *runState) run(ctx context.Context, task *Task, force bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	logger := srvlog.Log(ctx).With().Str("task", task.Short).Logger()

	done, seen := s.finished[task.Short]
	if seen {
		if done {
			logger.Debug().Msg("already run")
			return nil
		}
		return eris.Errorf("task %s depends on itself", task.Short)
	}
	s.finished[task.Short] = false

	for _, dep := range task.Deps {
		depTask, ok := s.tasks[dep]
		if !ok {
			return eris.Errorf("task %s depends on the unknown task %s", task.Short, dep)
		}

		if err := s.run(ctx, depTask, false); err != nil {
			return err
		}
	}

	if !force {
		fresh, err := upToDate(task)
		if err != nil {
			return err
		}
		if fresh {
			logger.Info().Msg("nothing to do, outputs are up to date")
			s.finished[task.Short] = true
			return nil
		}
	}

	runner, err := interp.New(
		interp.Dir(task.Base),
		interp.Env(task.environ()),
		interp.ExecHandlers(logExec),
		interp.OpenHandler(openHandler),
		interp.StdIO(nil, s.opts.Stdout, s.opts.Stderr),
		interp.Params("-e"),
	)
	if err != nil {
		return eris.Wrap(err, "failed to initialize shell")
	}

	parser := syntax.NewParser()
	printer := syntax.NewPrinter(syntax.Minify(true))
	line := strings.Builder{}

	for _, step := range task.Steps {
		if ref := step.Ref(); ref != nil {
			if err := s.run(ctx, ref, force); err != nil {
				return err
			}
			continue
		}

		stmts, err := step.Stmts(parser)
		if err != nil {
			return err
		}

		for _, stmt := range stmts {
			line.Reset()
			_ = printer.Print(&line, stmt)
			logger.Info().Bool("command", true).Msg(line.String())

			if s.opts.DryRun {
				continue
			}

			if err := runner.Run(ctx, stmt); err != nil {
				status := uint8(1)
				if exit, ok := interp.IsExitStatus(err); ok {
					status = exit
				}
				return &TaskError{Task: task.Short, Status: status, Err: err}
			}

			if runner.Exited() {
				s.finished[task.Short] = true
				return nil
			}
		}
	}

	s.finished[task.Short] = true
	return nil
}
