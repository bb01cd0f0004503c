package buildsys

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	starsyntax "go.starlark.net/syntax"
	"mvdan.cc/sh/v3/syntax"

	"github.com/pmav99/thalassa-server/pkg/srvlog"
)

// task names handled by the runner itself
var reservedNames = map[string]bool{"list": true, "configure": true}

type parseCtx struct {
	ctx         context.Context
	filepath    string
	projectRoot string
	options     map[string]Option
	values      map[string]string
	env         map[string]string
	yamlCache   map[string]interface{}
	tasks       []*Task
	initPhase   bool
}

func getCtx(thread *starlark.Thread) *parseCtx {
	return thread.Local("parseCtx").(*parseCtx)
}

// normalizePath resolves paths relative to the task file. Paths starting with // are
// relative to the project root.
func normalizePath(pctx *parseCtx, parts ...string) string {
	result := filepath.Dir(pctx.filepath)

	for _, part := range parts {
		switch {
		case strings.HasPrefix(part, "//"):
			result = filepath.Join(pctx.projectRoot, part[2:])
		case filepath.IsAbs(part):
			result = part
		default:
			result = filepath.Join(result, part)
		}
	}

	return filepath.Clean(result)
}

func simplifyPath(pctx *parseCtx, path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}

	rel, err := filepath.Rel(pctx.projectRoot, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return "//" + filepath.ToSlash(rel)
}

func (pctx *parseCtx) environ() []string {
	env := make([]string, 0)
	for _, item := range os.Environ() {
		name, _, _ := strings.Cut(item, "=")
		if _, overridden := pctx.env[name]; !overridden {
			env = append(env, item)
		}
	}

	for name, value := range pctx.env {
		env = append(env, name+"="+value)
	}
	return env
}

func logAt(thread *starlark.Thread, warn bool, msg string) {
	pctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos
	logger := srvlog.Log(pctx.ctx)

	evt := logger.Info()
	if warn {
		evt = logger.Warn()
	}
	evt.Msgf("%s:%d:%d: %s", simplifyPath(pctx, pctx.filepath), pos.Line, pos.Col, msg)
}

func stringList(value starlark.Value, field string) ([]string, error) {
	if value == nil || value == starlark.None {
		return []string{}, nil
	}

	iterable, ok := value.(starlark.Iterable)
	if !ok {
		return nil, eris.Errorf("%s must be a list, not %s", field, value.Type())
	}

	result := make([]string, 0)
	iter := iterable.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		switch item := item.(type) {
		case starlark.String:
			result = append(result, item.GoString())
		case Path:
			result = append(result, string(item))
		default:
			return nil, eris.Errorf("expected all items in %s to be strings but found %s", field, item.Type())
		}
	}
	return result, nil
}

// commandLine turns ("FOO=1", "go", "test", path) into a shell command. Leading
// assignments stay unquoted, every other part is quoted as a single word.
func commandLine(parts []starlark.Value, base string) (string, error) {
	words := make([]string, 0, len(parts))
	assignments := true

	for idx, part := range parts {
		var word string
		switch part := part.(type) {
		case starlark.String:
			word = part.GoString()
		case Path:
			word = string(part)
			if rel, err := filepath.Rel(base, word); err == nil {
				word = rel
			}
			word = filepath.ToSlash(word)
		default:
			return "", eris.Errorf("argument %d is a %s but only strings and paths are supported", idx, part.Type())
		}

		if assignments && strings.Contains(word, "=") && !strings.HasPrefix(word, "=") {
			words = append(words, word)
			continue
		}
		assignments = false

		quoted, err := syntax.Quote(word, syntax.LangBash)
		if err != nil {
			return "", eris.Wrapf(err, "can't quote argument %q", word)
		}
		words = append(words, quoted)
	}

	if len(words) == 0 {
		return "", eris.New("empty command")
	}
	return strings.Join(words, " "), nil
}

func option(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, defaultValue, help string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &defaultValue, "help?", &help)
	if err != nil {
		return nil, err
	}

	pctx := getCtx(thread)
	if !pctx.initPhase {
		return nil, eris.New("option() can only be called in the global scope")
	}

	pctx.options[name] = Option{Default: defaultValue, Help: help}
	if value, ok := pctx.values[name]; ok {
		return starlark.String(value), nil
	}
	return starlark.String(defaultValue), nil
}

func task(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var deps, inputs, outputs, cmds starlark.Value
	var env *starlark.Dict

	t := &Task{Env: map[string]string{}}
	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "short?", &t.Short, "desc?", &t.Desc, "hidden?", &t.Hidden,
		"deps?", &deps, "base?", &t.Base, "inputs?", &inputs, "outputs?", &outputs, "env?", &env, "cmds?", &cmds)
	if err != nil {
		return nil, err
	}

	pctx := getCtx(thread)
	if pctx.initPhase {
		return nil, eris.New("task() can only be called inside configure()")
	}

	if t.Short == "" {
		t.Hidden = true
		t.Short = "auto#" + nanoid.New()
	}
	if reservedNames[t.Short] {
		return nil, eris.Errorf(`the task name "%s" is reserved, please use a different name`, t.Short)
	}

	if t.Base == "" {
		t.Base = "."
	}
	t.Base = normalizePath(pctx, t.Base)

	if t.Deps, err = stringList(deps, "deps"); err != nil {
		return nil, err
	}
	if t.Inputs, err = stringList(inputs, "inputs"); err != nil {
		return nil, err
	}
	if t.Outputs, err = stringList(outputs, "outputs"); err != nil {
		return nil, err
	}

	if env != nil {
		for _, item := range env.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				return nil, eris.Errorf("env keys must be strings, found %s", item[0].Type())
			}
			value, ok := starlark.AsString(item[1])
			if !ok {
				return nil, eris.Errorf("env value for %s must be a string, found %s", key, item[1].Type())
			}
			t.Env[key] = value
		}
	}

	if cmds != nil && cmds != starlark.None {
		iterable, ok := cmds.(starlark.Iterable)
		if !ok {
			return nil, eris.Errorf("cmds must be a list, not %s", cmds.Type())
		}

		iter := iterable.Iterate()
		defer iter.Done()

		var item starlark.Value
		for idx := 0; iter.Next(&item); idx++ {
			switch item := item.(type) {
			case starlark.String:
				t.Steps = append(t.Steps, ScriptStep{Task: t.Short, Index: idx, Script: item.GoString()})
			case starlark.Tuple, *starlark.List:
				parts := make([]starlark.Value, 0)
				sub := item.(starlark.Iterable).Iterate()
				var part starlark.Value
				for sub.Next(&part) {
					parts = append(parts, part)
				}
				sub.Done()

				line, err := commandLine(parts, t.Base)
				if err != nil {
					return nil, eris.Wrapf(err, "failed to process command #%d of %s", idx, t.Short)
				}
				t.Steps = append(t.Steps, ScriptStep{Task: t.Short, Index: idx, Script: line})
			case *Task:
				t.Steps = append(t.Steps, TaskStep{Task: item})
			default:
				return nil, eris.Errorf("%s: unexpected command type %s", fn.Name(), item.Type())
			}
		}
	}

	if len(t.Inputs) > 0 && len(t.Outputs) == 0 {
		logAt(thread, true, fmt.Sprintf("task %s has inputs but no outputs", t.Short))
	}

	if !t.Hidden {
		pctx.tasks = append(pctx.tasks, t)
	}
	return t, nil
}

// Parse executes the task file and its configure() function and returns the declared
// tasks and options. values overrides the defaults of option() calls.
func Parse(ctx context.Context, filename, projectRoot string, values map[string]string) (TaskList, map[string]Option, error) {
	projectRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, nil, eris.Wrap(err, "failed to resolve project root")
	}
	filename, err = filepath.Abs(filename)
	if err != nil {
		return nil, nil, eris.Wrap(err, "failed to resolve task file")
	}

	pctx := &parseCtx{
		ctx:         ctx,
		filepath:    filename,
		projectRoot: projectRoot,
		options:     make(map[string]Option),
		values:      values,
		env:         make(map[string]string),
		yamlCache:   make(map[string]interface{}),
		initPhase:   true,
	}

	thread := &starlark.Thread{
		Name: "tasks",
		Print: func(_ *starlark.Thread, msg string) {
			srvlog.Log(ctx).Info().Msg(msg)
		},
	}
	thread.SetLocal("parseCtx", pctx)

	script, err := os.ReadFile(filename)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "failed to read %s", filename)
	}

	name := simplifyPath(pctx, filename)
	opts := &starsyntax.FileOptions{TopLevelControl: true, GlobalReassign: true}
	globals, err := starlark.ExecFileOptions(opts, thread, name, script, builtins())
	if err != nil {
		return nil, nil, evalError(err, "failed to execute "+name)
	}

	configure, ok := globals["configure"].(starlark.Callable)
	if !ok {
		return nil, nil, eris.Errorf("%s doesn't declare a configure function", name)
	}

	pctx.initPhase = false
	if _, err = starlark.Call(thread, configure, nil, nil); err != nil {
		return nil, nil, evalError(err, "configure() failed in "+name)
	}

	tasks := TaskList{}
	for _, t := range pctx.tasks {
		if _, dup := tasks[t.Short]; dup {
			return nil, nil, eris.Errorf("task %s is declared twice", t.Short)
		}
		tasks[t.Short] = t

		// setenv() calls apply to every task unless the task sets the variable itself
		for key, value := range pctx.env {
			if _, present := t.Env[key]; !present {
				t.Env[key] = value
			}
		}
	}

	return tasks, pctx.options, nil
}

func evalError(err error, msg string) error {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return eris.Errorf("%s:\n%s", msg, evalErr.Backtrace())
	}
	return eris.Wrap(err, msg)
}

func builtins() starlark.StringDict {
	return starlark.StringDict{
		"OS":        starlark.String(runtime.GOOS),
		"ARCH":      starlark.String(runtime.GOARCH),
		"info":      starlark.NewBuiltin("info", starInfo),
		"warn":      starlark.NewBuiltin("warn", starWarn),
		"error":     starlark.NewBuiltin("error", starError),
		"option":    starlark.NewBuiltin("option", option),
		"getenv":    starlark.NewBuiltin("getenv", getenv),
		"setenv":    starlark.NewBuiltin("setenv", setenv),
		"path":      starlark.NewBuiltin("path", resolvePath),
		"read_yaml": starlark.NewBuiltin("read_yaml", readYaml),
		"isfile":    starlark.NewBuiltin("isfile", starIsfile),
		"isdir":     starlark.NewBuiltin("isdir", starIsdir),
		"execute":   starlark.NewBuiltin("execute", starExecute),
		"task":      starlark.NewBuiltin("task", task),
	}
}
