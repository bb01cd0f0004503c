package buildsys

import (
	"encoding/json"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	"gopkg.in/yaml.v3"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/pmav99/thalassa-server/pkg/srvlog"
)

func starInfo(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg string
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &msg); err != nil {
		return nil, err
	}

	logAt(thread, false, msg)
	return starlark.None, nil
}

func starWarn(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg string
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &msg); err != nil {
		return nil, err
	}

	logAt(thread, true, msg)
	return starlark.None, nil
}

func starError(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg string
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &msg); err != nil {
		return nil, err
	}

	return nil, eris.New(msg)
}

func getenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &key); err != nil {
		return nil, err
	}

	value, ok := getCtx(thread).env[key]
	if !ok {
		value = os.Getenv(key)
	}
	return starlark.String(value), nil
}

func setenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key, value string
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &key, &value); err != nil {
		return nil, err
	}

	getCtx(thread).env[key] = value
	return starlark.None, nil
}

func resolvePath(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, eris.Errorf("%s: unexpected keyword arguments", fn.Name())
	}
	if len(args) < 1 {
		return nil, eris.Errorf("%s: expects at least one argument", fn.Name())
	}

	parts := make([]string, len(args))
	for idx, arg := range args {
		switch arg := arg.(type) {
		case starlark.String:
			parts[idx] = arg.GoString()
		case Path:
			parts[idx] = string(arg)
		default:
			return nil, eris.Errorf("%s: argument %d is a %s, want string or path", fn.Name(), idx, arg.Type())
		}
	}

	return Path(normalizePath(getCtx(thread), parts...)), nil
}

// readYaml looks up a dotted key ("repos.0.rev") in a YAML file
func readYaml(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var file, key string
	var fallback starlark.Value = starlark.None

	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &file, &key, &fallback); err != nil {
		return nil, err
	}

	pctx := getCtx(thread)
	file = normalizePath(pctx, file)

	doc, loaded := pctx.yamlCache[file]
	if !loaded {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to read %s", file)
		}
		if err = yaml.Unmarshal(content, &doc); err != nil {
			return nil, eris.Wrapf(err, "failed to parse %s", file)
		}
		pctx.yamlCache[file] = doc
	}

	value := doc
	for _, part := range strings.Split(key, ".") {
		switch node := value.(type) {
		case map[string]interface{}:
			value = node[part]
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return fallback, nil
			}
			value = node[idx]
		default:
			return fallback, nil
		}
	}

	if value == nil {
		return fallback, nil
	}
	return toStarlark(value)
}

func statPath(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (os.FileInfo, error) {
	var path string
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &path); err != nil {
		return nil, err
	}

	info, err := os.Stat(normalizePath(getCtx(thread), path))
	if err != nil {
		return nil, nil
	}
	return info, nil
}

func starIsfile(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	info, err := statPath(thread, fn, args, kwargs)
	if err != nil {
		return nil, err
	}
	return starlark.Bool(info != nil && info.Mode().IsRegular()), nil
}

func starIsdir(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	info, err := statPath(thread, fn, args, kwargs)
	if err != nil {
		return nil, err
	}
	return starlark.Bool(info != nil && info.IsDir()), nil
}

// starExecute runs a command while the task file is evaluated and returns its output,
// or False if it failed
func starExecute(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var command starlark.Value
	var format string
	var showError bool

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "command", &command, "format?", &format, "show_error?", &showError)
	if err != nil {
		return nil, err
	}

	switch format {
	case "":
		format = "text"
	case "text", "json":
	default:
		return nil, eris.Errorf("%s: unsupported format %s", fn.Name(), format)
	}

	pctx := getCtx(thread)
	base := normalizePath(pctx, ".")

	var script string
	switch command := command.(type) {
	case starlark.String:
		script = command.GoString()
	case starlark.Tuple:
		script, err = commandLine(command, base)
		if err != nil {
			return nil, err
		}
	default:
		return nil, eris.Errorf("%s: command must be a string or tuple, not %s", fn.Name(), command.Type())
	}

	stmts, err := ScriptStep{Task: fn.Name(), Script: script}.Stmts(syntax.NewParser())
	if err != nil {
		return nil, err
	}

	out := strings.Builder{}
	var stderr io.Writer
	if showError {
		stderr = os.Stderr
	}

	runner, err := interp.New(
		interp.Dir(base),
		interp.Env(expand.ListEnviron(pctx.environ()...)),
		interp.OpenHandler(openHandler),
		interp.StdIO(nil, &out, stderr),
		interp.Params("-e"),
	)
	if err != nil {
		return nil, eris.Wrap(err, "failed to initialize shell")
	}

	for _, stmt := range stmts {
		if err := runner.Run(pctx.ctx, stmt); err != nil {
			if showError {
				srvlog.Log(pctx.ctx).Error().Err(err).Msgf("%s failed", script)
			}
			return starlark.False, nil
		}
	}

	if format == "json" {
		var decoded interface{}
		if err := json.Unmarshal([]byte(out.String()), &decoded); err != nil {
			return nil, eris.Wrapf(err, "failed to parse the output of %s", script)
		}
		return toStarlark(decoded)
	}

	return starlark.String(out.String()), nil
}

func toStarlark(value interface{}) (starlark.Value, error) {
	switch value := value.(type) {
	case nil:
		return starlark.None, nil
	case string:
		return starlark.String(value), nil
	case bool:
		return starlark.Bool(value), nil
	case int:
		return starlark.MakeInt(value), nil
	case float64:
		return starlark.Float(value), nil
	case []interface{}:
		items := make([]starlark.Value, len(value))
		for idx, item := range value {
			converted, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			items[idx] = converted
		}
		return starlark.NewList(items), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(value))
		for key, item := range value {
			converted, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(key), converted); err != nil {
				return nil, err
			}
		}
		return dict, nil
	}

	return nil, eris.Errorf("unsupported value %v (%T)", value, value)
}
