package buildsys

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	"mvdan.cc/sh/v3/syntax"
)

// Step is one entry of a task's cmds list
type Step interface {
	// Stmts returns the shell statements of a script step or nil for a task reference
	Stmts(parser *syntax.Parser) ([]*syntax.Stmt, error)
	// Ref returns the referenced task or nil for a script step
	Ref() *Task
}

// ScriptStep is a shell snippet
type ScriptStep struct {
	Task   string
	Index  int
	Script string
}

func (s ScriptStep) Stmts(parser *syntax.Parser) ([]*syntax.Stmt, error) {
	file, err := parser.Parse(strings.NewReader(s.Script), fmt.Sprintf("%s:%d", s.Task, s.Index))
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse command %s", s.Script)
	}
	return file.Stmts, nil
}

func (s ScriptStep) Ref() *Task { return nil }

// TaskStep runs another task in the middle of a task
type TaskStep struct {
	Task *Task
}

func (TaskStep) Stmts(*syntax.Parser) ([]*syntax.Stmt, error) { return nil, nil }

func (s TaskStep) Ref() *Task { return s.Task }

// Task holds the values passed to task() in the task file
type Task struct {
	Short   string
	Desc    string
	Base    string
	Deps    []string
	Inputs  []string
	Outputs []string
	Env     map[string]string
	Steps   []Step
	Hidden  bool
}

// TaskList maps task names to tasks
type TaskList map[string]*Task

// Names returns the sorted names of all visible tasks
func (l TaskList) Names() []string {
	names := make([]string, 0, len(l))
	for name, task := range l {
		if !task.Hidden {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Option is a value declared with option() that can be overridden on the command line
type Option struct {
	Default string
	Help    string
}

// String, Type, Freeze, Truth and Hash implement starlark.Value so tasks can be passed
// around in the task file

func (t *Task) String() string {
	return fmt.Sprintf("<task %s: %s>", t.Short, t.Desc)
}

func (t *Task) Type() string {
	return "task"
}

func (t *Task) Freeze() {}

func (t *Task) Truth() starlark.Bool {
	return starlark.True
}

func (t *Task) Hash() (uint32, error) {
	return 0, eris.New("task is not a hashable type")
}

// Path is a path resolved relative to the task file
type Path string

func (p Path) String() string {
	return starlark.String(p).String()
}

func (p Path) Type() string {
	return "path"
}

func (p Path) Freeze() {}

func (p Path) Truth() starlark.Bool {
	return p != ""
}

func (p Path) Hash() (uint32, error) {
	return starlark.String(p).Hash()
}
