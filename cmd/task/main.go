// Command task runs the developer tasks declared in the nearest tasks.star file
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pmav99/thalassa-server/pkg/buildsys"
	"github.com/pmav99/thalassa-server/pkg/srvlog"
)

var rootCmd = &cobra.Command{
	Use:   "task [option=value...] [task...]",
	Short: "Developer task runner for thalassa-server",
	Long: `Parses the first tasks.star file found in the current directory or its parents and
runs the given tasks. Without a task (or with "list") the available tasks are printed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runTasks,
}

func init() {
	rootCmd.Flags().BoolP("dry", "n", false, "only print the commands, don't execute anything")
	rootCmd.Flags().BoolP("force", "f", false, "run the tasks even if their outputs are up to date")
	rootCmd.Flags().BoolP("verbose", "v", false, "print debug messages and every log field")
}

// findTaskFile walks up from dir until it finds a tasks.star file
func findTaskFile(dir string) (string, error) {
	for {
		path := filepath.Join(dir, "tasks.star")
		_, err := os.Stat(path)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", eris.Wrapf(err, "failed to check %s", path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", eris.New("no tasks.star file found")
		}
		dir = parent
	}
}

func printList(tasks buildsys.TaskList, options map[string]buildsys.Option) {
	names := tasks.Names()
	width := len("list")
	for _, name := range names {
		if len(name) > width {
			width = len(name)
		}
	}

	lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", width+2)
	fmt.Println("Available tasks:")
	fmt.Printf(lineFmt, "list:", "Print this list")
	for _, name := range names {
		fmt.Printf(lineFmt, name+":", tasks[name].Desc)
	}

	if len(options) > 0 {
		optNames := make([]string, 0, len(options))
		for name := range options {
			optNames = append(optNames, name)
		}
		sort.Strings(optNames)

		fmt.Println("\nOptions:")
		for _, name := range optNames {
			fmt.Printf("   %s=%q  %s\n", name, options[name].Default, options[name].Help)
		}
	}
}

func runTasks(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry")
	force, _ := cmd.Flags().GetBool("force")
	verbose, _ := cmd.Flags().GetBool("verbose")

	names := make([]string, 0, len(args))
	values := make(map[string]string)
	for _, arg := range args {
		if key, value, ok := strings.Cut(arg, "="); ok {
			values[key] = value
		} else {
			names = append(names, arg)
		}
	}

	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(buildsys.NewConsoleWriter(os.Stderr, verbose, os.Getenv("NO_COLOR") != "")).Level(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = srvlog.WithLogger(ctx, &logger)

	wd, err := os.Getwd()
	if err != nil {
		return eris.Wrap(err, "failed to determine the working directory")
	}

	taskFile, err := findTaskFile(wd)
	if err != nil {
		return err
	}

	tasks, options, err := buildsys.Parse(ctx, taskFile, filepath.Dir(taskFile), values)
	if err != nil {
		return err
	}

	if len(names) == 0 {
		printList(tasks, options)
		return nil
	}

	for _, name := range names {
		if name == "list" {
			printList(tasks, options)
			continue
		}

		err = buildsys.RunTask(ctx, name, tasks, buildsys.RunOptions{DryRun: dryRun, Force: force})
		if err != nil {
			return err
		}
	}
	return nil
}

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}

	logger := zerolog.New(buildsys.NewConsoleWriter(os.Stderr, false, os.Getenv("NO_COLOR") != ""))

	var taskErr *buildsys.TaskError
	if errors.As(err, &taskErr) {
		logger.Error().Str("task", taskErr.Task).Err(taskErr.Err).Msg("failed")
		os.Exit(int(taskErr.Status))
	}

	logger.Error().Err(err).Msg("task runner failed")
	os.Exit(1)
}
