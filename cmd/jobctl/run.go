package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"tenderhub/pkg/gateway"
	"tenderhub/pkg/logger"
)

type runOptions struct {
	deadline   time.Duration
	structured bool
	inputFile  string
	dir        string
	name       string
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "Run one command through the job gateway and print its result as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := opts.spec(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			gw := gateway.New(gateway.Options{Logger: logger.Get(), KillGrace: cfg.KillGrace})
			res := gw.Run(cmd.Context(), spec)
			return printResult(cmd.OutOrStdout(), res)
		},
	}
	// Everything after the command belongs to the job.
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().DurationVar(&opts.deadline, "deadline", 0, "kill the job after this long (0 means no deadline)")
	cmd.Flags().BoolVar(&opts.structured, "structured", false, "require stdout to be exactly one JSON value")
	cmd.Flags().StringVar(&opts.inputFile, "input", "", "file written to the job's stdin, - for jobctl's own stdin")
	cmd.Flags().StringVar(&opts.dir, "dir", "", "working directory of the job")
	cmd.Flags().StringVar(&opts.name, "name", "cli", "job name used in logs and metrics")
	return cmd
}

func (o runOptions) spec(args []string, stdin io.Reader) (gateway.JobSpec, error) {
	spec := gateway.JobSpec{
		Name:                   o.name,
		Command:                args[0],
		Args:                   args[1:],
		WorkingDir:             o.dir,
		Deadline:               o.deadline,
		ExpectStructuredOutput: o.structured,
	}

	var err error
	switch o.inputFile {
	case "":
	case "-":
		spec.Input, err = io.ReadAll(stdin)
	default:
		spec.Input, err = os.ReadFile(o.inputFile)
	}
	if err != nil {
		return gateway.JobSpec{}, fmt.Errorf("failed to read job input: %w", err)
	}
	return spec, nil
}

// printResult writes res as indented JSON and fails unless the job succeeded.
func printResult(w io.Writer, res gateway.JobResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Succeeded() {
		return fmt.Errorf("job %s resolved as %s", res.ID, res.Outcome)
	}
	return nil
}
