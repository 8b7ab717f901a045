package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tenderhub/pkg/bootstrap"
	"tenderhub/pkg/models"
	"tenderhub/pkg/storage"
)

type enqueueOptions struct {
	kind        string
	planID      string
	payloadFile string
}

func newEnqueueCmd() *cobra.Command {
	var opts enqueueOptions
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a worker job for the executors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := opts.dispatch()
			if err != nil {
				return err
			}

			queue, err := bootstrap.Queue(cfg)
			if err != nil {
				return err
			}
			if queue == nil {
				return storage.ErrQueueDisabled
			}
			defer queue.Close()

			if err := queue.Push(cmd.Context(), d); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), d.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.kind, "kind", string(models.JobKindBatch), "job kind: batch, simulation, speech or plan")
	cmd.Flags().StringVar(&opts.planID, "plan", "", "plan document id for plan jobs")
	cmd.Flags().StringVar(&opts.payloadFile, "payload", "", "JSON object file for simulation jobs")
	return cmd
}

func (o enqueueOptions) dispatch() (*models.Dispatch, error) {
	kind := models.JobKind(o.kind)
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown job kind %q", o.kind)
	}
	if kind == models.JobKindPlan && o.planID == "" {
		return nil, errors.New("--plan is required for plan jobs")
	}

	d := models.NewDispatch(kind, models.SourceCLI)
	d.PlanID = o.planID
	if o.payloadFile != "" {
		payload, err := os.ReadFile(o.payloadFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
		if !json.Valid(payload) {
			return nil, fmt.Errorf("payload %s is not valid JSON", o.payloadFile)
		}
		d.Payload = payload
	}
	return d, nil
}
