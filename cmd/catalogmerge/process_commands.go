package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rpattn/catalogmerge/internal/domain"
	"github.com/rpattn/catalogmerge/internal/repository"
)

func newProcessCommand(ctx *commandContext) *cobra.Command {
	var allStaged bool

	cmd := &cobra.Command{
		Use:   "process [batch-id...]",
		Short: "Reconcile staged batches into canonical records",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseBatchIDs(args)
			if err != nil {
				return err
			}
			if len(ids) == 0 && !allStaged {
				return errors.New("pass one or more batch ids, or --all-staged")
			}

			return ctx.withApp(cmd.Context(), func(a *app) error {
				if allStaged {
					staged, err := a.store.Batches().List(cmd.Context(), repository.BatchFilter{
						Statuses: []domain.BatchStatus{domain.BatchStaged},
					})
					if err != nil {
						return err
					}
					// Oldest first so same-source uploads apply in upload order.
					for i := len(staged) - 1; i >= 0; i-- {
						ids = append(ids, staged[i].ID)
					}
				}
				out := cmd.OutOrStdout()
				if len(ids) == 0 {
					fmt.Fprintln(out, "No staged batches")
					return nil
				}

				results, runErr := a.processor.ProcessMany(cmd.Context(), ids, a.cfg.Processing.BatchConcurrency)
				rows := make([][]string, 0, len(results))
				for _, result := range results {
					status := "-"
					if batch, err := a.store.Batches().Get(cmd.Context(), result.BatchID); err == nil {
						status = string(batch.Status)
					}
					row := statsRow(result.BatchID.String(), status, result.Stats)
					if result.Err != nil {
						row = append(row, result.Err.Error())
					} else {
						row = append(row, "")
					}
					rows = append(rows, row)
				}
				fmt.Fprint(out, renderTable(
					[]string{"Batch", "Status", "Created", "Updated", "Skipped", "Failed", "Error"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft},
				))
				return runErr
			})
		},
	}

	cmd.Flags().BoolVar(&allStaged, "all-staged", false, "Process every batch currently staged")
	return cmd
}

func newRequeueCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <batch-id>",
		Short: "Return a batch abandoned mid-processing to staged",
		Long: "Requeue moves a batch left in processing by an interrupted run back to staged.\n" +
			"Entries already reconciled keep their outcome and are skipped by the next run.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseBatchIDs(args)
			if err != nil {
				return err
			}
			return ctx.withApp(cmd.Context(), func(a *app) error {
				batch, err := a.processor.Requeue(cmd.Context(), ids[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Batch %s is %s again\n", batch.ID, batch.Status)
				return nil
			})
		},
	}
}

func newReplayCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <batch-id>",
		Short: "Re-apply the staged entries of a finished batch as a new batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseBatchIDs(args)
			if err != nil {
				return err
			}
			return ctx.withApp(cmd.Context(), func(a *app) error {
				replay, stats, err := a.processor.Replay(cmd.Context(), ids[0], ctx.explicitActor())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Replayed %s as %s\n", ids[0], replay.ID)
				fmt.Fprint(out, renderTable(
					[]string{"Batch", "Status", "Created", "Updated", "Skipped", "Failed"},
					[][]string{statsRow(replay.ID.String(), string(replay.Status), stats)},
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight},
				))
				return nil
			})
		},
	}
}
