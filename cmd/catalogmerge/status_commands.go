package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rpattn/catalogmerge/internal/domain"
	"github.com/rpattn/catalogmerge/internal/repository"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var sourceFlag string
	var statusFlags []string
	var limit int

	cmd := &cobra.Command{
		Use:   "status [batch-id]",
		Short: "List batches, or show one batch in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseBatchIDs(args)
			if err != nil {
				return err
			}
			filter := repository.BatchFilter{Limit: limit}
			if sourceFlag != "" {
				if filter.Source, err = domain.ParseSourceType(sourceFlag); err != nil {
					return err
				}
			}
			for _, raw := range statusFlags {
				filter.Statuses = append(filter.Statuses, domain.BatchStatus(strings.ToLower(strings.TrimSpace(raw))))
			}

			return ctx.withApp(cmd.Context(), func(a *app) error {
				out := cmd.OutOrStdout()
				if len(ids) == 1 {
					batch, err := a.store.Batches().Get(cmd.Context(), ids[0])
					if err != nil {
						return err
					}
					changes, err := a.store.Changes().CountByBatch(cmd.Context(), batch.ID)
					if err != nil {
						return err
					}
					fmt.Fprint(out, renderTable([]string{"Field", "Value"}, batchDetailRows(batch, changes), nil))
					return nil
				}

				batches, err := a.store.Batches().List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if len(batches) == 0 {
					fmt.Fprintln(out, "No batches")
					return nil
				}
				rows := make([][]string, 0, len(batches))
				for _, batch := range batches {
					rows = append(rows, []string{
						batch.ID.String(),
						string(batch.Source),
						batch.FileName,
						string(batch.Status),
						strconv.Itoa(batch.RowsStaged),
						strconv.Itoa(len(batch.RejectedRows)),
						strconv.Itoa(batch.Stats.Created),
						strconv.Itoa(batch.Stats.Updated),
						strconv.Itoa(batch.Stats.Skipped),
						strconv.Itoa(batch.Stats.Failed),
						formatTime(&batch.CreatedAt),
					})
				}
				fmt.Fprint(out, renderTable(
					[]string{"Batch", "Source", "File", "Status", "Staged", "Rejected", "Created", "Updated", "Skipped", "Failed", "Uploaded"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&sourceFlag, "source", "", "Only batches from this source")
	cmd.Flags().StringSliceVar(&statusFlags, "status", nil, "Only batches in these statuses")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of batches to list")
	return cmd
}

func batchDetailRows(batch domain.IngestionBatch, changes int) [][]string {
	replayOf := "-"
	if batch.ReplayOf != nil {
		replayOf = batch.ReplayOf.String()
	}
	rejected := make([]string, 0, len(batch.RejectedRows))
	for _, row := range batch.RejectedRows {
		rejected = append(rejected, strconv.Itoa(row))
	}
	return [][]string{
		{"Batch", batch.ID.String()},
		{"Source", string(batch.Source)},
		{"File", batch.FileName},
		{"Checksum", orDash(batch.Checksum)},
		{"Actor", orDash(batch.Actor)},
		{"Status", string(batch.Status)},
		{"Staged rows", strconv.Itoa(batch.RowsStaged)},
		{"Rejected rows", orDash(strings.Join(rejected, ", "))},
		{"Created", strconv.Itoa(batch.Stats.Created)},
		{"Updated", strconv.Itoa(batch.Stats.Updated)},
		{"Skipped", strconv.Itoa(batch.Stats.Skipped)},
		{"Failed", strconv.Itoa(batch.Stats.Failed)},
		{"Field changes", strconv.Itoa(changes)},
		{"Replay of", replayOf},
		{"Error", orDash(batch.ErrorMessage)},
		{"Uploaded", formatTime(&batch.CreatedAt)},
		{"Started", formatTime(batch.StartedAt)},
		{"Completed", formatTime(batch.CompletedAt)},
	}
}

func newFailuresCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var offset int

	cmd := &cobra.Command{
		Use:   "failures <batch-id>",
		Short: "List the entries of a batch that could not be reconciled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseBatchIDs(args)
			if err != nil {
				return err
			}
			return ctx.withApp(cmd.Context(), func(a *app) error {
				if _, err := a.store.Batches().Get(cmd.Context(), ids[0]); err != nil {
					return err
				}
				failures, err := a.store.Failures().ListByBatch(cmd.Context(), ids[0], limit, offset)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(failures) == 0 {
					fmt.Fprintln(out, "No failures")
					return nil
				}
				rows := make([][]string, 0, len(failures))
				for _, failure := range failures {
					rows = append(rows, []string{
						strconv.Itoa(failure.RowNumber),
						failure.ExternalKey,
						string(failure.Kind),
						failure.ErrorMessage,
					})
				}
				fmt.Fprint(out, renderTable(
					[]string{"Row", "Key", "Kind", "Error"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 200, "Maximum number of failures to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of failures to skip")
	return cmd
}
