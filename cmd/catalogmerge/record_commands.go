package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rpattn/catalogmerge/internal/domain"
	"github.com/rpattn/catalogmerge/internal/reconcile"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var showDiff bool

	cmd := &cobra.Command{
		Use:   "history <external-key>",
		Short: "Show the change log of one canonical record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			return ctx.withApp(cmd.Context(), func(a *app) error {
				record, err := a.store.Records().Get(cmd.Context(), key)
				if err != nil {
					return err
				}
				changes, err := a.store.Changes().ListByRecord(cmd.Context(), key)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s at version %d\n", record.ExternalKey, record.Version)
				printChanges(out, changes)

				if showDiff && record.Version > 1 {
					base, ok := domain.SnapshotAt(key, changes, record.Version-1)
					if ok {
						target := domain.NewRecordSnapshot(record)
						fmt.Fprint(out, domain.DiffRecordSnapshots(
							fmt.Sprintf("%s@%d", key, record.Version-1), &base,
							fmt.Sprintf("%s@%d", key, record.Version), &target,
						))
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&showDiff, "diff", false, "Also print a diff between the last two versions")
	return cmd
}

func newExplainCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "explain <external-key> <field>",
		Short: "Explain why a field of a record has its current value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, field := args[0], args[1]
			return ctx.withApp(cmd.Context(), func(a *app) error {
				if _, known := a.registry.OwnerOf(field); !known {
					return fmt.Errorf("unknown field %q (system fields: %v, human fields: %v)",
						field, a.registry.Fields(domain.SourceSystem), a.registry.Fields(domain.SourceHuman))
				}
				if _, err := a.store.Records().Get(cmd.Context(), key); err != nil {
					return err
				}
				changes, err := a.store.Changes().ListByRecord(cmd.Context(), key)
				if err != nil {
					return err
				}

				exp := reconcile.Explain(key, field, changes)
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, exp.Summary())
				printChanges(out, exp.History)
				return nil
			})
		},
	}
}

func printChanges(out io.Writer, changes []domain.ChangeLogEntry) {
	if len(changes) == 0 {
		return
	}
	rows := make([][]string, 0, len(changes))
	for _, change := range changes {
		rows = append(rows, []string{
			strconv.FormatInt(change.ID, 10),
			change.BatchID.String(),
			string(change.Source),
			change.Field,
			displayValue(change.OldValue),
			displayValue(change.NewValue),
			string(change.ChangeType),
			orDash(change.Actor),
			formatTime(&change.ChangedAt),
		})
	}
	fmt.Fprint(out, renderTable(
		[]string{"#", "Batch", "Source", "Field", "Old", "New", "Type", "Actor", "At"},
		rows,
		[]columnAlignment{alignRight},
	))
}

func displayValue(value domain.Value) string {
	if value.IsAbsent() {
		return "-"
	}
	return value.String()
}
