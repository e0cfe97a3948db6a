package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rpattn/catalogmerge/internal/domain"
	"github.com/rpattn/catalogmerge/internal/ingestion"
	"github.com/rpattn/catalogmerge/internal/normalize"
)

func newIngestCommand(ctx *commandContext) *cobra.Command {
	var sourceFlag string
	var headerRow int
	var dryRun bool
	var process bool

	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Normalize a CSV or XLSX export and stage it as a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := domain.ParseSourceType(sourceFlag)
			if err != nil {
				return err
			}
			path := args[0]
			file, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", path, err)
			}
			defer file.Close()

			req := ingestion.Request{
				Source:   source,
				FileName: filepath.Base(path),
				Actor:    ctx.actor(),
				Data:     file,
			}
			if cmd.Flags().Changed("header-row") {
				// The flag is 1-based like spreadsheet rows.
				index := headerRow - 1
				req.HeaderRowIndex = &index
			}

			return ctx.withApp(cmd.Context(), func(a *app) error {
				out := cmd.OutOrStdout()
				if dryRun {
					preview, err := a.ingestion.Preview(req, 0)
					if err != nil {
						return err
					}
					printPreview(out, preview)
					return nil
				}

				summary, err := a.ingestion.Ingest(cmd.Context(), req)
				if err != nil {
					return err
				}
				printIngestSummary(out, summary)
				if !process {
					fmt.Fprintf(out, "Run `catalogmerge process %s` to reconcile it.\n", summary.BatchID)
					return nil
				}

				stats, err := a.processor.Process(cmd.Context(), summary.BatchID)
				if err != nil {
					return err
				}
				batch, err := a.store.Batches().Get(cmd.Context(), summary.BatchID)
				if err != nil {
					return err
				}
				fmt.Fprint(out, renderTable(
					[]string{"Batch", "Status", "Created", "Updated", "Skipped", "Failed"},
					[][]string{statsRow(batch.ID.String(), string(batch.Status), stats)},
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight},
				))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&sourceFlag, "source", "s", "", "Source of the file (system or human)")
	cmd.Flags().IntVar(&headerRow, "header-row", 0, "1-based row holding the column headers (default: first non-empty row)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show the column mapping and rejections without staging anything")
	cmd.Flags().BoolVar(&process, "process", false, "Process the batch right after staging it")
	_ = cmd.MarkFlagRequired("source")

	return cmd
}

func printIngestSummary(out io.Writer, summary ingestion.Summary) {
	fmt.Fprintf(out, "Staged batch %s (%s)\n", summary.BatchID, summary.Source)
	fmt.Fprint(out, renderTable(
		[]string{"Rows", "Staged", "Rejected", "Checksum"},
		[][]string{{
			strconv.Itoa(summary.TotalRows),
			strconv.Itoa(summary.StagedRows),
			strconv.Itoa(len(summary.RejectedRows)),
			shortChecksum(summary.Checksum),
		}},
		[]columnAlignment{alignRight, alignRight, alignRight, alignLeft},
	))
	printRejections(out, summary.Rejections)
}

func printPreview(out io.Writer, preview ingestion.PreviewResult) {
	rows := make([][]string, 0, len(preview.Headers))
	for _, header := range preview.Headers {
		rows = append(rows, []string{header.Name, orDash(header.Target)})
	}
	fmt.Fprint(out, renderTable([]string{"Column", "Field"}, rows, nil))
	fmt.Fprintf(out, "%d rows, %d accepted, %d rejected\n", preview.TotalRows, len(preview.Candidates), len(preview.Rejections))
	printRejections(out, preview.Rejections)
}

func printRejections(out io.Writer, rejections []normalize.Rejection) {
	if len(rejections) == 0 {
		return
	}
	rows := make([][]string, 0, len(rejections))
	for _, rejection := range rejections {
		rows = append(rows, []string{strconv.Itoa(rejection.RowNumber), rejection.Reason})
	}
	fmt.Fprint(out, renderTable([]string{"Row", "Reason"}, rows, []columnAlignment{alignRight, alignLeft}))
}

func shortChecksum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return orDash(sum)
}

func statsRow(id, status string, stats domain.BatchStats) []string {
	return []string{
		id,
		status,
		strconv.Itoa(stats.Created),
		strconv.Itoa(stats.Updated),
		strconv.Itoa(stats.Skipped),
		strconv.Itoa(stats.Failed),
	}
}
