package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/fieldqueue/internal/queue"
	"github.com/agentworkforce/fieldqueue/internal/report"
	"github.com/agentworkforce/fieldqueue/internal/syncer"
)

func newQueueCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "queue", Short: "Inspect and drain the offline queue"}
	cmd.AddCommand(&cobra.Command{Use: "list", Short: "List queued tasks", Args: cobra.NoArgs, RunE: c.queueList})
	cmd.AddCommand(&cobra.Command{Use: "drain", Short: "Run one drain pass against the remote", Args: cobra.NoArgs, RunE: c.queueDrain})
	cmd.AddCommand(&cobra.Command{Use: "retry", Short: "Return a failed task to pending", Args: cobra.ExactArgs(1), RunE: c.queueRetry})
	export := &cobra.Command{Use: "export", Short: "Export the queue as an XLSX workbook", Args: cobra.NoArgs, RunE: c.queueExport}
	export.Flags().StringP("out", "o", "fieldqueue.xlsx", "output file")
	cmd.AddCommand(export)
	return cmd
}

func (c *cli) queueList(cmd *cobra.Command, args []string) error {
	tasks := c.app.Queue.PeekAll()
	out := cmd.OutOrStdout()
	if c.jsonOutput {
		return printJSON(out, tasks)
	}
	if len(tasks) == 0 {
		writeLine(out, "queue is empty")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tRESOURCE\tSTATUS\tRETRIES\tCODE\tLAST ERROR")
	for _, task := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			task.ID, task.Type, task.ResourceKey(), statusLabel(task), task.Retries,
			dash(task.FailureCode), dash(truncate(task.LastError, 60)))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	stats := c.app.Queue.Stats()
	writeLine(out, "%d total, %d pending, %d in flight, %d failed", stats.Total, stats.Pending, stats.InFlight, stats.Failed)
	return nil
}

func (c *cli) queueDrain(cmd *cobra.Command, args []string) error {
	online, disconnect := c.connect(cmd.Context())
	defer disconnect()
	if !online {
		return errOffline
	}
	result, err := c.app.Processor.Drain(cmd.Context())
	if err != nil {
		return err
	}
	return c.printDrain(cmd.OutOrStdout(), result)
}

func (c *cli) printDrain(out io.Writer, result syncer.DrainResult) error {
	if c.jsonOutput {
		return printJSON(out, result)
	}
	if result.Skipped {
		writeLine(out, "%s %s", warnColor("skipped:"), result.SkipReason)
		return nil
	}
	writeLine(out, "attempted %d: %s, %s, %s, %s, %s, %s",
		result.Attempted,
		okColor(strconv.Itoa(result.Succeeded)+" succeeded"),
		warnColor(strconv.Itoa(result.Retrying)+" retrying"),
		errColor(strconv.Itoa(result.Failed)+" failed"),
		errColor(strconv.Itoa(result.Rejected)+" rejected"),
		dimColor(strconv.Itoa(result.Discarded)+" discarded"),
		dimColor(strconv.Itoa(result.Deferred)+" deferred"),
	)
	if result.Stopped {
		writeLine(out, "%s %s", warnColor("stopped:"), result.StopReason)
	}
	return nil
}

func (c *cli) queueRetry(cmd *cobra.Command, args []string) error {
	task, err := c.app.Queue.Requeue(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	writeLine(cmd.OutOrStdout(), "%s %s is %s", okColor("requeued"), task.ID, task.Status)
	return nil
}

func (c *cli) queueExport(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("out")
	data, err := report.QueueWorkbook(c.app.Queue.PeekAll(), time.Now())
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	writeLine(cmd.OutOrStdout(), "wrote %s (%d tasks)", path, c.app.Queue.Len())
	return nil
}

func statusLabel(task queue.Task) string {
	switch task.Status {
	case queue.StatusFailed:
		return errColor(string(task.Status))
	case queue.StatusInFlight:
		return warnColor(string(task.Status))
	}
	if task.Retries > 0 {
		return warnColor(string(task.Status))
	}
	return okColor(string(task.Status))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
