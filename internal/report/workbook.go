// Package report renders operator exports of the offline queue.
package report

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/agentworkforce/fieldqueue/internal/queue"
)

const (
	queueSheet   = "Queue"
	summarySheet = "Summary"
)

var queueHeaders = []string{
	"Task ID",
	"Type",
	"Resource",
	"Status",
	"Retries",
	"Failure Code",
	"Last Error",
	"Enqueued At",
	"Next Attempt",
}

// QueueWorkbook returns an XLSX workbook listing every task in queue order,
// plus a per-status summary.
func QueueWorkbook(tasks []queue.Task, generatedAt time.Time) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", queueSheet); err != nil {
		return nil, err
	}
	for i, h := range queueHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(queueSheet, cell, h)
	}
	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}
	_ = f.SetRowStyle(queueSheet, 1, 1, header)

	for i, task := range tasks {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(queueSheet, cell, v)
		}
		write(1, task.ID)
		write(2, string(task.Type))
		write(3, task.ResourceKey())
		write(4, string(task.Status))
		write(5, task.Retries)
		write(6, task.FailureCode)
		write(7, truncate(task.LastError, 200))
		write(8, formatTime(task.EnqueuedAt))
		if task.NextAttemptAt != nil {
			write(9, formatTime(*task.NextAttemptAt))
		}
	}
	_ = f.SetColWidth(queueSheet, "A", "A", 38)
	_ = f.SetColWidth(queueSheet, "B", "B", 18)
	_ = f.SetColWidth(queueSheet, "C", "C", 34)
	_ = f.SetColWidth(queueSheet, "G", "G", 60)
	_ = f.SetColWidth(queueSheet, "H", "I", 22)
	if len(tasks) > 0 {
		last, _ := excelize.CoordinatesToCellName(len(queueHeaders), len(tasks)+1)
		if err := f.AutoFilter(queueSheet, "A1:"+last, nil); err != nil {
			return nil, err
		}
	}

	if _, err := f.NewSheet(summarySheet); err != nil {
		return nil, err
	}
	_ = f.SetCellValue(summarySheet, "A1", "Generated At")
	_ = f.SetCellValue(summarySheet, "B1", formatTime(generatedAt))
	_ = f.SetCellValue(summarySheet, "A2", "Total")
	_ = f.SetCellValue(summarySheet, "B2", len(tasks))
	row := 3
	for _, line := range summarize(tasks) {
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", row), line.label)
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", row), line.count)
		row++
	}
	_ = f.SetColWidth(summarySheet, "A", "A", 30)

	index, _ := f.GetSheetIndex(queueSheet)
	f.SetActiveSheet(index)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

type summaryLine struct {
	label string
	count int
}

func summarize(tasks []queue.Task) []summaryLine {
	counts := map[string]int{}
	for _, task := range tasks {
		counts["status "+string(task.Status)]++
		counts["type "+string(task.Type)]++
	}
	lines := make([]summaryLine, 0, len(counts))
	for label, count := range counts {
		lines = append(lines, summaryLine{label: label, count: count})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].label < lines[j].label })
	return lines
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
