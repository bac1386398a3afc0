package exporter

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/xuri/excelize/v2"

	"lessonforge/internal/history"
)

// Sheet names of the XLSX report
const (
	SummarySheet = "Summary"
	TasksSheet   = "Tasks"
)

// TaskHeaders are the columns of the task table in both formats
var TaskHeaders = []string{
	"Task", "Status", "Chars", "Attempts", "Filename", "URL",
	"Error Kind", "Explanation", "Remediation", "Started", "Ended", "Seconds",
}

// ReportWriter renders batch records as spreadsheets
type ReportWriter struct {
	logger *slog.Logger
}

// NewReportWriter creates a report writer
func NewReportWriter(logger *slog.Logger) *ReportWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportWriter{logger: logger.With(slog.String("component", "exporter"))}
}

// Filename returns the download name for a batch report
func Filename(rec history.Record, ext string) string {
	return fmt.Sprintf("batch-%s.%s", rec.ID, ext)
}

func summaryRows(rec history.Record) [][]string {
	return [][]string{
		{"Batch ID", rec.ID},
		{"Status", rec.Status},
		{"Range", fmt.Sprintf("%d-%d", rec.StartNumber, rec.EndNumber)},
		{"Total Tasks", strconv.Itoa(rec.TotalTasks)},
		{"Concurrency", strconv.Itoa(rec.Concurrency)},
		{"Completed", strconv.Itoa(rec.Completed)},
		{"Failed", strconv.Itoa(rec.Failed)},
		{"Stopped", formatBool(rec.Stopped)},
		{"Model", rec.Model},
		{"Template", rec.Template},
		{"Output Path", rec.OutputPath},
		{"Created", formatTime(&rec.CreatedAt)},
		{"Finished", formatTime(rec.CompletedAt)},
	}
}

func taskRow(it history.ItemRecord) []string {
	row := []string{
		strconv.Itoa(it.TaskNumber),
		it.Status,
		strconv.Itoa(it.Chars),
		strconv.Itoa(it.Attempts),
		it.Filename,
		it.URL,
		"", "", "",
		formatTime(it.StartedAt),
		formatTime(it.EndedAt),
		formatDuration(it.StartedAt, it.EndedAt),
	}
	if it.Error != nil {
		row[6] = string(it.Error.Kind)
		row[7] = it.Error.Explanation
		row[8] = it.Error.Remediation
	}
	return row
}

// WriteXLSX writes a workbook with a summary sheet and a task sheet
func (w *ReportWriter) WriteXLSX(out io.Writer, rec history.Record) error {
	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			w.logger.Warn("workbook_close_failed", slog.String("error", err.Error()))
		}
	}()

	if err := f.SetSheetName("Sheet1", SummarySheet); err != nil {
		return fmt.Errorf("rename summary sheet: %w", err)
	}
	for i, row := range summaryRows(rec) {
		if err := setRow(f, SummarySheet, i+1, row); err != nil {
			return err
		}
	}
	if err := f.SetColWidth(SummarySheet, "A", "A", 16); err != nil {
		return fmt.Errorf("set summary width: %w", err)
	}

	if _, err := f.NewSheet(TasksSheet); err != nil {
		return fmt.Errorf("create task sheet: %w", err)
	}
	if err := setRow(f, TasksSheet, 1, TaskHeaders); err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	last, _ := excelize.CoordinatesToCellName(len(TaskHeaders), 1)
	if err := f.SetCellStyle(TasksSheet, "A1", last, bold); err != nil {
		return fmt.Errorf("style header: %w", err)
	}
	if err := f.SetPanes(TasksSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}
	for i, it := range rec.Items {
		if err := setRow(f, TasksSheet, i+2, taskRow(it)); err != nil {
			return err
		}
	}

	if err := f.Write(out); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	w.logger.Info("report_written",
		slog.String("batch_id", rec.ID),
		slog.String("format", "xlsx"),
		slog.Int("tasks", len(rec.Items)))
	return nil
}

// WriteCSV writes the task table as CSV with a UTF-8 BOM so spreadsheet
// applications detect the encoding.
func (w *ReportWriter) WriteCSV(out io.Writer, rec history.Record) error {
	if _, err := out.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
		return fmt.Errorf("write BOM: %w", err)
	}
	cw := csv.NewWriter(out)
	if err := cw.Write(TaskHeaders); err != nil {
		return fmt.Errorf("write headers: %w", err)
	}
	for i, it := range rec.Items {
		if err := cw.Write(taskRow(it)); err != nil {
			return fmt.Errorf("write record %d: %w", i, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	w.logger.Info("report_written",
		slog.String("batch_id", rec.ID),
		slog.String("format", "csv"),
		slog.Int("tasks", len(rec.Items)))
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	vals := make([]interface{}, len(values))
	for i, v := range values {
		vals[i] = v
	}
	if err := f.SetSheetRow(sheet, cell, &vals); err != nil {
		return fmt.Errorf("write %s row %d: %w", sheet, row, err)
	}
	return nil
}
