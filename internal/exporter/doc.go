// Package exporter renders batch records as downloadable reports.
//
// ReportWriter produces two formats from a history.Record:
//
// XLSX: a workbook with a Summary sheet (batch counters and settings) and a
// Tasks sheet with one row per task, written with excelize.
//
// CSV: the task table only, prefixed with a UTF-8 BOM for Excel.
//
// Example usage:
//
//	w := exporter.NewReportWriter(logger)
//	err := w.WriteXLSX(resp, record)
package exporter
