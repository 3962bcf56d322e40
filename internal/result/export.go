package result

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/parquet-go/parquet-go"
	"github.com/xuri/excelize/v2"
)

var ErrUnsupportedFormat = errors.New("result: unsupported export format")

const (
	FormatCSV     = "csv"
	FormatJSON    = "json"
	FormatExcel   = "xlsx"
	FormatParquet = "parquet"
)

// Encode serializes the result's rows into the given format.
func Encode(res *QueryResult, format string) ([]byte, error) {
	switch format {
	case FormatCSV:
		return EncodeCSV(res)
	case FormatJSON:
		return EncodeJSON(res)
	case FormatExcel:
		return EncodeExcel(res)
	case FormatParquet:
		return EncodeParquet(res)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func ContentType(format string) string {
	switch format {
	case FormatCSV:
		return "text/csv"
	case FormatJSON:
		return "application/json"
	case FormatExcel:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatParquet:
		return "application/vnd.apache.parquet"
	default:
		return "application/octet-stream"
	}
}

func EncodeCSV(res *QueryResult) ([]byte, error) {
	headers := exportHeaders(res)
	buf := bytes.NewBuffer(nil)
	writer := csv.NewWriter(buf)
	if err := writer.Write(headers); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range res.Rows {
		record := make([]string, len(headers))
		for i, header := range headers {
			if value, ok := row[header]; ok {
				record[i] = formatValue(value)
			}
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeJSON serializes the full result, rows and metadata included.
func EncodeJSON(res *QueryResult) ([]byte, error) {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return data, nil
}

func EncodeExcel(res *QueryResult) ([]byte, error) {
	headers := exportHeaders(res)
	workbook := excelize.NewFile()
	defer func() { _ = workbook.Close() }()

	const sheet = "Results"
	index, err := workbook.NewSheet(sheet)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	workbook.SetActiveSheet(index)
	if err := workbook.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("drop default sheet: %w", err)
	}

	headerRow := make([]any, len(headers))
	for i, header := range headers {
		headerRow[i] = header
	}
	if err := workbook.SetSheetRow(sheet, "A1", &headerRow); err != nil {
		return nil, fmt.Errorf("write header row: %w", err)
	}
	for i, row := range res.Rows {
		record := make([]any, len(headers))
		for j, header := range headers {
			if value, ok := row[header]; ok {
				record[j] = formatValue(value)
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, fmt.Errorf("resolve cell: %w", err)
		}
		if err := workbook.SetSheetRow(sheet, cell, &record); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	buf := bytes.NewBuffer(nil)
	if err := workbook.Write(buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeParquet writes rows as a flat group of string columns. Values are
// stringified so heterogeneous document fields stay encodable.
func EncodeParquet(res *QueryResult) ([]byte, error) {
	headers := exportHeaders(res)
	group := parquet.Group{}
	for _, header := range headers {
		group[header] = parquet.String()
	}
	schema := parquet.NewSchema("result", group)

	records := make([]map[string]any, 0, len(res.Rows))
	for _, row := range res.Rows {
		record := make(map[string]any, len(headers))
		for _, header := range headers {
			if value, ok := row[header]; ok {
				record[header] = formatValue(value)
			} else {
				record[header] = ""
			}
		}
		records = append(records, record)
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[map[string]any](buf, schema)
	if len(records) > 0 {
		if _, err := writer.Write(records); err != nil {
			return nil, fmt.Errorf("write parquet rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// exportHeaders orders export columns by the result's column metadata,
// extended with any row-only keys in sorted order.
func exportHeaders(res *QueryResult) []string {
	seen := make(map[string]bool)
	headers := make([]string, 0, len(res.Metadata.Columns))
	for _, col := range res.Metadata.Columns {
		if !seen[col.Name] {
			seen[col.Name] = true
			headers = append(headers, col.Name)
		}
	}
	var extra []string
	for _, row := range res.Rows {
		for key := range row {
			if !seen[key] {
				seen[key] = true
				extra = append(extra, key)
			}
		}
	}
	sort.Strings(extra)
	return append(headers, extra...)
}
