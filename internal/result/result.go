package result

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/polyquery/polyquery/internal/datasource"
	"github.com/polyquery/polyquery/internal/translate"
)

// Shape classifies what the returned rows look like, so callers can
// decide how to present them.
type Shape string

const (
	ShapeTabular        Shape = "tabular"
	ShapeDocumentList   Shape = "document_list"
	ShapeSingleDocument Shape = "single_document"
	ShapeScalar         Shape = "scalar"
	ShapeEmpty          Shape = "empty"
)

const (
	sampleLimit = 5
)

// Metadata carries execution facts alongside the rows.
type Metadata struct {
	TotalRows      int                 `json:"total_rows"`
	ReturnedRows   int                 `json:"returned_rows"`
	Truncated      bool                `json:"truncated"`
	Columns        []datasource.Column `json:"columns,omitempty"`
	DurationMillis int64               `json:"duration_ms"`
	DatasourceID   string              `json:"datasource_id"`
	DatasourceName string              `json:"datasource_name"`
}

// QueryResult is the uniform outcome of execution. A preview carries the
// generated query with no rows.
type QueryResult struct {
	QueryID        string           `json:"query_id"`
	Shape          Shape            `json:"shape"`
	Rows           []map[string]any `json:"rows,omitempty"`
	Metadata       Metadata         `json:"metadata"`
	Response       string           `json:"response,omitempty"`
	GeneratedQuery string           `json:"generated_query,omitempty"`
	IsPreview      bool             `json:"is_preview"`
}

// Build assembles a QueryResult from a raw execution outcome and renders
// the response template.
func Build(queryID string, raw *datasource.RawResult, kind translate.QueryKind, template string, elapsed time.Duration, ds datasource.Datasource) *QueryResult {
	res := &QueryResult{
		QueryID: queryID,
		Shape:   DetectShape(raw.Rows, kind),
		Rows:    raw.Rows,
		Metadata: Metadata{
			TotalRows:      raw.TotalRows,
			ReturnedRows:   len(raw.Rows),
			Truncated:      raw.Truncated,
			Columns:        raw.Columns,
			DurationMillis: elapsed.Milliseconds(),
			DatasourceID:   ds.ID,
			DatasourceName: ds.Name,
		},
	}
	res.Response = Render(template, raw.Rows, raw.Columns)
	return res
}

// Preview builds a result for a translation that was not executed.
func Preview(queryID, generatedQuery string, kind translate.QueryKind, ds datasource.Datasource) *QueryResult {
	return &QueryResult{
		QueryID:        queryID,
		Shape:          ShapeEmpty,
		GeneratedQuery: generatedQuery,
		IsPreview:      true,
		Metadata: Metadata{
			DatasourceID:   ds.ID,
			DatasourceName: ds.Name,
		},
		Response: fmt.Sprintf("Preview of %s query against %s. Run it to fetch results.", kind, ds.Name),
	}
}

func DetectShape(rows []map[string]any, kind translate.QueryKind) Shape {
	if len(rows) == 0 {
		return ShapeEmpty
	}
	if _, ok := scalarValue(rows); ok {
		return ShapeScalar
	}
	if kind == translate.KindDocument {
		if len(rows) == 1 {
			return ShapeSingleDocument
		}
		return ShapeDocumentList
	}
	return ShapeTabular
}

// Render substitutes {count} and {sample} in the template. A single row
// with a single numeric field substitutes that value for {count} and
// leaves {sample} empty; otherwise {count} is the row count and {sample}
// lists up to the first five rows.
func Render(template string, rows []map[string]any, columns []datasource.Column) string {
	if strings.TrimSpace(template) == "" {
		template = "Found {count} result(s)."
	}
	count := strconv.Itoa(len(rows))
	sample := ""
	if value, ok := scalarValue(rows); ok {
		count = formatValue(value)
	} else {
		sample = sampleBlock(rows, columns)
	}
	out := strings.ReplaceAll(template, "{count}", count)
	out = strings.ReplaceAll(out, "{sample}", sample)
	return strings.TrimSpace(out)
}

// scalarValue reports whether rows collapse to a single numeric value,
// the aggregation case.
func scalarValue(rows []map[string]any) (any, bool) {
	if len(rows) != 1 || len(rows[0]) != 1 {
		return nil, false
	}
	for _, value := range rows[0] {
		if isNumeric(value) {
			return value, true
		}
	}
	return nil, false
}

func isNumeric(value any) bool {
	switch value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	default:
		return false
	}
}

func sampleBlock(rows []map[string]any, columns []datasource.Column) string {
	if len(rows) == 0 {
		return ""
	}
	shown := rows
	if len(shown) > sampleLimit {
		shown = shown[:sampleLimit]
	}
	lines := make([]string, 0, len(shown)+1)
	for i, row := range shown {
		pairs := make([]string, 0, len(row))
		for _, key := range rowKeys(row, columns) {
			pairs = append(pairs, key+": "+formatValue(row[key]))
		}
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, strings.Join(pairs, ", ")))
	}
	if extra := len(rows) - len(shown); extra > 0 {
		lines = append(lines, fmt.Sprintf("... and %d more row(s)", extra))
	}
	return strings.Join(lines, "\n")
}

// rowKeys orders a row's keys by column order when available, falling
// back to a sorted order for document rows.
func rowKeys(row map[string]any, columns []datasource.Column) []string {
	keys := make([]string, 0, len(row))
	if len(columns) > 0 {
		for _, col := range columns {
			if _, ok := row[col.Name]; ok {
				keys = append(keys, col.Name)
			}
		}
		if len(keys) == len(row) {
			return keys
		}
		keys = keys[:0]
	}
	for key := range row {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v)
	}
}
