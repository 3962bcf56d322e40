package mongodb

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/polyquery/polyquery/internal/datasource"
)

// Query is the parsed form of a translated document-store query. Exactly one
// of Pipeline (aggregation) or Filter (find) is populated.
type Query struct {
	Collection string
	Pipeline   bson.A
	Filter     bson.M
	Projection bson.M
	Sort       bson.D
}

// forbiddenStages are aggregation stages that write. The translator is
// prompt-constrained to read-only output; this is the enforcement backstop.
var forbiddenStages = []string{"$out", "$merge"}

type rawQuery struct {
	Collection string          `json:"collection"`
	Pipeline   json.RawMessage `json:"pipeline,omitempty"`
	Filter     json.RawMessage `json:"filter,omitempty"`
	Projection json.RawMessage `json:"projection,omitempty"`
	Sort       json.RawMessage `json:"sort,omitempty"`
}

// ParseQuery decodes the translator's JSON payload into an executable query.
func ParseQuery(query string) (*Query, error) {
	var raw rawQuery
	if err := json.Unmarshal([]byte(query), &raw); err != nil {
		return nil, fmt.Errorf("%w: invalid document query payload: %v", datasource.ErrExecution, err)
	}
	if raw.Collection == "" {
		return nil, fmt.Errorf("%w: document query is missing a collection", datasource.ErrExecution)
	}

	out := &Query{Collection: raw.Collection}
	if raw.Pipeline != nil {
		var pipeline bson.A
		if err := bson.UnmarshalExtJSON(raw.Pipeline, false, &pipeline); err != nil {
			return nil, fmt.Errorf("%w: invalid aggregation pipeline: %v", datasource.ErrExecution, err)
		}
		if err := guardPipeline(pipeline); err != nil {
			return nil, err
		}
		out.Pipeline = pipeline
		return out, nil
	}

	out.Filter = bson.M{}
	if raw.Filter != nil {
		if err := bson.UnmarshalExtJSON(raw.Filter, false, &out.Filter); err != nil {
			return nil, fmt.Errorf("%w: invalid filter: %v", datasource.ErrExecution, err)
		}
	}
	if raw.Projection != nil {
		if err := bson.UnmarshalExtJSON(raw.Projection, false, &out.Projection); err != nil {
			return nil, fmt.Errorf("%w: invalid projection: %v", datasource.ErrExecution, err)
		}
	}
	if raw.Sort != nil {
		if err := bson.UnmarshalExtJSON(raw.Sort, false, &out.Sort); err != nil {
			return nil, fmt.Errorf("%w: invalid sort: %v", datasource.ErrExecution, err)
		}
	}
	return out, nil
}

func guardPipeline(pipeline bson.A) error {
	for _, stage := range pipeline {
		doc, ok := stage.(bson.D)
		if !ok {
			if m, isMap := stage.(bson.M); isMap {
				for key := range m {
					if isForbiddenStage(key) {
						return fmt.Errorf("%w: aggregation stage %s writes data and is not allowed", datasource.ErrExecution, key)
					}
				}
			}
			continue
		}
		for _, elem := range doc {
			if isForbiddenStage(elem.Key) {
				return fmt.Errorf("%w: aggregation stage %s writes data and is not allowed", datasource.ErrExecution, elem.Key)
			}
		}
	}
	return nil
}

func isForbiddenStage(key string) bool {
	for _, stage := range forbiddenStages {
		if strings.EqualFold(key, stage) {
			return true
		}
	}
	return false
}

// NormalizeDocument converts driver-specific values into plain JSON-friendly
// ones. Object ids become their hex strings; nested documents and arrays are
// walked recursively.
func NormalizeDocument(doc bson.M) map[string]any {
	out := make(map[string]any, len(doc))
	for key, value := range doc {
		out[key] = normalizeValue(value)
	}
	return out
}

func normalizeValue(value any) any {
	switch v := value.(type) {
	case primitive.ObjectID:
		return v.Hex()
	case primitive.DateTime:
		return v.Time().UTC().Format(time.RFC3339)
	case primitive.Decimal128:
		return v.String()
	case bson.M:
		return NormalizeDocument(v)
	case bson.D:
		nested := make(map[string]any, len(v))
		for _, elem := range v {
			nested[elem.Key] = normalizeValue(elem.Value)
		}
		return nested
	case bson.A:
		items := make([]any, len(v))
		for i, item := range v {
			items[i] = normalizeValue(item)
		}
		return items
	default:
		return v
	}
}

// InferFields derives a field list from sampled documents. Types are the set
// of observed kinds; a field missing from any sampled document is nullable.
func InferFields(docs []bson.M) []datasource.Field {
	if len(docs) == 0 {
		return nil
	}
	type fieldInfo struct {
		types map[string]bool
		seen  int
	}
	infos := map[string]*fieldInfo{}
	for _, doc := range docs {
		for key, value := range doc {
			info, ok := infos[key]
			if !ok {
				info = &fieldInfo{types: map[string]bool{}}
				infos[key] = info
			}
			info.seen++
			info.types[bsonTypeName(value)] = true
		}
	}

	names := make([]string, 0, len(infos))
	for name := range infos {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]datasource.Field, 0, len(names))
	for _, name := range names {
		info := infos[name]
		types := make([]string, 0, len(info.types))
		for typ := range info.types {
			types = append(types, typ)
		}
		sort.Strings(types)
		fields = append(fields, datasource.Field{
			Name:     name,
			Type:     strings.Join(types, "|"),
			Nullable: info.seen < len(docs),
		})
	}
	return fields
}

func bsonTypeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case int32, int64, int:
		return "int"
	case float64:
		return "double"
	case string:
		return "string"
	case primitive.ObjectID:
		return "objectId"
	case primitive.DateTime:
		return "date"
	case primitive.Decimal128:
		return "decimal"
	case bson.M, bson.D:
		return "document"
	case bson.A:
		return "array"
	default:
		return "unknown"
	}
}
