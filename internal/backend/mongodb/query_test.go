package mongodb

import (
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/polyquery/polyquery/internal/datasource"
)

func TestParseQueryFind(t *testing.T) {
	q, err := ParseQuery(`{
		"collection": "customers",
		"filter": {"status": "active"},
		"projection": {"name": 1},
		"sort": {"created_at": -1}
	}`)
	if err != nil {
		t.Fatalf("ParseQuery() error = %v", err)
	}
	if q.Collection != "customers" {
		t.Fatalf("Collection = %q", q.Collection)
	}
	if q.Pipeline != nil {
		t.Fatal("find query should have no pipeline")
	}
	if q.Filter["status"] != "active" {
		t.Fatalf("Filter = %v", q.Filter)
	}
	if q.Projection["name"] == nil {
		t.Fatalf("Projection = %v", q.Projection)
	}
	if len(q.Sort) != 1 || q.Sort[0].Key != "created_at" {
		t.Fatalf("Sort = %v", q.Sort)
	}
}

func TestParseQueryAggregation(t *testing.T) {
	q, err := ParseQuery(`{
		"collection": "orders",
		"pipeline": [
			{"$match": {"total": {"$gt": 100}}},
			{"$group": {"_id": "$region", "sum": {"$sum": "$total"}}}
		]
	}`)
	if err != nil {
		t.Fatalf("ParseQuery() error = %v", err)
	}
	if len(q.Pipeline) != 2 {
		t.Fatalf("len(Pipeline) = %d", len(q.Pipeline))
	}
	if q.Filter != nil {
		t.Fatal("aggregation query should have no filter")
	}
}

func TestParseQueryRejectsWriteStages(t *testing.T) {
	for _, stage := range []string{"$out", "$merge"} {
		_, err := ParseQuery(`{
			"collection": "orders",
			"pipeline": [{"` + stage + `": "evil"}]
		}`)
		if !errors.Is(err, datasource.ErrExecution) {
			t.Fatalf("ParseQuery(%s) error = %v, want ErrExecution", stage, err)
		}
	}
}

func TestParseQueryErrors(t *testing.T) {
	if _, err := ParseQuery("not json"); !errors.Is(err, datasource.ErrExecution) {
		t.Fatalf("error = %v, want ErrExecution", err)
	}
	if _, err := ParseQuery(`{"filter": {}}`); !errors.Is(err, datasource.ErrExecution) {
		t.Fatalf("missing collection error = %v, want ErrExecution", err)
	}
}

func TestParseQueryEmptyFilterDefaults(t *testing.T) {
	q, err := ParseQuery(`{"collection": "customers"}`)
	if err != nil {
		t.Fatalf("ParseQuery() error = %v", err)
	}
	if q.Filter == nil || len(q.Filter) != 0 {
		t.Fatalf("Filter = %v, want empty match-all", q.Filter)
	}
}

func TestNormalizeDocument(t *testing.T) {
	oid := primitive.NewObjectID()
	when := primitive.NewDateTimeFromTime(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	doc := bson.M{
		"_id":  oid,
		"when": when,
		"nested": bson.D{
			{Key: "inner_id", Value: oid},
		},
		"tags":  bson.A{"a", oid},
		"count": int64(3),
	}
	row := NormalizeDocument(doc)
	if row["_id"] != oid.Hex() {
		t.Fatalf("_id = %v, want hex string", row["_id"])
	}
	nested, ok := row["nested"].(map[string]any)
	if !ok || nested["inner_id"] != oid.Hex() {
		t.Fatalf("nested = %v", row["nested"])
	}
	tags, ok := row["tags"].([]any)
	if !ok || tags[1] != oid.Hex() {
		t.Fatalf("tags = %v", row["tags"])
	}
	if _, ok := row["when"].(string); !ok {
		t.Fatalf("when = %T, want RFC3339 string", row["when"])
	}
	if row["count"] != int64(3) {
		t.Fatalf("count = %v", row["count"])
	}
}

func TestInferFields(t *testing.T) {
	docs := []bson.M{
		{"_id": primitive.NewObjectID(), "name": "a", "age": int32(30)},
		{"_id": primitive.NewObjectID(), "name": "b"},
	}
	fields := InferFields(docs)
	if len(fields) != 3 {
		t.Fatalf("len(fields) = %d, want 3", len(fields))
	}
	byName := map[string]datasource.Field{}
	for _, f := range fields {
		byName[f.Name] = f
	}
	if !byName["age"].Nullable {
		t.Fatal("age appears in one of two docs, should be nullable")
	}
	if byName["name"].Nullable {
		t.Fatal("name appears everywhere, should not be nullable")
	}
	if byName["_id"].Type != "objectId" {
		t.Fatalf("_id type = %q", byName["_id"].Type)
	}
	if InferFields(nil) != nil {
		t.Fatal("no docs should infer no fields")
	}
}
