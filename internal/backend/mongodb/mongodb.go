// Package mongodb implements the backend capability for document stores. The
// query payload is JSON produced by the translator: either an aggregation
// {"collection": ..., "pipeline": [...]} or a find
// {"collection": ..., "filter": {...}, "projection": {...}, "sort": {...}}.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/polyquery/polyquery/internal/backend"
	"github.com/polyquery/polyquery/internal/datasource"
)

const schemaSampleSize = 100

type Options struct {
	Logger    *slog.Logger
	LookupEnv func(string) (string, bool)
}

type Backend struct {
	ds     datasource.Datasource
	logger *slog.Logger
	lookup func(string) (string, bool)

	mu     sync.Mutex
	client *mongo.Client
}

func New(ds datasource.Datasource, opts Options) *Backend {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		ds:     ds,
		logger: logger.With("datasource_id", ds.ID, "datasource_type", string(ds.Type)),
		lookup: opts.LookupEnv,
	}
}

func (b *Backend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return nil
	}

	dsn, err := b.ds.Connection.ResolveDSN(b.lookup)
	if err != nil {
		return err
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(dsn))
	if err != nil {
		return fmt.Errorf("%w: connect %s (%s): %v", datasource.ErrConnection, b.ds.ID, backend.MaskDSN(dsn), err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return fmt.Errorf("%w: ping %s (%s): %v", datasource.ErrConnection, b.ds.ID, backend.MaskDSN(dsn), err)
	}

	b.client = client
	b.logger.Debug("document backend connected")
	return nil
}

func (b *Backend) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	err := b.client.Disconnect(ctx)
	b.client = nil
	return err
}

func (b *Backend) Validate(ctx context.Context) bool {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		b.logger.Warn("document backend validation failed", "error", err)
		return false
	}
	return true
}

func (b *Backend) Execute(ctx context.Context, query string, maxResults int, timeout time.Duration) (*datasource.RawResult, error) {
	db, err := b.database()
	if err != nil {
		return nil, err
	}
	payload, err := ParseQuery(query)
	if err != nil {
		return nil, err
	}

	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	coll := db.Collection(payload.Collection)
	var (
		docs  []bson.M
		total int
	)
	if payload.Pipeline != nil {
		cursor, err := coll.Aggregate(execCtx, payload.Pipeline)
		if err != nil {
			return nil, mapExecErr(err)
		}
		docs, total, err = drainCursor(execCtx, cursor, maxResults)
		if err != nil {
			return nil, mapExecErr(err)
		}
	} else {
		countCtx, cancel := context.WithTimeout(execCtx, 10*time.Second)
		count, err := coll.CountDocuments(countCtx, payload.Filter)
		cancel()
		if err != nil {
			return nil, mapExecErr(err)
		}
		total = int(count)

		findOpts := options.Find().SetLimit(int64(maxResults))
		if payload.Projection != nil {
			findOpts.SetProjection(payload.Projection)
		}
		if payload.Sort != nil {
			findOpts.SetSort(payload.Sort)
		}
		cursor, err := coll.Find(execCtx, payload.Filter, findOpts)
		if err != nil {
			return nil, mapExecErr(err)
		}
		docs, _, err = drainCursor(execCtx, cursor, maxResults)
		if err != nil {
			return nil, mapExecErr(err)
		}
	}

	result := &datasource.RawResult{
		TotalRows: total,
		Truncated: total > len(docs),
	}
	fieldSet := map[string]bool{}
	for _, doc := range docs {
		row := NormalizeDocument(doc)
		for key := range row {
			fieldSet[key] = true
		}
		result.Rows = append(result.Rows, row)
	}
	for _, name := range sortedKeys(fieldSet) {
		result.Columns = append(result.Columns, datasource.Column{Name: name, Type: "document", Nullable: true})
	}
	return result, nil
}

func (b *Backend) Schema(ctx context.Context) (datasource.Schema, error) {
	db, err := b.database()
	if err != nil {
		return nil, err
	}
	names, err := db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, mapExecErr(err)
	}
	sort.Strings(names)

	schema := datasource.Schema{}
	for _, name := range names {
		sampleCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		cursor, err := db.Collection(name).Find(sampleCtx, bson.D{}, options.Find().SetLimit(schemaSampleSize))
		if err != nil {
			cancel()
			return nil, mapExecErr(err)
		}
		docs, _, err := drainCursor(sampleCtx, cursor, schemaSampleSize)
		cancel()
		if err != nil {
			return nil, mapExecErr(err)
		}
		schema[name] = InferFields(docs)
	}
	return schema, nil
}

func (b *Backend) Tables(ctx context.Context) ([]string, error) {
	db, err := b.database()
	if err != nil {
		return nil, err
	}
	names, err := db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, mapExecErr(err)
	}
	sort.Strings(names)
	return names, nil
}

func (b *Backend) database() (*mongo.Database, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil, fmt.Errorf("%w: backend %s is not connected", datasource.ErrConnection, b.ds.ID)
	}
	return b.client.Database(b.ds.Connection.Database), nil
}

func drainCursor(ctx context.Context, cursor *mongo.Cursor, maxResults int) ([]bson.M, int, error) {
	defer cursor.Close(ctx)
	var (
		docs  []bson.M
		total int
	)
	for cursor.Next(ctx) {
		total++
		if total > maxResults {
			continue
		}
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, 0, err
		}
		docs = append(docs, doc)
	}
	if err := cursor.Err(); err != nil {
		return nil, 0, err
	}
	return docs, total, nil
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func mapExecErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || mongo.IsTimeout(err) {
		return fmt.Errorf("%w: %v", datasource.ErrExecutionTimeout, err)
	}
	if errors.Is(err, datasource.ErrExecution) {
		return err
	}
	return fmt.Errorf("%w: %v", datasource.ErrExecution, err)
}
