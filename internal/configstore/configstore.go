package configstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/polyquery/polyquery/internal/datasource"
	"github.com/polyquery/polyquery/internal/storage"
)

// Snapshot is the persisted view of the registry. Connection secrets are
// never serialized; only the name of the environment variable holding
// the DSN travels with the snapshot.
type Snapshot struct {
	Datasources map[string]Entry `json:"datasources"`
	QueryMode   string           `json:"query_mode"`
}

type Entry struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`

	DSNEnv   string `json:"dsn_env,omitempty"`
	Database string `json:"database,omitempty"`

	Path      string `json:"path,omitempty"`
	ObjectKey string `json:"object_key,omitempty"`
	Sheet     string `json:"sheet,omitempty"`
	Delimiter string `json:"delimiter,omitempty"`
}

type Options struct {
	// Path is the local snapshot file. Empty disables local persistence.
	Path string
	// ObjectKey stores a copy in the object store when both are set.
	ObjectKey string
	Store     storage.ObjectStore
	Logger    *slog.Logger
}

// Store persists registry snapshots to a local file and optionally to
// the object store.
type Store struct {
	path      string
	objectKey string
	store     storage.ObjectStore
	logger    *slog.Logger
}

func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:      opts.Path,
		objectKey: opts.ObjectKey,
		store:     opts.Store,
		logger:    logger,
	}
}

// Capture builds a snapshot from the registry's current state.
func Capture(reg *datasource.Registry) Snapshot {
	snap := Snapshot{
		Datasources: make(map[string]Entry),
		QueryMode:   string(reg.CurrentMode()),
	}
	for _, ds := range reg.List(datasource.ListFilter{}) {
		entry := Entry{
			Name:        ds.Name,
			Type:        string(ds.Type),
			Enabled:     ds.Enabled,
			Description: ds.Description,
		}
		if ds.Connection != nil {
			entry.DSNEnv = ds.Connection.DSNEnv
			entry.Database = ds.Connection.Database
		}
		if ds.File != nil {
			entry.Path = ds.File.Path
			entry.ObjectKey = ds.File.ObjectKey
			entry.Sheet = ds.File.Sheet
			entry.Delimiter = ds.File.Delimiter
		}
		snap.Datasources[ds.ID] = entry
	}
	return snap
}

// Apply loads a snapshot into the registry, sorted by id for a stable
// insertion order. Entries that fail validation are skipped with a
// warning so one bad entry cannot block startup.
func Apply(ctx context.Context, reg *datasource.Registry, snap Snapshot, logger *slog.Logger) error {
	ids := make([]string, 0, len(snap.Datasources))
	for id := range snap.Datasources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		entry := snap.Datasources[id]
		ds := datasource.Datasource{
			ID:          id,
			Name:        entry.Name,
			Type:        datasource.Type(entry.Type),
			Description: entry.Description,
			Enabled:     entry.Enabled,
		}
		switch ds.Category() {
		case datasource.CategoryFile:
			ds.File = &datasource.FileConfig{
				Path:      entry.Path,
				ObjectKey: entry.ObjectKey,
				Sheet:     entry.Sheet,
				Delimiter: entry.Delimiter,
			}
		default:
			ds.Connection = &datasource.ConnectionConfig{
				DSNEnv:   entry.DSNEnv,
				Database: entry.Database,
			}
		}
		if err := reg.Add(ctx, ds); err != nil {
			logger.Warn("skipping invalid snapshot entry", "datasource_id", id, "error", err)
		}
	}

	if snap.QueryMode != "" {
		if err := reg.SetMode(datasource.Mode(snap.QueryMode)); err != nil {
			return fmt.Errorf("restore query mode: %w", err)
		}
	}
	return nil
}

// Save captures the registry and writes the snapshot everywhere the
// store is configured to persist.
func (s *Store) Save(ctx context.Context, reg *datasource.Registry) error {
	snap := Capture(reg)
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if s.path != "" {
		if err := writeFileAtomic(s.path, data); err != nil {
			return fmt.Errorf("write snapshot file: %w", err)
		}
	}
	if s.store != nil && s.objectKey != "" {
		err := s.store.Put(ctx, s.objectKey, bytes.NewReader(data), int64(len(data)), storage.PutOptions{
			ContentType: "application/json",
		})
		if err != nil {
			return fmt.Errorf("upload snapshot: %w", err)
		}
	}
	s.logger.Info("snapshot saved", "datasources", len(snap.Datasources), "query_mode", snap.QueryMode)
	return nil
}

// Restore loads the snapshot into the registry. A missing snapshot is
// not an error; a fresh deployment starts empty. The local file wins
// over the object store copy.
func (s *Store) Restore(ctx context.Context, reg *datasource.Registry) error {
	data, err := s.read(ctx)
	if err != nil {
		return err
	}
	if data == nil {
		s.logger.Info("no snapshot found, starting with an empty registry")
		return nil
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if err := Apply(ctx, reg, snap, s.logger); err != nil {
		return err
	}
	s.logger.Info("snapshot restored", "datasources", len(snap.Datasources), "query_mode", snap.QueryMode)
	return nil
}

func (s *Store) read(ctx context.Context) ([]byte, error) {
	if s.path != "" {
		data, err := os.ReadFile(s.path)
		switch {
		case err == nil:
			return data, nil
		case !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("read snapshot file: %w", err)
		}
	}
	if s.store != nil && s.objectKey != "" {
		body, err := s.store.Get(ctx, s.objectKey)
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("download snapshot: %w", err)
		}
		defer func() { _ = body.Close() }()
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("read snapshot object: %w", err)
		}
		return data, nil
	}
	return nil, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
