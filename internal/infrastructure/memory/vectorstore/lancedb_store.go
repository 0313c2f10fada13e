// Package vectorstore adapts the teacher's LanceDB-backed vector store
// (originally internal/infrastructure/vectorstore, built against the old
// domain/memory.VectorStore/MemoryEntry pair) to the spec's LongStore
// interface (internal/domain/memory.LongStore) over entity.MemoryEntry.
// Embedding happens here, on Append, against an injected Embedder — the
// same embed-then-store shape as the teacher's MemoryManager.Remember, just
// with the vector index itself doing the persisting instead of a wrapper.
package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fredabila/orcbot/internal/domain/entity"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	arrowmem "github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/lancedb/lancedb-go/pkg/contracts"
	"github.com/lancedb/lancedb-go/pkg/lancedb"
	"go.uber.org/zap"
)

const tableName = "memories"

// Embedder generates a vector embedding for a piece of text. Satisfied by
// internal/infrastructure/embedding.OllamaEmbedder.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store implements memory.LongStore over a LanceDB table, embedding each
// entry's content on Append via the configured Embedder.
type Store struct {
	conn      contracts.IConnection
	table     contracts.ITable
	schema    *arrow.Schema
	embedder  Embedder
	dimension int
	logger    *zap.Logger
}

// New connects to (or creates) a LanceDB table at storePath and returns a
// Store backed by it. dimension must match the embedder's output size.
func New(storePath string, embedder Embedder, dimension int, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if embedder == nil {
		return nil, fmt.Errorf("vectorstore: embedder is required")
	}

	absPath, err := expandPath(storePath)
	if err != nil {
		return nil, fmt.Errorf("failed to expand store path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	ctx := context.Background()
	conn, err := lancedb.Connect(ctx, absPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to LanceDB at %s: %w", absPath, err)
	}

	fields := []arrow.Field{
		{Name: "id", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "type", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "content", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "vector", Type: arrow.FixedSizeListOf(int32(dimension), arrow.PrimitiveTypes.Float32), Nullable: false},
		{Name: "action_id", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "source", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "role", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "created_at", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
	}
	arrowSchema := arrow.NewSchema(fields, nil)

	table, err := openOrCreateTable(ctx, conn, arrowSchema, logger)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open/create table: %w", err)
	}

	logger.Info("long-term memory store initialized",
		zap.String("path", absPath),
		zap.Int("dimension", dimension),
	)

	return &Store{
		conn:      conn,
		table:     table,
		schema:    arrowSchema,
		embedder:  embedder,
		dimension: dimension,
		logger:    logger,
	}, nil
}

func openOrCreateTable(ctx context.Context, conn contracts.IConnection, arrowSchema *arrow.Schema, logger *zap.Logger) (contracts.ITable, error) {
	table, err := conn.OpenTable(ctx, tableName)
	if err == nil {
		logger.Info("opened existing long-term memory table", zap.String("table", tableName))
		return table, nil
	}

	logger.Info("creating long-term memory table", zap.String("table", tableName))
	schema, err := lancedb.NewSchema(arrowSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to create LanceDB schema: %w", err)
	}
	return conn.CreateTable(ctx, tableName, schema)
}

// Append embeds entry.Content and inserts it, implementing memory.LongStore.
func (s *Store) Append(entry *entity.MemoryEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	vec, err := s.embedder.Embed(ctx, entry.Content)
	if err != nil {
		return fmt.Errorf("embed memory entry: %w", err)
	}

	record, err := s.entryToRecord(entry, vec)
	if err != nil {
		return fmt.Errorf("build arrow record: %w", err)
	}
	defer record.Release()

	if err := s.table.Add(ctx, record, nil); err != nil {
		return fmt.Errorf("lancedb insert failed: %w", err)
	}
	s.logger.Debug("long memory entry recorded", zap.String("id", entry.ID))
	return nil
}

// List returns up to limit entries, most recent first, implementing
// memory.LongStore. It does not rank by similarity — callers wanting
// semantic recall use SearchSimilar instead.
func (s *Store) List(limit int) ([]*entity.MemoryEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := s.table.SelectWithFilter(ctx, "1=1")
	if err != nil {
		return nil, fmt.Errorf("lancedb list failed: %w", err)
	}

	entries := make([]*entity.MemoryEntry, 0, len(rows))
	for _, row := range rows {
		if e := rowToMemoryEntry(row); e != nil {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.After(entries[j].Timestamp) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// SearchSimilar performs a vector similarity search over the long-term
// store. Not part of memory.LongStore — exposed for the recall_memory
// skill tool and operator tooling, neither of which the core DecisionLoop
// calls into directly (spec §1 keeps semantic recall out of loop scope).
func (s *Store) SearchSimilar(ctx context.Context, query string, topK int) ([]*entity.MemoryEntry, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := s.table.VectorSearch(ctx, "vector", vec, topK)
	if err != nil {
		return nil, fmt.Errorf("lancedb vector search failed: %w", err)
	}

	entries := make([]*entity.MemoryEntry, 0, len(rows))
	for _, row := range rows {
		if e := rowToMemoryEntry(row); e != nil {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// Close releases LanceDB resources.
func (s *Store) Close() error {
	if s.table != nil {
		s.table.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	return nil
}

func (s *Store) entryToRecord(entry *entity.MemoryEntry, vec []float32) (arrow.Record, error) {
	pool := arrowmem.NewGoAllocator()

	idB := array.NewStringBuilder(pool)
	idB.Append(entry.ID)
	idArr := idB.NewArray()
	defer idArr.Release()

	typeB := array.NewStringBuilder(pool)
	typeB.Append(string(entry.Type))
	typeArr := typeB.NewArray()
	defer typeArr.Release()

	contentB := array.NewStringBuilder(pool)
	contentB.Append(entry.Content)
	contentArr := contentB.NewArray()
	defer contentArr.Release()

	vectorArr, err := buildVectorArray(pool, vec, s.dimension)
	if err != nil {
		return nil, err
	}
	defer vectorArr.Release()

	actionB := array.NewStringBuilder(pool)
	actionB.Append(entry.Metadata.ActionID)
	actionArr := actionB.NewArray()
	defer actionArr.Release()

	sourceB := array.NewStringBuilder(pool)
	sourceB.Append(entry.Metadata.Source)
	sourceArr := sourceB.NewArray()
	defer sourceArr.Release()

	roleB := array.NewStringBuilder(pool)
	roleB.Append(entry.Metadata.Role)
	roleArr := roleB.NewArray()
	defer roleArr.Release()

	createdB := array.NewInt64Builder(pool)
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	createdB.Append(ts.Unix())
	createdArr := createdB.NewArray()
	defer createdArr.Release()

	cols := []arrow.Array{idArr, typeArr, contentArr, vectorArr, actionArr, sourceArr, roleArr, createdArr}
	return array.NewRecord(s.schema, cols, 1), nil
}

func buildVectorArray(pool arrowmem.Allocator, vec []float32, dim int) (arrow.Array, error) {
	if len(vec) != dim {
		return nil, fmt.Errorf("vector dimension mismatch: expected %d, got %d", dim, len(vec))
	}

	floatB := array.NewFloat32Builder(pool)
	floatB.AppendValues(vec, nil)
	floatArr := floatB.NewArray()
	defer floatArr.Release()

	listType := arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32)
	listData := array.NewData(listType, 1, []*arrowmem.Buffer{nil},
		[]arrow.ArrayData{floatArr.Data()}, 0, 0)
	return array.NewFixedSizeListData(listData), nil
}

func rowToMemoryEntry(row map[string]interface{}) *entity.MemoryEntry {
	entry := &entity.MemoryEntry{}

	if v, ok := row["id"].(string); ok {
		entry.ID = v
	}
	if v, ok := row["type"].(string); ok {
		entry.Type = entity.MemoryEntryType(v)
	}
	if v, ok := row["content"].(string); ok {
		entry.Content = v
	}
	if v, ok := row["action_id"].(string); ok {
		entry.Metadata.ActionID = v
	}
	if v, ok := row["source"].(string); ok {
		entry.Metadata.Source = v
	}
	if v, ok := row["role"].(string); ok {
		entry.Metadata.Role = v
	}
	if v, ok := toInt64(row["created_at"]); ok {
		entry.Timestamp = time.Unix(v, 0)
	}

	return entry
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	}
	return 0, false
}

func expandPath(path string) (string, error) {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
