package retrieval

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/joelkehle/surveyforge/internal/retrieval")

// ErrIndexUninitialized means the index has no reference material to search.
var ErrIndexUninitialized = errors.New("retrieval index not initialized")

const indexSchema = `
CREATE TABLE IF NOT EXISTS chunks (
	id         TEXT PRIMARY KEY,
	source     TEXT NOT NULL,
	position   INTEGER NOT NULL,
	content    TEXT NOT NULL,
	metadata   TEXT NOT NULL DEFAULT '{}',
	embedder   TEXT NOT NULL,
	embedding  BLOB NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS chunks_by_source ON chunks (source, position);
`

// Hit is one search result.
type Hit struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Score    float64           `json:"score"`
}

// Stats describes the index contents.
type Stats struct {
	Chunks   int      `json:"chunks"`
	Sources  []string `json:"sources"`
	Embedder string   `json:"embedder"`
}

type IndexOptions struct {
	ChunkSize    int
	ChunkOverlap int
	// BatchSize is the number of chunks per embedding call; Workers bounds
	// concurrent calls.
	BatchSize int
	Workers   int
}

// Index is a SQLite-backed vector index over chunked reference documents.
type Index struct {
	db     *sqlx.DB
	emb    Embedder
	opts   IndexOptions
	logger *zap.Logger
	mu     sync.Mutex
}

func NewIndex(db *sqlx.DB, emb Embedder, opts IndexOptions, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkOverlap <= 0 {
		opts.ChunkOverlap = DefaultChunkOverlap
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if _, err := db.Exec(indexSchema); err != nil {
		return nil, fmt.Errorf("create index schema: %w", err)
	}
	return &Index{db: db, emb: emb, opts: opts, logger: logger}, nil
}

// Ingest chunks text, embeds the chunks and replaces any earlier chunks from
// the same source. It returns the number of chunks stored.
func (x *Index) Ingest(ctx context.Context, source, text string, metadata map[string]string) (int, error) {
	chunks := Chunk(text, x.opts.ChunkSize, x.opts.ChunkOverlap)
	if len(chunks) == 0 {
		return 0, fmt.Errorf("ingest %s: no text", source)
	}

	vectors := make([][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.opts.Workers)
	for start := 0; start < len(chunks); start += x.opts.BatchSize {
		end := min(start+x.opts.BatchSize, len(chunks))
		g.Go(func() error {
			vecs, err := x.emb.EmbedDocuments(gctx, chunks[start:end])
			if err != nil {
				return fmt.Errorf("embed chunks %d-%d: %w", start, end, err)
			}
			if len(vecs) != end-start {
				return fmt.Errorf("embed chunks %d-%d: got %d vectors", start, end, len(vecs))
			}
			copy(vectors[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	meta := map[string]string{"source": source}
	for k, v := range metadata {
		meta[k] = v
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("encode metadata: %w", err)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	tx, err := x.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin ingest: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE source = ?`, source); err != nil {
		return 0, fmt.Errorf("clear source: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for i, c := range chunks {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (id, source, position, content, metadata, embedder, embedding, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), source, i, c, string(metaJSON), x.emb.Name(), encodeVector(vectors[i]), now)
		if err != nil {
			return 0, fmt.Errorf("insert chunk %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit ingest: %w", err)
	}
	x.logger.Info("ingested reference", zap.String("source", source), zap.Int("chunks", len(chunks)))
	return len(chunks), nil
}

type chunkRow struct {
	Content   string `db:"content"`
	Metadata  string `db:"metadata"`
	Embedding []byte `db:"embedding"`
}

// Search returns the k chunks most similar to query, best first.
func (x *Index) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	ctx, span := tracer.Start(ctx, "retrieval.Search")
	defer span.End()
	if x == nil {
		return nil, ErrIndexUninitialized
	}
	if k <= 0 {
		k = 3
	}

	var rows []chunkRow
	if err := x.db.SelectContext(ctx, &rows, `SELECT content, metadata, embedding FROM chunks WHERE embedder = ?`, x.emb.Name()); err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	span.SetAttributes(attribute.Int("retrieval.candidates", len(rows)))
	if len(rows) == 0 {
		return nil, ErrIndexUninitialized
	}

	qv, err := x.emb.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits := make([]Hit, 0, len(rows))
	for _, r := range rows {
		h := Hit{Text: r.Content, Score: cosine(qv, decodeVector(r.Embedding))}
		if strings.TrimSpace(r.Metadata) != "" {
			_ = json.Unmarshal([]byte(r.Metadata), &h.Metadata)
		}
		hits = append(hits, h)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	span.SetAttributes(attribute.Int("retrieval.hits", len(hits)))
	return hits, nil
}

func (x *Index) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Embedder: x.emb.Name(), Sources: []string{}}
	if err := x.db.GetContext(ctx, &st.Chunks, `SELECT COUNT(*) FROM chunks`); err != nil {
		return Stats{}, fmt.Errorf("count chunks: %w", err)
	}
	if err := x.db.SelectContext(ctx, &st.Sources, `SELECT DISTINCT source FROM chunks ORDER BY source`); err != nil {
		return Stats{}, fmt.Errorf("list sources: %w", err)
	}
	return st, nil
}

func encodeVector(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
