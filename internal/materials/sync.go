// Package materials keeps the retrieval index in step with a directory of
// reference surveys.
package materials

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const manifestSchema = `
CREATE TABLE IF NOT EXISTS materials (
	path         TEXT PRIMARY KEY,
	hash         TEXT NOT NULL,
	size         INTEGER NOT NULL,
	chunks       INTEGER NOT NULL,
	method       TEXT NOT NULL,
	processed_at TEXT NOT NULL
);
`

// Ingester stores extracted text under a source name, replacing earlier text
// from the same source.
type Ingester interface {
	Ingest(ctx context.Context, source, text string, metadata map[string]string) (int, error)
}

type Status string

const (
	StatusNew       Status = "new"
	StatusUpdated   Status = "updated"
	StatusUnchanged Status = "unchanged"
	StatusFailed    Status = "failed"
)

// FileResult is the outcome for one file.
type FileResult struct {
	Path   string `json:"path"`
	Status Status `json:"status"`
	Chunks int    `json:"chunks,omitempty"`
	Method string `json:"method,omitempty"`
	Error  string `json:"error,omitempty"`
}

type Report struct {
	Files     []FileResult `json:"files"`
	Processed int          `json:"processed"`
	Failed    int          `json:"failed"`
}

// Syncer ingests new and changed files, tracking content hashes in the
// materials table.
type Syncer struct {
	db     *sqlx.DB
	ing    Ingester
	logger *zap.Logger
	now    func() time.Time
}

func NewSyncer(db *sqlx.DB, ing Ingester, logger *zap.Logger) (*Syncer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.Exec(manifestSchema); err != nil {
		return nil, fmt.Errorf("create materials schema: %w", err)
	}
	return &Syncer{db: db, ing: ing, logger: logger, now: time.Now}, nil
}

// Sync walks dir and ingests every supported file whose hash differs from the
// last successful run. A failing file is reported and does not stop the sync;
// only walk and database errors are returned.
func (s *Syncer) Sync(ctx context.Context, dir string) (Report, error) {
	paths, err := scan(dir)
	if err != nil {
		return Report{}, err
	}
	var rep Report
	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		res, err := s.syncFile(ctx, dir, rel)
		if err != nil {
			return rep, err
		}
		switch res.Status {
		case StatusNew, StatusUpdated:
			rep.Processed++
		case StatusFailed:
			rep.Failed++
			s.logger.Warn("material failed", zap.String("path", rel), zap.String("error", res.Error))
		}
		rep.Files = append(rep.Files, res)
	}
	s.logger.Info("materials synced", zap.String("dir", dir), zap.Int("files", len(paths)), zap.Int("processed", rep.Processed), zap.Int("failed", rep.Failed))
	return rep, nil
}

func (s *Syncer) syncFile(ctx context.Context, dir, rel string) (FileResult, error) {
	full := filepath.Join(dir, rel)
	res := FileResult{Path: rel}
	hash, size, err := fileHash(full)
	if err != nil {
		res.Status, res.Error = StatusFailed, err.Error()
		return res, nil
	}

	var prev string
	err = s.db.GetContext(ctx, &prev, `SELECT hash FROM materials WHERE path = ?`, rel)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res.Status = StatusNew
	case err != nil:
		return res, fmt.Errorf("read manifest: %w", err)
	case prev == hash:
		res.Status = StatusUnchanged
		return res, nil
	default:
		res.Status = StatusUpdated
	}

	ext, err := ExtractText(ctx, full)
	if err != nil {
		res.Status, res.Error = StatusFailed, err.Error()
		return res, nil
	}
	meta := map[string]string{"source": rel, "extraction": ext.Method}
	if ext.Truncated {
		meta["truncated"] = "true"
	}
	n, err := s.ing.Ingest(ctx, rel, ext.Text, meta)
	if err != nil {
		res.Status, res.Error = StatusFailed, err.Error()
		return res, nil
	}
	res.Chunks, res.Method = n, ext.Method

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO materials (path, hash, size, chunks, method, processed_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET hash = excluded.hash, size = excluded.size, chunks = excluded.chunks,
			method = excluded.method, processed_at = excluded.processed_at`,
		rel, hash, size, n, ext.Method, s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return res, fmt.Errorf("write manifest: %w", err)
	}
	return res, nil
}

// scan lists supported files under dir as sorted slash-separated relative
// paths. Hidden files and directories are skipped.
func scan(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != dir && len(d.Name()) > 0 && d.Name()[0] == '.' {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !Supported(path) {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	sort.Strings(out)
	return out, nil
}

func fileHash(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
