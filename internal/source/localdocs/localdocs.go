// Package localdocs indexes a local directory of leaked or subpoenaed
// documents (txt, md, pdf) into a SQLite FTS5 table and serves full-text
// queries over it. The index database lives inside the archive directory and
// is rebuilt incrementally by file modification time.
package localdocs

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"muckrake/internal/source"
	"muckrake/internal/types"
)

const (
	sourceID  = "localdocs"
	indexFile = ".muckrake-index.db"
	// Document text beyond this is not indexed; FTS snippets come from the
	// head of the file, which is where titles and summaries live.
	maxIndexedBytes = 2 << 20
)

// Adapter implements source.Adapter over the local archive.
type Adapter struct {
	deps source.Deps
	log  *zap.Logger
	dir  string
	db   *sql.DB
}

// New returns a constructor bound to an archive directory. The directory is
// opened and indexed lazily, on first registry Get.
func New(dir string) source.Constructor {
	return func(deps source.Deps) (source.Adapter, error) {
		log := deps.Log
		if log == nil {
			log = zap.NewNop()
		}
		if dir == "" {
			return nil, fmt.Errorf("local archive path not configured")
		}
		info, err := os.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("open archive %s: %w", dir, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("archive path %s is not a directory", dir)
		}

		db, err := sql.Open("sqlite", filepath.Join(dir, indexFile))
		if err != nil {
			return nil, fmt.Errorf("open index db: %w", err)
		}
		a := &Adapter{deps: deps, log: log, dir: dir, db: db}
		if err := a.ensureIndex(context.Background()); err != nil {
			db.Close()
			return nil, err
		}
		return a, nil
	}
}

// Metadata is static; registration never needs a constructed adapter.
func Metadata() types.SourceMetadata {
	return types.SourceMetadata{
		ID:                 sourceID,
		DisplayName:        "Local Document Archive",
		Category:           "documents",
		RequiresAPIKey:     false,
		SupportsDateFilter: false,
		Characteristics: "Full-text search over documents the journalist already holds: " +
			"leaked files, FOIA responses, court filings, downloaded reports. " +
			"Exact-phrase and boolean queries work; nothing outside the archive exists here.",
		QueryStrategies: []string{"exact names in quotes", "boolean AND of two entities", "distinctive phrases"},
	}
}

func (a *Adapter) Metadata() types.SourceMetadata { return Metadata() }

func (a *Adapter) IsRelevant(ctx context.Context, question string) bool {
	return source.RelevantForQuestion(ctx, a.deps.Gateway, question, a.Metadata())
}

func (a *Adapter) GenerateQuery(ctx context.Context, question string, hints types.QueryParams) (types.QueryParams, error) {
	params, err := source.GenerateQueryJSON(ctx, a.deps.Gateway, "query_localdocs",
		"You write SQLite FTS5 MATCH queries for a document archive. Return JSON only.",
		fmt.Sprintf(`Research goal: %q

Write one FTS5 MATCH expression. Quote multi-word phrases; join terms with AND or OR.
Return {"match": "fts5 expression"}.
Return null (the JSON literal) if a private document archive cannot help with this goal.`, question))
	if err != nil || params == nil {
		return nil, err
	}
	if strings.TrimSpace(params.GetString("match")) == "" {
		return nil, fmt.Errorf("query generation produced empty match expression")
	}
	return params, nil
}

func (a *Adapter) ExecuteSearch(ctx context.Context, params types.QueryParams, limit int, extractFullContent bool) types.QueryResult {
	match := params.GetString("match")
	if match == "" {
		return types.QueryResult{Success: false, SourceID: sourceID, HTTPCode: 400, Error: "missing match parameter"}
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT d.path, d.mtime, snippet(docs_fts, 1, '', '', ' ... ', 24), bm25(docs_fts)
		FROM docs_fts
		JOIN docs d ON d.rowid = docs_fts.rowid
		WHERE docs_fts MATCH ?
		ORDER BY bm25(docs_fts)
		LIMIT ?`, match, limit)
	if err != nil {
		// FTS5 reports malformed MATCH syntax as a query error; surface it as
		// a validation failure so the goal loop reformulates.
		if strings.Contains(err.Error(), "fts5") || strings.Contains(err.Error(), "syntax") {
			return types.QueryResult{Success: false, SourceID: sourceID, HTTPCode: 400, Error: fmt.Sprintf("bad match expression: %v", err)}
		}
		return source.WrapTransportError(sourceID, err)
	}
	defer rows.Close()

	var results []types.RawResult
	for rows.Next() {
		var path, snip string
		var mtime int64
		var rank float64
		if err := rows.Scan(&path, &mtime, &snip, &rank); err != nil {
			return source.WrapTransportError(sourceID, err)
		}
		rr := types.RawResult{
			SourceID:  sourceID,
			FetchedAt: time.Now().UTC(),
			URL:       "file://" + filepath.Join(a.dir, path),
			Title:     filepath.Base(path),
			Snippet:   snip,
			Date:      time.Unix(mtime, 0).UTC().Format("2006-01-02"),
			Fields:    map[string]any{"path": path, "bm25": rank},
		}
		if extractFullContent {
			if text, err := readDocument(filepath.Join(a.dir, path)); err == nil {
				rr.RawContent = text
			} else {
				a.log.Debug("document read failed", zap.String("path", path), zap.Error(err))
			}
		}
		results = append(results, rr)
	}
	if err := rows.Err(); err != nil {
		return source.WrapTransportError(sourceID, err)
	}
	return types.QueryResult{Success: true, SourceID: sourceID, Total: len(results), Results: results}
}

// ensureIndex creates the schema and (re)indexes files whose mtime changed
// since the last run.
func (a *Adapter) ensureIndex(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS docs (
			path  TEXT PRIMARY KEY,
			mtime INTEGER NOT NULL
		);
		CREATE VIRTUAL TABLE IF NOT EXISTS docs_fts USING fts5(
			path, body
		);`
	if _, err := a.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create index schema: %w", err)
	}

	known := make(map[string]int64)
	rows, err := a.db.QueryContext(ctx, `SELECT path, mtime FROM docs`)
	if err != nil {
		return fmt.Errorf("read index state: %w", err)
	}
	for rows.Next() {
		var path string
		var mtime int64
		if err := rows.Scan(&path, &mtime); err != nil {
			rows.Close()
			return err
		}
		known[path] = mtime
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	indexed := 0
	err = filepath.WalkDir(a.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".txt", ".md", ".pdf":
		default:
			return nil
		}
		rel, err := filepath.Rel(a.dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		mtime := info.ModTime().Unix()
		if known[rel] == mtime {
			return nil
		}
		text, err := readDocument(path)
		if err != nil {
			a.log.Warn("skipping unreadable document", zap.String("path", rel), zap.Error(err))
			return nil
		}
		if len(text) > maxIndexedBytes {
			text = text[:maxIndexedBytes]
		}
		if err := a.upsertDoc(ctx, rel, mtime, text); err != nil {
			return err
		}
		indexed++
		return nil
	})
	if err != nil {
		return fmt.Errorf("index archive: %w", err)
	}
	if indexed > 0 {
		a.log.Info("archive indexed", zap.String("dir", a.dir), zap.Int("documents", indexed))
	}
	return nil
}

func (a *Adapter) upsertDoc(ctx context.Context, rel string, mtime int64, text string) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var rowid int64
	err = tx.QueryRowContext(ctx, `SELECT rowid FROM docs WHERE path = ?`, rel).Scan(&rowid)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return err
	default:
		if _, err := tx.ExecContext(ctx, `DELETE FROM docs_fts WHERE rowid = ?`, rowid); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM docs WHERE rowid = ?`, rowid); err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO docs(path, mtime) VALUES(?, ?)`, rel, mtime)
	if err != nil {
		return err
	}
	rowid, err = res.LastInsertId()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO docs_fts(rowid, path, body) VALUES(?, ?, ?)`, rowid, rel, text); err != nil {
		return err
	}
	return tx.Commit()
}

// readDocument extracts plain text from a supported file.
func readDocument(path string) (string, error) {
	if strings.ToLower(filepath.Ext(path)) == ".pdf" {
		return readPDF(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func readPDF(path string) (string, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()
	r, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}
	var b strings.Builder
	if _, err := io.Copy(&b, r); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Close releases the index database. The registry owns adapter lifetime; this
// is called at run teardown.
func (a *Adapter) Close() error {
	return a.db.Close()
}
