package lore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// sqliteTimeLayout is RFC 3339 with a fixed three-digit fraction so the
// stored strings compare lexicographically in timestamp order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// EmbeddedStore is the file-backed store: a single SQLite database in
// WAL mode, embeddings stored as bare little-endian float32 blobs.
// Search loads candidates with SQL and ranks them in process, so its
// ordering is identical to MemoryStore for the same corpus.
//
// An optional vec0 shadow index (WithVectorIndex) narrows the candidate
// set with approximate KNN before the exact re-score. It changes recall
// on large stores, never scoring.
type EmbeddedStore struct {
	conn   *sql.DB
	mu     sync.Mutex // serialize writes
	vecDim int        // 0 = no vec0 index
}

var (
	_ Store           = (*EmbeddedStore)(nil)
	_ VoteIncrementer = (*EmbeddedStore)(nil)
)

// EmbeddedOption configures an EmbeddedStore at open time.
type EmbeddedOption func(*EmbeddedStore)

// WithVectorIndex enables a sqlite-vec vec0 shadow index over lesson
// embeddings of the given dimension. Opening fails if the sqlite-vec
// extension is unavailable.
func WithVectorIndex(dim int) EmbeddedOption {
	return func(s *EmbeddedStore) {
		if dim <= 0 {
			dim = DefaultEmbeddingDim
		}
		s.vecDim = dim
	}
}

// OpenEmbedded opens or creates the database at the given path,
// creating parent directories as needed.
func OpenEmbedded(path string, opts ...EmbeddedOption) (*EmbeddedStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return newEmbedded(conn, opts...)
}

// OpenEmbeddedMemory opens an in-memory database for testing. The pool
// is pinned to one connection; each sqlite :memory: connection is its
// own database.
func OpenEmbeddedMemory(opts ...EmbeddedOption) (*EmbeddedStore, error) {
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return newEmbedded(conn, opts...)
}

func newEmbedded(conn *sql.DB, opts ...EmbeddedOption) (*EmbeddedStore, error) {
	s := &EmbeddedStore{conn: conn}
	for _, opt := range opts {
		opt(s)
	}

	if s.vecDim > 0 {
		var vecVersion string
		if err := conn.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sqlite-vec not available: %w", err)
		}
	}

	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *EmbeddedStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS lessons (
			id          TEXT PRIMARY KEY,
			problem     TEXT NOT NULL,
			resolution  TEXT NOT NULL,
			context     TEXT,
			tags        TEXT DEFAULT '[]',
			confidence  REAL DEFAULT 0.5,
			source      TEXT,
			project     TEXT,
			embedding   BLOB,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,
			expires_at  TEXT,
			upvotes     INTEGER DEFAULT 0,
			downvotes   INTEGER DEFAULT 0,
			meta        TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lessons_project ON lessons(project)`,
		`CREATE INDEX IF NOT EXISTS idx_lessons_created ON lessons(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_lessons_tags ON lessons(tags)`,
	}

	if s.vecDim > 0 {
		migrations = append(migrations, fmt.Sprintf(
			`CREATE VIRTUAL TABLE IF NOT EXISTS lessons_vec USING vec0(
				lesson_rowid INTEGER PRIMARY KEY,
				embedding float[%d]
			)`, s.vecDim))
	}

	for _, m := range migrations {
		if _, err := s.conn.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *EmbeddedStore) Close() error {
	return s.conn.Close()
}

const lessonColumns = `id, problem, resolution, context, tags, confidence, source,
	project, embedding, created_at, updated_at, expires_at, upvotes, downvotes, meta`

// Save inserts or replaces a lesson by id.
func (s *EmbeddedStore) Save(ctx context.Context, lesson *Lesson) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	args, err := lessonArgs(lesson)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO lessons (`+lessonColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			problem = excluded.problem,
			resolution = excluded.resolution,
			context = excluded.context,
			tags = excluded.tags,
			confidence = excluded.confidence,
			source = excluded.source,
			project = excluded.project,
			embedding = excluded.embedding,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at,
			upvotes = excluded.upvotes,
			downvotes = excluded.downvotes,
			meta = excluded.meta`,
		args...)
	if err != nil {
		return fmt.Errorf("save lesson: %w", err)
	}

	if err := s.reindexLocked(ctx, tx, lesson); err != nil {
		return err
	}
	return tx.Commit()
}

// Get returns the lesson, or (nil, nil) when the id is unknown.
func (s *EmbeddedStore) Get(ctx context.Context, id string) (*Lesson, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+lessonColumns+` FROM lessons WHERE id = ?`, id)
	lesson, err := scanLesson(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return lesson, err
}

// List returns lessons newest first, optionally scoped to a project.
func (s *EmbeddedStore) List(ctx context.Context, opts ListOptions) ([]*Lesson, error) {
	query := `SELECT ` + lessonColumns + ` FROM lessons`
	var args []any
	if opts.Project != "" {
		query += ` WHERE project = ?`
		args = append(args, opts.Project)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list lessons: %w", err)
	}
	defer rows.Close()
	return collectLessons(rows)
}

// Update replaces an existing lesson, reporting false for an unknown id.
func (s *EmbeddedStore) Update(ctx context.Context, lesson *Lesson) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	args, err := lessonArgs(lesson)
	if err != nil {
		return false, err
	}
	// lessonArgs puts id first; UPDATE binds it last.
	args = append(args[1:], args[0])
	res, err := tx.ExecContext(ctx, `UPDATE lessons SET
			problem = ?, resolution = ?, context = ?, tags = ?, confidence = ?,
			source = ?, project = ?, embedding = ?, created_at = ?, updated_at = ?,
			expires_at = ?, upvotes = ?, downvotes = ?, meta = ?
		WHERE id = ?`,
		args...)
	if err != nil {
		return false, fmt.Errorf("update lesson: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if err := s.reindexLocked(ctx, tx, lesson); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// Delete removes a lesson, reporting false for an unknown id.
func (s *EmbeddedStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if s.vecDim > 0 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM lessons_vec WHERE lesson_rowid = (SELECT rowid FROM lessons WHERE id = ?)`, id)
		if err != nil {
			return false, fmt.Errorf("unindex lesson: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM lessons WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete lesson: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, tx.Commit()
}

// IncrementVote applies a single vote as one UPDATE, so concurrent
// votes never lose increments.
func (s *EmbeddedStore) IncrementVote(ctx context.Context, id string, upvote bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	column := "downvotes"
	if upvote {
		column = "upvotes"
	}
	res, err := s.conn.ExecContext(ctx,
		`UPDATE lessons SET `+column+` = `+column+` + 1, updated_at = ? WHERE id = ?`,
		formatStoreTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("increment vote: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

// Search ranks lessons against the query vector. With a vec0 index the
// candidate set comes from approximate KNN (k = 8×limit, floor 64) and
// is re-scored exactly; otherwise every candidate row is scanned.
func (s *EmbeddedStore) Search(ctx context.Context, vec []float32, opts SearchOptions) ([]QueryResult, error) {
	if s.vecDim > 0 && len(vec) == s.vecDim {
		results, err := s.searchIndexed(ctx, vec, opts)
		if err == nil {
			return results, nil
		}
		// Shadow index failed; the exact path still answers.
	}
	return s.searchScan(ctx, vec, opts)
}

func (s *EmbeddedStore) searchIndexed(ctx context.Context, vec []float32, opts SearchOptions) ([]QueryResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	k := limit * 8
	if k < 64 {
		k = 64
	}

	vecData, err := sqlite_vec.SerializeFloat32(vec)
	if err != nil {
		return nil, fmt.Errorf("serialize query: %w", err)
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+prefixColumns("n")+`
		FROM lessons_vec v
		JOIN lessons n ON n.rowid = v.lesson_rowid
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance`,
		vecData, k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	candidates, err := collectLessons(rows)
	if err != nil {
		return nil, err
	}
	return rankLessons(candidates, vec, opts, time.Now().UTC())
}

func (s *EmbeddedStore) searchScan(ctx context.Context, vec []float32, opts SearchOptions) ([]QueryResult, error) {
	query := `SELECT ` + lessonColumns + ` FROM lessons WHERE embedding IS NOT NULL`
	var args []any
	if opts.Project != "" {
		query += ` AND project = ?`
		args = append(args, opts.Project)
	}
	if opts.MinConfidence > 0 {
		query += ` AND confidence >= ?`
		args = append(args, opts.MinConfidence)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search lessons: %w", err)
	}
	defer rows.Close()

	candidates, err := collectLessons(rows)
	if err != nil {
		return nil, err
	}
	return rankLessons(candidates, vec, opts, time.Now().UTC())
}

// reindexLocked refreshes the vec0 row for a lesson inside the caller's
// write transaction. Lessons without an embedding are unindexed.
func (s *EmbeddedStore) reindexLocked(ctx context.Context, tx *sql.Tx, lesson *Lesson) error {
	if s.vecDim == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`DELETE FROM lessons_vec WHERE lesson_rowid = (SELECT rowid FROM lessons WHERE id = ?)`,
		lesson.ID)
	if err != nil {
		return fmt.Errorf("unindex lesson: %w", err)
	}
	if len(lesson.Embedding) == 0 {
		return nil
	}
	vecData, err := sqlite_vec.SerializeFloat32(lesson.Embedding)
	if err != nil {
		return fmt.Errorf("serialize embedding: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO lessons_vec (lesson_rowid, embedding)
		 SELECT rowid, ? FROM lessons WHERE id = ?`,
		vecData, lesson.ID)
	if err != nil {
		return fmt.Errorf("index lesson: %w", err)
	}
	return nil
}

// lessonArgs flattens a lesson into bind arguments in lessonColumns
// order. Optional text fields become NULLs so filters on them behave.
func lessonArgs(l *Lesson) ([]any, error) {
	tags := l.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}

	var metaJSON any
	if l.Meta != nil {
		b, err := json.Marshal(l.Meta)
		if err != nil {
			return nil, fmt.Errorf("encode meta: %w", err)
		}
		metaJSON = string(b)
	}

	var blob any
	if len(l.Embedding) > 0 {
		blob = EncodeVector(l.Embedding)
	}

	var expires any
	if l.ExpiresAt != nil {
		expires = formatStoreTime(*l.ExpiresAt)
	}

	return []any{
		l.ID,
		l.Problem,
		l.Resolution,
		nullIfEmpty(l.Context),
		string(tagsJSON),
		l.Confidence,
		nullIfEmpty(l.Source),
		nullIfEmpty(l.Project),
		blob,
		formatStoreTime(l.CreatedAt),
		formatStoreTime(l.UpdatedAt),
		expires,
		l.Upvotes,
		l.Downvotes,
		metaJSON,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLesson(row rowScanner) (*Lesson, error) {
	var (
		l                        Lesson
		context, source, project sql.NullString
		tagsJSON, metaJSON       sql.NullString
		blob                     []byte
		created, updated         string
		expires                  sql.NullString
	)
	err := row.Scan(
		&l.ID, &l.Problem, &l.Resolution, &context, &tagsJSON, &l.Confidence,
		&source, &project, &blob, &created, &updated, &expires,
		&l.Upvotes, &l.Downvotes, &metaJSON,
	)
	if err != nil {
		return nil, err
	}

	l.Context = context.String
	l.Source = source.String
	l.Project = project.String

	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &l.Tags); err != nil {
			return nil, fmt.Errorf("lesson %s: decode tags: %w", l.ID, err)
		}
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &l.Meta); err != nil {
			return nil, fmt.Errorf("lesson %s: decode meta: %w", l.ID, err)
		}
	}
	if len(blob) > 0 {
		vec, err := DecodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("lesson %s: %w", l.ID, err)
		}
		l.Embedding = vec
	}

	if l.CreatedAt, err = parseStoreTime(created); err != nil {
		return nil, fmt.Errorf("lesson %s: created_at: %w", l.ID, err)
	}
	if l.UpdatedAt, err = parseStoreTime(updated); err != nil {
		return nil, fmt.Errorf("lesson %s: updated_at: %w", l.ID, err)
	}
	if expires.Valid {
		t, err := parseStoreTime(expires.String)
		if err != nil {
			return nil, fmt.Errorf("lesson %s: expires_at: %w", l.ID, err)
		}
		l.ExpiresAt = &t
	}
	return &l, nil
}

func collectLessons(rows *sql.Rows) ([]*Lesson, error) {
	var out []*Lesson
	for rows.Next() {
		l, err := scanLesson(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func formatStoreTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

// parseStoreTime accepts any RFC 3339 fraction width so databases
// written by other tooling still load.
func parseStoreTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func prefixColumns(alias string) string {
	return alias + `.id, ` + alias + `.problem, ` + alias + `.resolution, ` + alias + `.context, ` +
		alias + `.tags, ` + alias + `.confidence, ` + alias + `.source, ` + alias + `.project, ` +
		alias + `.embedding, ` + alias + `.created_at, ` + alias + `.updated_at, ` + alias + `.expires_at, ` +
		alias + `.upvotes, ` + alias + `.downvotes, ` + alias + `.meta`
}
