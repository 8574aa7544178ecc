package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sgx-labs/lore"
)

// pgStore implements Repo on Postgres with pgvector. Vectors cross the
// wire as text literals ("[0.1,0.2,...]") cast to the vector type, and
// tags and meta ride as jsonb.
type pgStore struct {
	pool *pgxpool.Pool
}

func newPGStore(pool *pgxpool.Pool) *pgStore {
	return &pgStore{pool: pool}
}

func (s *pgStore) Close() {
	s.pool.Close()
}

func (s *pgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// lessonCols is the scan order every lesson query shares. Embeddings
// are selected separately because only export returns them.
const lessonCols = `id, problem, resolution, context, tags, confidence, source, project,
	created_at, updated_at, expires_at, upvotes, downvotes, meta`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanLesson reads one lessonCols row, plus any extra trailing columns
// the caller selected (score, embedding text).
func scanLesson(row rowScanner, extra ...any) (*lore.Lesson, error) {
	var (
		l       lore.Lesson
		tagsRaw []byte
		metaRaw []byte
	)
	dest := []any{
		&l.ID, &l.Problem, &l.Resolution, &l.Context, &tagsRaw, &l.Confidence,
		&l.Source, &l.Project, &l.CreatedAt, &l.UpdatedAt, &l.ExpiresAt,
		&l.Upvotes, &l.Downvotes, &metaRaw,
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tagsRaw, &l.Tags); err != nil {
		return nil, fmt.Errorf("decode tags for lesson %s: %w", l.ID, err)
	}
	if l.Tags == nil {
		l.Tags = []string{}
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &l.Meta); err != nil {
			return nil, fmt.Errorf("decode meta for lesson %s: %w", l.ID, err)
		}
	}
	if len(l.Meta) == 0 {
		l.Meta = nil
	}
	return &l, nil
}

// --- Lessons ---

const insertLessonSQL = `
INSERT INTO lessons (
	id, org_id, problem, resolution, context, tags, confidence, source,
	project, embedding, created_at, updated_at, expires_at, upvotes,
	downvotes, meta
) VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10::vector, $11, $12, $13, $14, $15, $16::jsonb)`

func (s *pgStore) CreateLesson(ctx context.Context, orgID string, l *lore.Lesson) error {
	meta, err := metaJSON(l.Meta)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, insertLessonSQL,
		l.ID, orgID, l.Problem, l.Resolution, l.Context, tagsJSON(l.Tags),
		l.Confidence, l.Source, l.Project, vectorArg(l.Embedding),
		l.CreatedAt, l.UpdatedAt, l.ExpiresAt, l.Upvotes, l.Downvotes, meta)
	if err != nil {
		return fmt.Errorf("insert lesson: %w", err)
	}
	return nil
}

func (s *pgStore) GetLesson(ctx context.Context, orgID, project, id string) (*lore.Lesson, error) {
	q := `SELECT ` + lessonCols + ` FROM lessons WHERE org_id = $1 AND id = $2`
	args := []any{orgID, id}
	if project != "" {
		args = append(args, project)
		q += ` AND project = $3`
	}
	l, err := scanLesson(s.pool.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errStoreNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lesson: %w", err)
	}
	return l, nil
}

func (s *pgStore) ListLessons(ctx context.Context, lq listQuery) ([]*lore.Lesson, int, error) {
	where := `WHERE org_id = $1`
	args := []any{lq.OrgID}
	if lq.Project != "" {
		args = append(args, lq.Project)
		where += fmt.Sprintf(` AND project = $%d`, len(args))
	}
	if lq.Text != "" {
		args = append(args, "%"+lq.Text+"%")
		where += fmt.Sprintf(` AND (problem ILIKE $%d OR resolution ILIKE $%d)`, len(args), len(args))
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM lessons `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count lessons: %w", err)
	}

	args = append(args, lq.Limit, lq.Offset)
	q := fmt.Sprintf(`SELECT %s FROM lessons %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		lessonCols, where, len(args)-1, len(args))
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list lessons: %w", err)
	}
	defer rows.Close()

	var lessons []*lore.Lesson
	for rows.Next() {
		l, err := scanLesson(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("list lessons: %w", err)
		}
		lessons = append(lessons, l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list lessons: %w", err)
	}
	return lessons, total, nil
}

func (s *pgStore) UpdateLesson(ctx context.Context, orgID, project, id string, p lessonPatch) (*lore.Lesson, error) {
	sets := []string{"updated_at = now()"}
	var args []any
	add := func(expr string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}
	if p.Confidence != nil {
		add("confidence = $%d", *p.Confidence)
	}
	if p.Tags != nil {
		add("tags = $%d::jsonb", tagsJSON(*p.Tags))
	}
	if p.Upvotes != nil {
		add("upvotes = $%d", *p.Upvotes)
	}
	if p.Downvotes != nil {
		add("downvotes = $%d", *p.Downvotes)
	}
	if p.UpvoteDelta != 0 {
		add("upvotes = GREATEST(upvotes + $%d, 0)", p.UpvoteDelta)
	}
	if p.DownvoteDelta != 0 {
		add("downvotes = GREATEST(downvotes + $%d, 0)", p.DownvoteDelta)
	}
	if p.Meta != nil {
		meta, err := metaJSON(*p.Meta)
		if err != nil {
			return nil, err
		}
		add("meta = $%d::jsonb", meta)
	}

	args = append(args, orgID, id)
	q := fmt.Sprintf(`UPDATE lessons SET %s WHERE org_id = $%d AND id = $%d`,
		strings.Join(sets, ", "), len(args)-1, len(args))
	if project != "" {
		args = append(args, project)
		q += fmt.Sprintf(` AND project = $%d`, len(args))
	}
	q += ` RETURNING ` + lessonCols

	l, err := scanLesson(s.pool.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errStoreNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update lesson: %w", err)
	}
	return l, nil
}

func (s *pgStore) DeleteLesson(ctx context.Context, orgID, project, id string) error {
	q := `DELETE FROM lessons WHERE org_id = $1 AND id = $2`
	args := []any{orgID, id}
	if project != "" {
		args = append(args, project)
		q += ` AND project = $3`
	}
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("delete lesson: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errStoreNotFound
	}
	return nil
}

// SearchLessons scores candidates in SQL: cosine similarity weighted by
// confidence, an exponential age decay on updated_at, and a vote factor
// floored at 0.1 so heavy downvotes cannot flip the sign. Expired rows
// and rows without embeddings never match.
func (s *pgStore) SearchLessons(ctx context.Context, sq searchQuery) ([]scoredRow, error) {
	args := []any{sq.OrgID, vectorText(sq.Embedding)}
	conds := []string{
		"org_id = $1",
		"embedding IS NOT NULL",
		"(expires_at IS NULL OR expires_at > now())",
	}
	if sq.MinConfidence > 0 {
		args = append(args, sq.MinConfidence)
		conds = append(conds, fmt.Sprintf("confidence >= $%d", len(args)))
	}
	if sq.Project != "" {
		args = append(args, sq.Project)
		conds = append(conds, fmt.Sprintf("project = $%d", len(args)))
	}
	if len(sq.Tags) > 0 {
		args = append(args, tagsJSON(sq.Tags))
		conds = append(conds, fmt.Sprintf("tags @> $%d::jsonb", len(args)))
	}
	args = append(args, sq.Limit)

	q := fmt.Sprintf(`
SELECT %s,
	(1 - (embedding <=> $2::vector))
		* confidence
		* exp(-0.01 * EXTRACT(EPOCH FROM (now() - updated_at)) / 86400.0)
		* GREATEST(1.0 + (upvotes - downvotes) * 0.1, 0.1) AS score
FROM lessons
WHERE %s
ORDER BY score DESC, created_at DESC, id DESC
LIMIT $%d`, lessonCols, strings.Join(conds, " AND "), len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search lessons: %w", err)
	}
	defer rows.Close()

	var out []scoredRow
	for rows.Next() {
		var score float64
		l, err := scanLesson(rows, &score)
		if err != nil {
			return nil, fmt.Errorf("search lessons: %w", err)
		}
		out = append(out, scoredRow{Lesson: l, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search lessons: %w", err)
	}
	return out, nil
}

func (s *pgStore) ExportLessons(ctx context.Context, orgID, project string) ([]*lore.Lesson, error) {
	q := `SELECT ` + lessonCols + `, embedding::text FROM lessons WHERE org_id = $1`
	args := []any{orgID}
	if project != "" {
		args = append(args, project)
		q += ` AND project = $2`
	}
	q += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("export lessons: %w", err)
	}
	defer rows.Close()

	var lessons []*lore.Lesson
	for rows.Next() {
		var embText *string
		l, err := scanLesson(rows, &embText)
		if err != nil {
			return nil, fmt.Errorf("export lessons: %w", err)
		}
		if embText != nil {
			vec, err := parseVector(*embText)
			if err != nil {
				return nil, fmt.Errorf("export lesson %s: %w", l.ID, err)
			}
			l.Embedding = vec
		}
		lessons = append(lessons, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("export lessons: %w", err)
	}
	return lessons, nil
}

const upsertLessonSQL = `
INSERT INTO lessons (
	id, org_id, problem, resolution, context, tags, confidence, source,
	project, embedding, created_at, updated_at, expires_at, upvotes,
	downvotes, meta
) VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10::vector, $11, $12, $13, $14, $15, $16::jsonb)
ON CONFLICT (id) DO UPDATE SET
	problem = EXCLUDED.problem,
	resolution = EXCLUDED.resolution,
	context = EXCLUDED.context,
	tags = EXCLUDED.tags,
	confidence = EXCLUDED.confidence,
	source = EXCLUDED.source,
	project = EXCLUDED.project,
	embedding = EXCLUDED.embedding,
	updated_at = EXCLUDED.updated_at,
	expires_at = EXCLUDED.expires_at,
	upvotes = EXCLUDED.upvotes,
	downvotes = EXCLUDED.downvotes,
	meta = EXCLUDED.meta
WHERE lessons.org_id = EXCLUDED.org_id`

// ImportLessons upserts a batch keyed by lesson id inside one
// transaction. An id collision from a different org is skipped rather
// than hijacked, which the returned count reflects.
func (s *pgStore) ImportLessons(ctx context.Context, orgID string, lessons []*lore.Lesson) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("import lessons: %w", err)
	}
	defer tx.Rollback(ctx)

	imported := 0
	for _, l := range lessons {
		meta, err := metaJSON(l.Meta)
		if err != nil {
			return 0, err
		}
		tag, err := tx.Exec(ctx, upsertLessonSQL,
			l.ID, orgID, l.Problem, l.Resolution, l.Context, tagsJSON(l.Tags),
			l.Confidence, l.Source, l.Project, vectorArg(l.Embedding),
			l.CreatedAt, l.UpdatedAt, l.ExpiresAt, l.Upvotes, l.Downvotes, meta)
		if err != nil {
			return 0, fmt.Errorf("import lesson %s: %w", l.ID, err)
		}
		imported += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("import lessons: %w", err)
	}
	return imported, nil
}

func (s *pgStore) CountLessons(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM lessons`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count lessons: %w", err)
	}
	return n, nil
}

// --- Orgs and keys ---

func (s *pgStore) CreateOrg(ctx context.Context, org *lore.Org, rootKey *lore.APIKey) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("create org: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orgs)`).Scan(&exists); err != nil {
		return fmt.Errorf("create org: %w", err)
	}
	if exists {
		return errOrgExists
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO orgs (id, name, created_at) VALUES ($1, $2, $3)`,
		org.ID, org.Name, org.CreatedAt); err != nil {
		return fmt.Errorf("create org: %w", err)
	}
	if err := insertKey(ctx, tx, rootKey); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("create org: %w", err)
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertKey(ctx context.Context, db execer, k *lore.APIKey) error {
	var userID any
	if k.UserID != "" {
		userID = k.UserID
	}
	_, err := db.Exec(ctx, `
INSERT INTO api_keys (id, org_id, name, key_hash, key_prefix, project, role, is_root, user_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		k.ID, k.OrgID, k.Name, k.KeyHash, k.KeyPrefix, k.Project, k.Role, k.IsRoot, userID, k.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (s *pgStore) CreateKey(ctx context.Context, k *lore.APIKey) error {
	return insertKey(ctx, s.pool, k)
}

const keyCols = `id, org_id, name, key_hash, key_prefix, project, role, is_root, user_id,
	created_at, last_used_at, revoked_at`

func scanKey(row rowScanner) (*lore.APIKey, error) {
	var (
		k      lore.APIKey
		userID *string
	)
	if err := row.Scan(&k.ID, &k.OrgID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Project,
		&k.Role, &k.IsRoot, &userID, &k.CreatedAt, &k.LastUsedAt, &k.RevokedAt); err != nil {
		return nil, err
	}
	if userID != nil {
		k.UserID = *userID
	}
	return &k, nil
}

func (s *pgStore) KeyByHash(ctx context.Context, hash string) (*lore.APIKey, error) {
	k, err := scanKey(s.pool.QueryRow(ctx,
		`SELECT `+keyCols+` FROM api_keys WHERE key_hash = $1`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errStoreNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	return k, nil
}

func (s *pgStore) ListKeys(ctx context.Context, orgID string) ([]*lore.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+keyCols+` FROM api_keys WHERE org_id = $1 ORDER BY created_at ASC, id ASC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*lore.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("list api keys: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// RevokeKey marks a key revoked. Refuses to revoke the last active root
// key so an org cannot lock itself out of key management.
func (s *pgStore) RevokeKey(ctx context.Context, orgID, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		isRoot    bool
		revokedAt *time.Time
	)
	err = tx.QueryRow(ctx,
		`SELECT is_root, revoked_at FROM api_keys WHERE org_id = $1 AND id = $2 FOR UPDATE`,
		orgID, id).Scan(&isRoot, &revokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return errStoreNotFound
	}
	if err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	if revokedAt != nil {
		return errAlreadyRevoked
	}
	if isRoot {
		var activeRoots int
		err := tx.QueryRow(ctx,
			`SELECT count(*) FROM api_keys WHERE org_id = $1 AND is_root AND revoked_at IS NULL`,
			orgID).Scan(&activeRoots)
		if err != nil {
			return fmt.Errorf("revoke key: %w", err)
		}
		if activeRoots <= 1 {
			return errLastRootKey
		}
	}
	if _, err := tx.Exec(ctx,
		`UPDATE api_keys SET revoked_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	return nil
}

func (s *pgStore) TouchKey(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

// --- Encoding helpers ---

func tagsJSON(tags []string) string {
	if tags == nil {
		tags = []string{}
	}
	raw, _ := json.Marshal(tags)
	return string(raw)
}

func metaJSON(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode meta: %w", err)
	}
	return string(raw), nil
}

// vectorText renders a vector in pgvector's input syntax.
func vectorText(vec []float32) string {
	var b strings.Builder
	b.Grow(len(vec)*10 + 2)
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// vectorArg binds a vector parameter, passing NULL for a missing one.
func vectorArg(vec []float32) any {
	if len(vec) == 0 {
		return nil
	}
	return vectorText(vec)
}

func parseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("malformed vector literal %q", s)
	}
	inner := strings.TrimSpace(s[1 : len(s)-1])
	if inner == "" {
		return []float32{}, nil
	}
	parts := strings.Split(inner, ",")
	vec := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("malformed vector component %q", p)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}
