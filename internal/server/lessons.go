package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sgx-labs/lore"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200

	defaultSearchLimit = 5
	maxSearchLimit     = 50

	maxImportBatch = 1000
)

// wireLesson prepares a lesson for a response. Embeddings stay server
// side except on export, and tags always marshal as an array.
func wireLesson(l *lore.Lesson, withEmbedding bool) *lore.Lesson {
	c := l.Clone()
	if !withEmbedding {
		c.Embedding = nil
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}
	return c
}

type createLessonRequest struct {
	Problem    string         `json:"problem" validate:"required"`
	Resolution string         `json:"resolution" validate:"required"`
	Context    string         `json:"context"`
	Tags       []string       `json:"tags"`
	Confidence *float64       `json:"confidence"`
	Source     string         `json:"source"`
	Project    string         `json:"project"`
	Embedding  []float32      `json:"embedding"`
	ExpiresAt  *time.Time     `json:"expires_at"`
	Meta       map[string]any `json:"meta"`
}

// handleCreateLesson mints the id and timestamps server-side; client
// supplied values for those are ignored so the server stays the
// authority on creation order.
func (s *server) handleCreateLesson(w http.ResponseWriter, r *http.Request) {
	var req createLessonRequest
	if !readJSON(w, r, &req) {
		return
	}
	if !validRequest(w, &req) {
		return
	}
	if req.Confidence != nil && (*req.Confidence < 0 || *req.Confidence > 1) {
		writeError(w, http.StatusUnprocessableEntity, codeValidation, "confidence must be between 0 and 1")
		return
	}
	if req.Embedding != nil && len(req.Embedding) != lore.DefaultEmbeddingDim {
		writeError(w, http.StatusUnprocessableEntity, codeValidation,
			fmt.Sprintf("embedding must be %d dimensions, got %d", lore.DefaultEmbeddingDim, len(req.Embedding)))
		return
	}
	if s.screen != nil {
		if field := s.screen(r.Context(), req.Problem, req.Resolution, req.Context); field != "" {
			writeError(w, http.StatusUnprocessableEntity, codeSuspicious,
				fmt.Sprintf("suspicious content in %s", field))
			return
		}
	}

	key := keyFrom(r.Context())
	now := time.Now().UTC()
	confidence := 0.5
	if req.Confidence != nil {
		confidence = *req.Confidence
	}
	tags := req.Tags
	if tags == nil {
		tags = []string{}
	}
	lesson := &lore.Lesson{
		ID:         lore.NewID(),
		Problem:    req.Problem,
		Resolution: req.Resolution,
		Context:    req.Context,
		Tags:       tags,
		Confidence: confidence,
		Source:     req.Source,
		Project:    scopeProject(key, req.Project),
		Embedding:  req.Embedding,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  req.ExpiresAt,
		Meta:       req.Meta,
	}
	if err := s.repo.CreateLesson(r.Context(), key.OrgID, lesson); err != nil {
		s.internalError(w, "create lesson", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": lesson.ID})
}

func (s *server) handleGetLesson(w http.ResponseWriter, r *http.Request) {
	key := keyFrom(r.Context())
	l, err := s.repo.GetLesson(r.Context(), key.OrgID, key.Project, r.PathValue("id"))
	if errors.Is(err, errStoreNotFound) {
		writeError(w, http.StatusNotFound, codeNotFound, "lesson not found")
		return
	}
	if err != nil {
		s.internalError(w, "get lesson", err)
		return
	}
	writeJSON(w, http.StatusOK, wireLesson(l, false))
}

func (s *server) handleListLessons(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil || limit < 1 {
		writeError(w, http.StatusUnprocessableEntity, codeValidation, "limit must be a positive integer")
		return
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusUnprocessableEntity, codeValidation, "offset must be a non-negative integer")
		return
	}

	key := keyFrom(r.Context())
	lessons, total, err := s.repo.ListLessons(r.Context(), listQuery{
		OrgID:   key.OrgID,
		Project: scopeProject(key, r.URL.Query().Get("project")),
		Text:    r.URL.Query().Get("q"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		s.internalError(w, "list lessons", err)
		return
	}
	out := make([]*lore.Lesson, len(lessons))
	for i, l := range lessons {
		out[i] = wireLesson(l, false)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lessons": out,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// lessonPatchRequest distinguishes absent fields from zero values, and
// vote fields carry either an absolute count or the "+1"/"-1" increment
// sentinel.
type lessonPatchRequest struct {
	Confidence *float64        `json:"confidence"`
	Tags       *[]string       `json:"tags"`
	Upvotes    json.RawMessage `json:"upvotes"`
	Downvotes  json.RawMessage `json:"downvotes"`
	Meta       *map[string]any `json:"meta"`
}

func parseVote(raw json.RawMessage) (abs *int, delta int, err error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, 0, nil
	}
	var n int
	if json.Unmarshal(raw, &n) == nil {
		if n < 0 {
			return nil, 0, errors.New("vote counts cannot be negative")
		}
		return &n, 0, nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		switch s {
		case "+1":
			return nil, 1, nil
		case "-1":
			return nil, -1, nil
		}
		return nil, 0, errors.New(`vote strings must be "+1" or "-1"`)
	}
	return nil, 0, errors.New(`votes must be an integer or a "+1"/"-1" string`)
}

func (s *server) handleUpdateLesson(w http.ResponseWriter, r *http.Request) {
	var req lessonPatchRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Confidence != nil && (*req.Confidence < 0 || *req.Confidence > 1) {
		writeError(w, http.StatusUnprocessableEntity, codeValidation, "confidence must be between 0 and 1")
		return
	}
	upAbs, upDelta, err := parseVote(req.Upvotes)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeValidation, err.Error())
		return
	}
	downAbs, downDelta, err := parseVote(req.Downvotes)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeValidation, err.Error())
		return
	}

	patch := lessonPatch{
		Confidence:    req.Confidence,
		Tags:          req.Tags,
		Upvotes:       upAbs,
		Downvotes:     downAbs,
		UpvoteDelta:   upDelta,
		DownvoteDelta: downDelta,
		Meta:          req.Meta,
	}
	if patch.empty() {
		writeError(w, http.StatusUnprocessableEntity, codeValidation, "no fields to update")
		return
	}

	key := keyFrom(r.Context())
	l, err := s.repo.UpdateLesson(r.Context(), key.OrgID, key.Project, r.PathValue("id"), patch)
	if errors.Is(err, errStoreNotFound) {
		writeError(w, http.StatusNotFound, codeNotFound, "lesson not found")
		return
	}
	if err != nil {
		s.internalError(w, "update lesson", err)
		return
	}
	writeJSON(w, http.StatusOK, wireLesson(l, false))
}

func (s *server) handleDeleteLesson(w http.ResponseWriter, r *http.Request) {
	key := keyFrom(r.Context())
	err := s.repo.DeleteLesson(r.Context(), key.OrgID, key.Project, r.PathValue("id"))
	if errors.Is(err, errStoreNotFound) {
		writeError(w, http.StatusNotFound, codeNotFound, "lesson not found")
		return
	}
	if err != nil {
		s.internalError(w, "delete lesson", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type searchLessonsRequest struct {
	Embedding     []float32 `json:"embedding"`
	Limit         int       `json:"limit"`
	MinConfidence float64   `json:"min_confidence"`
	Tags          []string  `json:"tags"`
	Project       string    `json:"project"`
}

// scoredLessonBody flattens a lesson with its score for the search
// response.
type scoredLessonBody struct {
	*lore.Lesson
	Score float64 `json:"score"`
}

func (s *server) handleSearchLessons(w http.ResponseWriter, r *http.Request) {
	var req searchLessonsRequest
	if !readJSON(w, r, &req) {
		return
	}
	if len(req.Embedding) != lore.DefaultEmbeddingDim {
		writeError(w, http.StatusUnprocessableEntity, codeValidation,
			fmt.Sprintf("embedding must be %d dimensions, got %d", lore.DefaultEmbeddingDim, len(req.Embedding)))
		return
	}
	if req.MinConfidence < 0 || req.MinConfidence > 1 {
		writeError(w, http.StatusUnprocessableEntity, codeValidation, "min_confidence must be between 0 and 1")
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	key := keyFrom(r.Context())
	rows, err := s.repo.SearchLessons(r.Context(), searchQuery{
		OrgID:         key.OrgID,
		Embedding:     req.Embedding,
		Limit:         limit,
		MinConfidence: req.MinConfidence,
		Tags:          req.Tags,
		Project:       scopeProject(key, req.Project),
	})
	if err != nil {
		s.internalError(w, "search lessons", err)
		return
	}
	out := make([]scoredLessonBody, len(rows))
	for i, row := range rows {
		out[i] = scoredLessonBody{Lesson: wireLesson(row.Lesson, false), Score: row.Score}
	}
	writeJSON(w, http.StatusOK, map[string]any{"lessons": out})
}

// handleExportLessons returns the key's whole scope, embeddings
// included. The body is optional; a bare POST exports everything the
// key can see.
func (s *server) handleExportLessons(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Project string `json:"project"`
	}
	if !readOptionalJSON(w, r, &req) {
		return
	}
	key := keyFrom(r.Context())
	lessons, err := s.repo.ExportLessons(r.Context(), key.OrgID, scopeProject(key, req.Project))
	if err != nil {
		s.internalError(w, "export lessons", err)
		return
	}
	out := make([]*lore.Lesson, len(lessons))
	for i, l := range lessons {
		out[i] = wireLesson(l, true)
	}
	writeJSON(w, http.StatusOK, map[string]any{"lessons": out})
}

type importLessonBody struct {
	ID         string         `json:"id"`
	Problem    string         `json:"problem"`
	Resolution string         `json:"resolution"`
	Context    string         `json:"context"`
	Tags       []string       `json:"tags"`
	Confidence *float64       `json:"confidence"`
	Source     string         `json:"source"`
	Project    string         `json:"project"`
	Embedding  []float32      `json:"embedding"`
	CreatedAt  *time.Time     `json:"created_at"`
	UpdatedAt  *time.Time     `json:"updated_at"`
	ExpiresAt  *time.Time     `json:"expires_at"`
	Upvotes    int            `json:"upvotes"`
	Downvotes  int            `json:"downvotes"`
	Meta       map[string]any `json:"meta"`
}

// handleImportLessons upserts a batch by id. Unlike create, import
// requires embeddings (there is no later chance to add them) and
// preserves ids, timestamps, and vote counts so a backup restores
// byte-for-byte.
func (s *server) handleImportLessons(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Lessons []importLessonBody `json:"lessons"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if len(req.Lessons) == 0 {
		writeError(w, http.StatusUnprocessableEntity, codeValidation, "no lessons to import")
		return
	}
	if len(req.Lessons) > maxImportBatch {
		writeError(w, http.StatusUnprocessableEntity, codeValidation,
			fmt.Sprintf("import batch exceeds %d lessons", maxImportBatch))
		return
	}

	key := keyFrom(r.Context())
	now := time.Now().UTC()
	lessons := make([]*lore.Lesson, len(req.Lessons))
	for i := range req.Lessons {
		b := &req.Lessons[i]
		if b.Problem == "" || b.Resolution == "" {
			writeError(w, http.StatusUnprocessableEntity, codeValidation,
				fmt.Sprintf("lessons[%d]: problem and resolution are required", i))
			return
		}
		if len(b.Embedding) != lore.DefaultEmbeddingDim {
			writeError(w, http.StatusUnprocessableEntity, codeValidation,
				fmt.Sprintf("lessons[%d]: embedding must be %d dimensions, got %d",
					i, lore.DefaultEmbeddingDim, len(b.Embedding)))
			return
		}
		confidence := 0.5
		if b.Confidence != nil {
			if *b.Confidence < 0 || *b.Confidence > 1 {
				writeError(w, http.StatusUnprocessableEntity, codeValidation,
					fmt.Sprintf("lessons[%d]: confidence must be between 0 and 1", i))
				return
			}
			confidence = *b.Confidence
		}
		if s.screen != nil {
			if field := s.screen(r.Context(), b.Problem, b.Resolution, b.Context); field != "" {
				writeError(w, http.StatusUnprocessableEntity, codeSuspicious,
					fmt.Sprintf("suspicious content in lessons[%d].%s", i, field))
				return
			}
		}

		id := b.ID
		if id == "" {
			id = lore.NewID()
		}
		tags := b.Tags
		if tags == nil {
			tags = []string{}
		}
		createdAt, updatedAt := now, now
		if b.CreatedAt != nil {
			createdAt = *b.CreatedAt
		}
		if b.UpdatedAt != nil {
			updatedAt = *b.UpdatedAt
		}
		lessons[i] = &lore.Lesson{
			ID:         id,
			Problem:    b.Problem,
			Resolution: b.Resolution,
			Context:    b.Context,
			Tags:       tags,
			Confidence: confidence,
			Source:     b.Source,
			Project:    scopeProject(key, b.Project),
			Embedding:  b.Embedding,
			CreatedAt:  createdAt,
			UpdatedAt:  updatedAt,
			ExpiresAt:  b.ExpiresAt,
			Upvotes:    b.Upvotes,
			Downvotes:  b.Downvotes,
			Meta:       b.Meta,
		}
	}

	imported, err := s.repo.ImportLessons(r.Context(), key.OrgID, lessons)
	if err != nil {
		s.internalError(w, "import lessons", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": imported})
}
