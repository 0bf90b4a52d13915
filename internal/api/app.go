package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/ragdiary/internal/composer"
	"github.com/kalambet/ragdiary/internal/diary"
	"github.com/kalambet/ragdiary/internal/ingest"
	"github.com/kalambet/ragdiary/internal/semgroup"
	"github.com/kalambet/ragdiary/internal/storage"
	"github.com/kalambet/ragdiary/internal/timeparse"
)

const maxEntryBodySize = 10 << 20 // 10MB

// DiaryStore is the diary tree as seen by the API.
type DiaryStore interface {
	List() ([]string, error)
	Files(name string) ([]string, error)
	ReadAll(name string) (string, error)
	WriteEntry(req diary.WriteRequest, now time.Time) (string, string, error)
}

// GroupStore is the semantic group collection.
type GroupStore interface {
	Snapshot() semgroup.Document
	Update(ctx context.Context, doc semgroup.Document) error
	PrecomputeVectors(ctx context.Context) (bool, error)
	DetectAndActivateGroups(text string) map[string]semgroup.Activation
}

// MessageProcessor resolves diary declarations in a message list.
type MessageProcessor interface {
	ProcessMessages(ctx context.Context, msgs []composer.Message) []composer.Message
}

// TimeParser extracts time ranges relative to now.
type TimeParser interface {
	ParseAt(text string, now time.Time) []timeparse.Range
}

// ChunkCounter reports how many indexed chunks a diary has.
type ChunkCounter interface {
	Count(ctx context.Context, diary string) (int, error)
}

// JobCounter reports queue depth.
type JobCounter interface {
	CountJobs(jobType, status string) (int, error)
}

type AppDeps struct {
	Diaries   DiaryStore
	Groups    GroupStore // optional
	Processor MessageProcessor
	Time      TimeParser
	Jobs      ingest.JobStore
	Chunks    ChunkCounter // optional
	Queue     JobCounter   // optional
	Token     string
	// Now defaults to time.Now.
	Now func() time.Time
}

func (d AppDeps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Token))

	r.Get("/status", handleStatus(deps))
	r.Get("/diaries", handleListDiaries(deps))
	r.Get("/diaries/{name}", handleGetDiary(deps))
	r.Post("/diaries/{name}/entries", handleWriteEntry(deps))
	r.Post("/diaries/{name}/reindex", handleReindex(deps))
	r.Get("/semantic-groups", handleGetGroups(deps))
	r.Put("/semantic-groups", handlePutGroups(deps))
	r.Post("/semantic-groups/precompute", handlePrecompute(deps))
	r.Post("/semantic-groups/activate", handleActivate(deps))
	r.Post("/process", handleProcess(deps))
	r.Post("/timeparse", handleTimeParse(deps))

	return r
}

type DiaryInfo struct {
	Name   string `json:"name"`
	Files  int    `json:"files"`
	Chunks int    `json:"chunks"`
}

type StatusResponse struct {
	Diaries     int  `json:"diaries"`
	Chunks      int  `json:"chunks"`
	Groups      int  `json:"groups"`
	PendingJobs int  `json:"pending_jobs"`
	FailedJobs  int  `json:"failed_jobs"`
	GroupsReady bool `json:"groups_ready"`
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infos, err := diaryInfos(r.Context(), deps)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list diaries: %v", err)
			return
		}
		var st StatusResponse
		st.Diaries = len(infos)
		for _, d := range infos {
			st.Chunks += d.Chunks
		}
		if deps.Groups != nil {
			st.Groups = len(deps.Groups.Snapshot().Groups)
			st.GroupsReady = true
		}
		if deps.Queue != nil {
			st.PendingJobs, _ = deps.Queue.CountJobs(storage.JobIndexDiary, "pending")
			st.FailedJobs, _ = deps.Queue.CountJobs(storage.JobIndexDiary, "failed")
		}
		writeJSON(w, st)
	}
}

func diaryInfos(ctx context.Context, deps AppDeps) ([]DiaryInfo, error) {
	names, err := deps.Diaries.List()
	if err != nil {
		return nil, err
	}
	infos := make([]DiaryInfo, 0, len(names))
	for _, name := range names {
		files, err := deps.Diaries.Files(name)
		if err != nil {
			return nil, err
		}
		info := DiaryInfo{Name: name, Files: len(files)}
		if deps.Chunks != nil {
			info.Chunks, _ = deps.Chunks.Count(ctx, name)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func handleListDiaries(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infos, err := diaryInfos(r.Context(), deps)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list diaries: %v", err)
			return
		}
		writeJSON(w, infos)
	}
}

func handleGetDiary(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		content, err := deps.Diaries.ReadAll(name)
		if errors.Is(err, diary.ErrInvalidName) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read diary: %v", err)
			return
		}
		writeJSON(w, map[string]string{"name": name, "content": content})
	}
}

type WriteEntryRequest struct {
	Author  string `json:"author"`
	Date    string `json:"date"`
	Content string `json:"content"`
}

func handleWriteEntry(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxEntryBodySize)
		defer r.Body.Close()

		var req WriteEntryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}

		name, file, status, err := writeEntry(deps.Diaries, deps.now(), chi.URLParam(r, "name"), req)
		if err != nil {
			httpError(w, status, "api_error", "%v", err)
			return
		}

		resp := map[string]string{"diary": name, "file": file, "status": "written"}
		if jobID, err := ingest.EnqueueIndex(deps.Jobs, name); err == nil {
			resp["job_id"] = jobID
			resp["status"] = "queued"
		}
		writeJSON(w, resp)
	}
}

// writeEntry writes into the named diary. An empty author signs as the
// diary itself; the date defaults to today in Beijing time.
func writeEntry(diaries DiaryStore, now time.Time, name string, req WriteEntryRequest) (string, string, int, error) {
	if err := diary.ValidateName(name); err != nil {
		return "", "", http.StatusBadRequest, err
	}
	author := strings.TrimSpace(req.Author)
	if author == "" {
		author = name
	}
	date := strings.TrimSpace(req.Date)
	if date == "" {
		date = now.In(timeparse.Beijing).Format(time.DateOnly)
	}

	gotName, file, err := diaries.WriteEntry(diary.WriteRequest{
		Author:  "[" + name + "]" + author,
		Date:    date,
		Content: req.Content,
	}, now)
	if err != nil {
		if errors.Is(err, diary.ErrInvalidName) {
			return "", "", http.StatusBadRequest, err
		}
		return "", "", http.StatusInternalServerError, err
	}
	return gotName, file, http.StatusOK, nil
}

func handleReindex(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := diary.ValidateName(name); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		jobID, err := ingest.EnqueueIndex(deps.Jobs, name)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
			return
		}
		writeJSONStatus(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "queued"})
	}
}

func requireGroups(w http.ResponseWriter, deps AppDeps) bool {
	if deps.Groups == nil {
		httpError(w, http.StatusServiceUnavailable, "unavailable", "semantic groups are not enabled")
		return false
	}
	return true
}

func handleGetGroups(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireGroups(w, deps) {
			return
		}
		writeJSON(w, deps.Groups.Snapshot())
	}
}

func handlePutGroups(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireGroups(w, deps) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var doc semgroup.Document
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		err := deps.Groups.Update(r.Context(), doc)
		if errors.Is(err, semgroup.ErrSaveBusy) {
			httpError(w, http.StatusConflict, "conflict", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update groups: %v", err)
			return
		}
		writeJSON(w, map[string]any{"status": "updated", "groups": len(doc.Groups)})
	}
}

func handlePrecompute(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireGroups(w, deps) {
			return
		}
		changed, err := deps.Groups.PrecomputeVectors(r.Context())
		if errors.Is(err, semgroup.ErrSaveBusy) {
			httpError(w, http.StatusConflict, "conflict", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "precompute failed: %v", err)
			return
		}
		writeJSON(w, map[string]bool{"changed": changed})
	}
}

type TextRequest struct {
	Text string `json:"text"`
	// Now is an optional RFC 3339 reference time for /timeparse.
	Now string `json:"now,omitempty"`
}

func decodeText(w http.ResponseWriter, r *http.Request) (TextRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req TextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return req, false
	}
	if strings.TrimSpace(req.Text) == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
		return req, false
	}
	return req, true
}

func handleActivate(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireGroups(w, deps) {
			return
		}
		req, ok := decodeText(w, r)
		if !ok {
			return
		}
		writeJSON(w, deps.Groups.DetectAndActivateGroups(req.Text))
	}
}

func handleProcess(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var body struct {
			Messages json.RawMessage `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		msgs, err := composer.ParseMessages(body.Messages)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid messages: %v", err)
			return
		}
		processed := deps.Processor.ProcessMessages(r.Context(), msgs)
		raw, err := composer.MarshalMessages(processed)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to encode messages: %v", err)
			return
		}
		writeJSON(w, map[string]json.RawMessage{"messages": raw})
	}
}

func handleTimeParse(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeText(w, r)
		if !ok {
			return
		}
		now := deps.now()
		if req.Now != "" {
			t, err := time.Parse(time.RFC3339, req.Now)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid now: %v", err)
				return
			}
			now = t
		}
		ranges := deps.Time.ParseAt(req.Text, now)
		if ranges == nil {
			ranges = []timeparse.Range{}
		}
		writeJSON(w, ranges)
	}
}
