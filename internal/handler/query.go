package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"

	"github.com/google/uuid"

	"github.com/connexus-ai/ragbox-backend/internal/apperror"
	"github.com/connexus-ai/ragbox-backend/internal/middleware"
	"github.com/connexus-ai/ragbox-backend/internal/model"
	"github.com/connexus-ai/ragbox-backend/internal/pipeline"
	"github.com/connexus-ai/ragbox-backend/internal/retrieval"
	"github.com/connexus-ai/ragbox-backend/internal/subscription"
)

// collectionPattern is spec §6's "collection matches ^[A-Za-z][A-Za-z0-9_-]{0,63}$".
var collectionPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,63}$`)

// queryRequest is POST /query's body (spec §6).
type queryRequest struct {
	Query      string `json:"query"`
	Collection string `json:"collection"`
	TopK       int    `json:"top_k"`
	Expansion  string `json:"expansion"`
	Stream     bool   `json:"stream"`
}

type querySource struct {
	SourceRef string  `json:"source_ref"`
	Text      string  `json:"text"`
	Score     float64 `json:"score"`
	Modality  string  `json:"modality"`
}

type queryResponseBody struct {
	Response string         `json:"response"`
	Sources  []querySource  `json:"sources"`
	Metadata map[string]any `json:"metadata"`
}

// QueryDeps bundles Query's dependencies.
type QueryDeps struct {
	Pipeline *pipeline.QueryPipeline
	Policy   pipeline.Policy
}

// Query implements POST /query (spec §6), driving QueryPipeline in either
// blocking-JSON or SSE mode per the request body's stream flag, grounded on
// the teacher's handler/chat.go's SSE plumbing (status/chunk/done events
// via http.Flusher).
func Query(deps QueryDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, apperror.New(apperror.KindBadInput, "invalid request body"))
			return
		}
		if len(req.Query) == 0 || len(req.Query) > 500 {
			writeError(w, r, apperror.New(apperror.KindBadInput, "query must be 1..500 characters"))
			return
		}
		if !collectionPattern.MatchString(req.Collection) {
			writeError(w, r, apperror.New(apperror.KindBadInput, "collection has invalid format"))
			return
		}
		topK := req.TopK
		if topK == 0 {
			topK = 10
		}
		if topK < 1 || topK > 50 {
			writeError(w, r, apperror.New(apperror.KindBadInput, "top_k must be in [1,50]"))
			return
		}

		principal := middleware.PrincipalFromContext(r.Context())
		pipelineReq := pipeline.Request{
			RequestID:   requestID(r),
			Principal:   principal,
			Query:       req.Query,
			Collections: []string{req.Collection},
			Options: retrieval.Options{
				TopK:         topK,
				Expansion:    retrieval.Expansion(expansionOrDefault(req.Expansion)),
				FusionWeight: 0.5,
			},
			Stream: req.Stream,
		}

		if req.Stream {
			streamQuery(w, r, deps, pipelineReq)
			return
		}
		blockingQuery(w, r, deps, pipelineReq)
	}
}

func expansionOrDefault(e string) string {
	if e == "" {
		return string(retrieval.ExpansionOff)
	}
	return e
}

func sourcesFromPassages(ranked []model.Ranked) []querySource {
	sources := make([]querySource, 0, len(ranked))
	for _, r := range ranked {
		sources = append(sources, querySource{
			SourceRef: r.Passage.SourceRef,
			Text:      r.Passage.Text,
			Score:     r.Score,
			Modality:  r.Modality,
		})
	}
	return sources
}

func blockingQuery(w http.ResponseWriter, r *http.Request, deps QueryDeps, req pipeline.Request) {
	var sources []querySource
	var answer string
	var stageErr error

	_, err := deps.Pipeline.Run(r.Context(), req, deps.Policy, func(e pipeline.Event) {
		switch e.Stage {
		case pipeline.StageAccessChecked:
			setRateLimitHeaders(w, e.RateLimit)
		case pipeline.StageRetrieved, pipeline.StageRetrievalDegraded:
			sources = sourcesFromPassages(e.Passages)
		case pipeline.StageCompleted:
			answer = e.Answer
		case pipeline.StageDeniedAccess, pipeline.StageCancelled:
			stageErr = e.Err
			setRateLimitHeaders(w, e.RateLimit)
		}
	})
	if err != nil {
		writeError(w, r, stageErr)
		return
	}

	writeJSON(w, http.StatusOK, queryResponseBody{
		Response: answer,
		Sources:  sources,
		Metadata: map[string]any{"request_id": req.RequestID},
	})
}

// setRateLimitHeaders sets spec §6's X-RateLimit-* response headers from the
// per-minute quota info CheckAccess computed. A zero Limit means no quota
// applied (payments disabled or the read failed open), so nothing is set.
func setRateLimitHeaders(w http.ResponseWriter, info subscription.RateLimitInfo) {
	if info.Limit == 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(info.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(info.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(info.Reset.Unix(), 10))
}

func streamQuery(w http.ResponseWriter, r *http.Request, deps QueryDeps, req pipeline.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	headerWritten := false
	writeHeader := func() {
		if !headerWritten {
			w.WriteHeader(http.StatusOK)
			headerWritten = true
		}
	}

	_, err := deps.Pipeline.Run(r.Context(), req, deps.Policy, func(e pipeline.Event) {
		switch e.Stage {
		case pipeline.StageAccessChecked:
			setRateLimitHeaders(w, e.RateLimit)
			writeHeader()
		case pipeline.StageGenerating:
			writeHeader()
			sendEvent(w, flusher, "chunk", fmt.Sprintf(`{"text":%q}`, e.Chunk))
		case pipeline.StageCompleted:
			writeHeader()
			sendEvent(w, flusher, "done", fmt.Sprintf(`{"answer":%q}`, e.Answer))
		case pipeline.StageDeniedAccess, pipeline.StageCancelled:
			setRateLimitHeaders(w, e.RateLimit)
			writeHeader()
			if e.Err != nil {
				sendEvent(w, flusher, "error", fmt.Sprintf(`{"message":%q}`, e.Err.Error()))
			}
		case pipeline.StageRetrievalDegraded:
			writeHeader()
			sendEvent(w, flusher, "status", `{"stage":"retrieval_degraded"}`)
		}
	})
	if err != nil {
		writeHeader()
		sendEvent(w, flusher, "done", `{}`)
	}
}

// sendEvent writes one SSE frame and flushes immediately, matching the
// teacher's handler/chat.go sendEvent helper.
func sendEvent(w http.ResponseWriter, f http.Flusher, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	f.Flush()
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return uuid.New().String()
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		err = apperror.New(apperror.KindInternal, "an internal error occurred")
	}
	apperror.WriteProblem(w, err, r.URL.Path, requestID(r))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
