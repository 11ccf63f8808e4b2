package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/connexus-ai/ragbox-backend/internal/apperror"
	"github.com/connexus-ai/ragbox-backend/internal/ingest"
	"github.com/connexus-ai/ragbox-backend/internal/llm"
	"github.com/connexus-ai/ragbox-backend/internal/middleware"
	"github.com/connexus-ai/ragbox-backend/internal/model"
	"github.com/connexus-ai/ragbox-backend/internal/subscription"
)

// uploadEndpoint gates POST /documents at BASIC tier per the tier matrix's
// "uploads" column (spec §4.4, SPEC_FULL's document-upload component). It is
// a write endpoint, so unlike /chat/search it fails closed.
var uploadEndpoint = subscription.EndpointPolicy{Name: "documents.upload", MinTier: model.TierBasic}

// processTimeout bounds a single document's background extract-chunk-embed
// run, matching the teacher ingest handler's 120s budget.
const processTimeout = 120 * time.Second

// maxUploadMemory bounds the in-memory portion of a multipart form; larger
// files spill to temp files per mime/multipart's own contract.
const maxUploadMemory = 32 << 20

type uploadResponse struct {
	DocumentID string `json:"document_id"`
	Chunks     int    `json:"chunks"`
}

// Documents implements POST /documents (spec §6): accept a multipart upload,
// persist it via ingest.Pipeline.Accept, then process it in the background
// so the request returns as soon as the bytes are durably stored, matching
// the teacher's document handler's accept-then-process split.
func Documents(pipeline *ingest.Pipeline, enforcer *subscription.Enforcer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal := middleware.PrincipalFromContext(r.Context())
		if principal == nil || principal.IsAnonymous() {
			writeError(w, r, apperror.New(apperror.KindUnauthenticated, "document upload requires an authenticated principal"))
			return
		}

		rateInfo, err := enforcer.CheckAccess(r.Context(), principal, uploadEndpoint)
		setRateLimitHeaders(w, rateInfo)
		if err != nil {
			writeError(w, r, err)
			return
		}

		if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
			writeError(w, r, apperror.New(apperror.KindBadInput, "invalid multipart form"))
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, r, apperror.New(apperror.KindBadInput, "missing file field"))
			return
		}
		defer file.Close()

		data := make([]byte, 0, header.Size)
		buf := make([]byte, 32*1024)
		for {
			n, readErr := file.Read(buf)
			if n > 0 {
				data = append(data, buf[:n]...)
			}
			if readErr != nil {
				break
			}
		}

		mimeType := header.Header.Get("Content-Type")
		doc, err := pipeline.Accept(r.Context(), principal.Username, header.Filename, mimeType, data)
		if err != nil {
			writeError(w, r, apperror.New(apperror.KindBadInput, err.Error()))
			return
		}

		go func(documentID string, owner *model.Principal) {
			ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
			defer cancel()
			if procErr := pipeline.Process(ctx, documentID); procErr != nil {
				slog.Error("document processing failed", "document_id", documentID, "error", procErr)
				return
			}
			// Usage is billed on actual extracted characters (§9 design note),
			// not the raw upload size, since a scanned PDF's byte count has no
			// relation to how much text an LLM will ever see from it.
			chars, charsErr := pipeline.ExtractedChars(ctx, documentID)
			if charsErr != nil {
				slog.Error("document usage tracking: extracted chars lookup failed", "document_id", documentID, "error", charsErr)
				return
			}
			tokens := (int64(chars) + llm.CharsPerToken - 1) / llm.CharsPerToken
			enforcer.TrackUsage(ctx, owner, "documents.upload", tokens, 0)
		}(doc.ID, principal)

		writeJSON(w, http.StatusAccepted, uploadResponse{DocumentID: doc.ID, Chunks: 0})
	}
}
