package apperror

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Problem is the RFC 7807 Problem Detail envelope named in spec §6.
type Problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail"`
	Instance  string `json:"instance"`
	RequestID string `json:"request_id"`
}

// titleByKind gives each Kind a short human title for the Problem body.
var titleByKind = map[Kind]string{
	KindBadInput:             "Bad Request",
	KindUnauthenticated:      "Unauthenticated",
	KindForbidden:            "Forbidden",
	KindNotFound:             "Not Found",
	KindTierInsufficient:     "Tier Insufficient",
	KindQuotaExceeded:        "Rate Limit Exceeded",
	KindSubscriptionInactive: "Subscription Inactive",
	KindServiceUnavailable:   "Service Unavailable",
	KindRetrievalUnavailable: "Retrieval Unavailable",
	KindEmbeddingTimeout:     "Embedding Timeout",
	KindEmbeddingUnavailable: "Embedding Unavailable",
	KindLLMTimeout:           "LLM Timeout",
	KindLLMUnavailable:       "LLM Unavailable",
	KindLLMResponseInvalid:   "LLM Response Invalid",
	KindLLMRateLimited:       "LLM Rate Limited",
	KindInternal:             "Internal Server Error",
}

// WriteProblem serializes err as an RFC 7807 Problem Detail response.
// instance is usually the request path; requestID threads through per §4.6.
func WriteProblem(w http.ResponseWriter, err error, instance, requestID string) {
	kind := KindInternal
	detail := "an internal error occurred"
	retryAfter := 0

	if e, ok := As(err); ok {
		kind = e.Kind
		detail = e.Detail
		retryAfter = e.RetryAfter
	}

	status := statusByKind[kind]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	p := Problem{
		Type:      "https://errors.example.com/problems/" + string(kind),
		Title:     titleByKind[kind],
		Status:    status,
		Detail:    detail,
		Instance:  instance,
		RequestID: requestID,
	}

	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}
