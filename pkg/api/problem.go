// Package api exposes the flow, reversal, entropy and shard operations over
// HTTP. Errors are RFC 7807 problem details extended with the taxonomy kind.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/tccflow/pkg/flowerr"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	// Kind is the taxonomy member; empty for transport-level problems.
	Kind flowerr.Kind `json:"kind,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// StatusFor maps a taxonomy kind to its HTTP status.
func StatusFor(kind flowerr.Kind) int {
	switch kind {
	case flowerr.KindValidation:
		return http.StatusBadRequest
	case flowerr.KindCrypto, flowerr.KindNonInvertible:
		return http.StatusUnprocessableEntity
	case flowerr.KindNoCommitment, flowerr.KindNotFound:
		return http.StatusNotFound
	case flowerr.KindExpired:
		return http.StatusGone
	case flowerr.KindHashMismatch, flowerr.KindCommitmentExists:
		return http.StatusConflict
	case flowerr.KindInsufficientFee:
		return http.StatusPaymentRequired
	}
	return http.StatusInternalServerError
}

func writeProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	if p.Type == "" {
		if p.Kind != "" {
			p.Type = "https://tccflow.dev/errors/" + string(p.Kind)
		} else {
			p.Type = fmt.Sprintf("https://tccflow.dev/errors/%d", p.Status)
		}
	}
	if r != nil {
		p.Instance = r.URL.Path
	}
	p.TraceID = w.Header().Get("X-Request-ID")
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError classifies err and writes it as a problem detail. Internal
// errors are logged and never exposed.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	kind := flowerr.KindOf(err)
	status := StatusFor(kind)
	detail := flowerr.MessageOf(err)
	if kind == flowerr.KindInternal {
		slog.Error("internal server error", "error", err, "path", pathOf(r))
		detail = "An unexpected error occurred. Please try again later."
	}
	writeProblem(w, r, &ProblemDetail{
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
		Kind:   kind,
	})
}

// WriteTooManyRequests writes a 429 response with Retry-After.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	writeProblem(w, r, &ProblemDetail{
		Title:  "Too Many Requests",
		Status: http.StatusTooManyRequests,
		Detail: "Rate limit exceeded. Retry after the specified interval.",
	})
}

func writeNotFound(w http.ResponseWriter, r *http.Request) {
	writeProblem(w, r, &ProblemDetail{Title: "Not Found", Status: http.StatusNotFound, Detail: "no such route"})
}

func writeMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeProblem(w, r, &ProblemDetail{
		Title:  "Method Not Allowed",
		Status: http.StatusMethodNotAllowed,
		Detail: "The HTTP method is not supported for this endpoint",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func pathOf(r *http.Request) string {
	if r == nil {
		return ""
	}
	return r.URL.Path
}
