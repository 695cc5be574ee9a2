// Package api provides RFC 7807 Problem Detail error responses for the
// ingest API.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
)

// ProblemDetail is the RFC 7807 wire shape. Every non-2xx response the
// runtime produces is one of these, so clients parse exactly one error
// format.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// problemClass names a problem type. The slug becomes the type URI so
// clients can group failures by class instead of parsing status codes.
type problemClass struct {
	slug          string
	title         string
	defaultDetail string
}

var problemClasses = map[int]problemClass{
	http.StatusBadRequest:          {"malformed-request", "Bad Request", ""},
	http.StatusUnauthorized:        {"unauthenticated", "Unauthorized", "Authentication required"},
	http.StatusForbidden:           {"denied", "Forbidden", "Insufficient permissions"},
	http.StatusNotFound:            {"unknown-resource", "Not Found", ""},
	http.StatusMethodNotAllowed:    {"method-not-allowed", "Method Not Allowed", "The HTTP method is not supported for this endpoint"},
	http.StatusUnprocessableEntity: {"invalid-envelope", "Unprocessable Entity", ""},
	http.StatusTooManyRequests:     {"rate-limited", "Too Many Requests", "Rate limit exceeded. Retry after the specified interval."},
	http.StatusInternalServerError: {"internal", "Internal Server Error", "An unexpected error occurred. Please try again later."},
}

func newProblem(status int, title, detail string) *ProblemDetail {
	class, ok := problemClasses[status]
	if !ok {
		class = problemClass{slug: strconv.Itoa(status), title: http.StatusText(status)}
	}
	if title == "" {
		title = class.title
	}
	if detail == "" {
		detail = class.defaultDetail
	}
	return &ProblemDetail{
		Type:   "https://meshforge.dev/problems/" + class.slug,
		Title:  title,
		Status: status,
		Detail: detail,
	}
}

func write(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	write(w, newProblem(status, title, detail))
}

// WriteErrorR writes an RFC 7807 response enriched with request context:
// instance from the request path, trace_id from X-Request-ID.
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	p := newProblem(status, title, detail)
	p.Instance = r.URL.Path
	p.TraceID = w.Header().Get("X-Request-ID")
	write(w, p)
}

// WriteBadRequest writes a 400 for requests the gateway cannot parse.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	write(w, newProblem(http.StatusBadRequest, "", detail))
}

// WriteUnauthorized writes a 401.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	write(w, newProblem(http.StatusUnauthorized, "", detail))
}

// WriteForbidden writes a 403.
func WriteForbidden(w http.ResponseWriter, detail string) {
	write(w, newProblem(http.StatusForbidden, "", detail))
}

// WriteNotFound writes a 404.
func WriteNotFound(w http.ResponseWriter, detail string) {
	write(w, newProblem(http.StatusNotFound, "", detail))
}

// WriteMethodNotAllowed writes a 405.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	write(w, newProblem(http.StatusMethodNotAllowed, "", ""))
}

// WriteUnprocessable writes a 422 for schema-valid JSON that fails
// envelope validation.
func WriteUnprocessable(w http.ResponseWriter, detail string) {
	write(w, newProblem(http.StatusUnprocessableEntity, "", detail))
}

// WriteTooManyRequests writes a 429 with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	write(w, newProblem(http.StatusTooManyRequests, "", ""))
}

// WriteInternal writes a 500. The cause is logged and never reaches the
// client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	write(w, newProblem(http.StatusInternalServerError, "", ""))
}
