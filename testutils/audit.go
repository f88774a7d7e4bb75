package testutils

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// AuditRequest is one request the fake audit service received.
type AuditRequest struct {
	Pair   string
	Stream string
	Kind   string // "diffRules" or "payload"
	Body   json.RawMessage
}

// AuditServer is a recording fake of the audit/commit service.
type AuditServer struct {
	server *httptest.Server

	mu            sync.Mutex
	requests      []AuditRequest
	rejectMessage string
	failuresLeft  int
}

// NewAuditServer starts a fake audit service that accepts everything.
func NewAuditServer() *AuditServer {
	audit := &AuditServer{}
	audit.server = httptest.NewServer(http.HandlerFunc(audit.handle))
	return audit
}

// URL is the service base URL.
func (audit *AuditServer) URL() string {
	return audit.server.URL
}

// Close shuts the HTTP server down.
func (audit *AuditServer) Close() {
	audit.server.Close()
}

// RejectWith makes payload commits answer 200 with a top-level "message"
// field. Pass the empty string to accept again.
func (audit *AuditServer) RejectWith(message string) {
	audit.mu.Lock()
	defer audit.mu.Unlock()
	audit.rejectMessage = message
}

// FailNext makes the next n requests answer 500.
func (audit *AuditServer) FailNext(n int) {
	audit.mu.Lock()
	defer audit.mu.Unlock()
	audit.failuresLeft = n
}

// Requests returns a copy of everything received so far.
func (audit *AuditServer) Requests() []AuditRequest {
	audit.mu.Lock()
	defer audit.mu.Unlock()
	return append([]AuditRequest{}, audit.requests...)
}

// Commits returns the payload commits received so far.
func (audit *AuditServer) Commits() []AuditRequest {
	audit.mu.Lock()
	defer audit.mu.Unlock()
	commits := []AuditRequest{}
	for _, request := range audit.requests {
		if request.Kind == "payload" {
			commits = append(commits, request)
		}
	}
	return commits
}

func (audit *AuditServer) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Paths look like /<pair>/<stream>/diffRules or /<pair>/<stream>/payload.
	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(segments) != 3 {
		http.Error(w, "unexpected path", http.StatusNotFound)
		return
	}

	audit.mu.Lock()
	defer audit.mu.Unlock()

	if audit.failuresLeft > 0 {
		audit.failuresLeft--
		http.Error(w, "temporarily unavailable", http.StatusInternalServerError)
		return
	}

	audit.requests = append(audit.requests, AuditRequest{
		Pair:   segments[0],
		Stream: segments[1],
		Kind:   segments[2],
		Body:   json.RawMessage(body),
	})

	w.Header().Set("Content-Type", "application/json")
	if segments[2] == "payload" && audit.rejectMessage != "" {
		payload, _ := json.Marshal(map[string]string{"message": audit.rejectMessage})
		w.Write(payload)
		return
	}
	w.Write([]byte(`{"cid":"bafytest","status":"ok"}`))
}
