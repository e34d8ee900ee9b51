package jira

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{"valid", Config{BaseURL: "https://acme.atlassian.net", Email: "a@b.c", APIToken: "t"}, nil},
		{"anonymous", Config{BaseURL: "https://acme.atlassian.net"}, nil},
		{"missing base url", Config{APIToken: "t", Email: "a@b.c"}, ErrBaseURLRequired},
		{"token without email", Config{BaseURL: "https://x", APIToken: "t"}, ErrEmailRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://acme.atlassian.net/", "https://acme.atlassian.net"},
		{"acme.atlassian.net", "https://acme.atlassian.net"},
		{"http://jira.internal", "http://jira.internal"},
		{"  /acme.atlassian.net/  ", "https://acme.atlassian.net"},
	}
	for _, tt := range tests {
		if got := normalizeBaseURL(tt.in); got != tt.want {
			t.Errorf("normalizeBaseURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func newIssueServer(t *testing.T, status int, body string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "dev@acme.com" || pass != "token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("fields") != "summary,description" {
			t.Errorf("unexpected fields query: %q", r.URL.RawQuery)
		}
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{BaseURL: srv.URL, Email: "dev@acme.com", APIToken: "token"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestTicketPromptRenderedDescription(t *testing.T) {
	client := newIssueServer(t, http.StatusOK, `{
		"key": "PROJ-42",
		"fields": {"summary": "Upgrade the logger", "description": {"type":"doc","content":[]}},
		"renderedFields": {"description": "<p>Use structured logging everywhere.</p>"}
	}`)

	prompt, changeID, err := client.TicketPrompt(context.Background(), "PROJ-42")
	if err != nil {
		t.Fatalf("TicketPrompt: %v", err)
	}
	if changeID != "PROJ-42" {
		t.Errorf("changeID = %q", changeID)
	}
	want := "Upgrade the logger\n\n<p>Use structured logging everywhere.</p>"
	if prompt != want {
		t.Errorf("prompt = %q, want %q", prompt, want)
	}
}

func TestTicketPromptFlattensADF(t *testing.T) {
	client := newIssueServer(t, http.StatusOK, `{
		"key": "PROJ-7",
		"fields": {
			"summary": "Fix flaky test",
			"description": {
				"type": "doc",
				"content": [
					{"type": "paragraph", "content": [{"type": "text", "text": "It fails "}, {"type": "text", "text": "sometimes."}]},
					{"type": "paragraph", "content": [{"type": "text", "text": "Please stabilize."}]}
				]
			}
		}
	}`)

	prompt, _, err := client.TicketPrompt(context.Background(), "PROJ-7")
	if err != nil {
		t.Fatalf("TicketPrompt: %v", err)
	}
	want := "Fix flaky test\n\nIt fails sometimes.\nPlease stabilize."
	if prompt != want {
		t.Errorf("prompt = %q, want %q", prompt, want)
	}
}

func TestTicketPromptNotFound(t *testing.T) {
	client := newIssueServer(t, http.StatusNotFound, `{}`)
	_, _, err := client.TicketPrompt(context.Background(), "PROJ-404")
	if !errors.Is(err, ErrIssueNotFound) {
		t.Errorf("expected ErrIssueNotFound, got %v", err)
	}
}

func TestTicketPromptEmptyIssue(t *testing.T) {
	client := newIssueServer(t, http.StatusOK, `{"key": "PROJ-1", "fields": {}}`)
	_, _, err := client.TicketPrompt(context.Background(), "PROJ-1")
	if !errors.Is(err, ErrIssueEmpty) {
		t.Errorf("expected ErrIssueEmpty, got %v", err)
	}
}

func TestDescriptionText(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain string", `"just text"`, "just text"},
		{"null", `null`, ""},
		{"empty", ``, ""},
		{"adf with hard break", `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"a"},{"type":"hardBreak"},{"type":"text","text":"b"}]}]}`, "a\nb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw json.RawMessage
			if tt.raw != "" {
				raw = json.RawMessage(tt.raw)
			}
			if got := descriptionText(raw); got != tt.want {
				t.Errorf("descriptionText(%s) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}
