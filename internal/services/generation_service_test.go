package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mentora/internal/models"
)

func sseHandler(lines []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
			flusher.Flush()
		}
	}
}

func TestGenerationStreamEventOrder(t *testing.T) {
	server := httptest.NewServer(sseHandler([]string{
		`data: {"id":"resp-123","choices":[{"delta":{"content":"Hello"}}]}`,
		`data: {"id":"resp-123","choices":[{"delta":{"content":" world"}}]}`,
		`data: [DONE]`,
	}))
	defer server.Close()

	svc := NewGenerationService(server.URL, "key", "model", "model", 10*time.Second)

	events, err := svc.Stream(context.Background(), StreamRequest{UserText: "hi"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var got []StreamEvent
	for ev := range events {
		got = append(got, ev)
	}

	if len(got) != 4 {
		t.Fatalf("expected 4 events, got %d: %v", len(got), got)
	}
	if got[0].Type != EventStarted {
		t.Errorf("first event should be Started, got %v", got[0].Type)
	}
	if got[1].Type != EventTextDelta || got[1].Text != "Hello" {
		t.Errorf("unexpected second event: %+v", got[1])
	}
	if got[2].Type != EventTextDelta || got[2].Text != " world" {
		t.Errorf("unexpected third event: %+v", got[2])
	}
	if got[3].Type != EventCompleted || got[3].ResponseHandle != "resp-123" {
		t.Errorf("unexpected final event: %+v", got[3])
	}
}

func TestGenerationStreamSendsRoomHandles(t *testing.T) {
	var captured models.ChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = models.ChatRequest{}
		json.NewDecoder(r.Body).Decode(&captured)
		sseHandler([]string{`data: [DONE]`})(w, r)
	}))
	defer server.Close()

	svc := NewGenerationService(server.URL, "key", "model", "model", 10*time.Second)

	events, err := svc.Stream(context.Background(), StreamRequest{
		UserText:            "hi",
		ConversationHandle:  "conv-9",
		KnowledgeBaseHandle: "kb-9",
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	for range events {
	}

	if captured.Conversation != "conv-9" {
		t.Errorf("expected conversation handle on the wire, got %q", captured.Conversation)
	}
	if len(captured.Tools) != 1 || captured.Tools[0]["type"] != "file_search" {
		t.Fatalf("expected a file_search tool, got %v", captured.Tools)
	}
	ids, ok := captured.Tools[0]["knowledge_base_ids"].([]interface{})
	if !ok || len(ids) != 1 || ids[0] != "kb-9" {
		t.Errorf("expected knowledge base id on the tool, got %v", captured.Tools[0]["knowledge_base_ids"])
	}

	// No knowledge base means no tools on the wire
	events, err = svc.Stream(context.Background(), StreamRequest{UserText: "hi"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	for range events {
	}
	if captured.Conversation != "" || captured.Tools != nil {
		t.Errorf("handleless request should omit conversation and tools, got %q %v", captured.Conversation, captured.Tools)
	}
}

func TestGenerationStreamIgnoresMalformedChunks(t *testing.T) {
	server := httptest.NewServer(sseHandler([]string{
		`data: not-json`,
		`: comment line`,
		`data: {"choices":[]}`,
		`data: {"choices":[{"delta":{"content":"ok"}}]}`,
		`data: [DONE]`,
	}))
	defer server.Close()

	svc := NewGenerationService(server.URL, "key", "model", "model", 10*time.Second)

	events, err := svc.Stream(context.Background(), StreamRequest{UserText: "hi"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	deltas := 0
	for ev := range events {
		if ev.Type == EventTextDelta {
			deltas++
		}
	}
	if deltas != 1 {
		t.Errorf("expected 1 delta, got %d", deltas)
	}
}

func TestGenerationStreamUpstreamFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("rate limited"))
	}))
	defer server.Close()

	svc := NewGenerationService(server.URL, "key", "model", "model", 10*time.Second)

	_, err := svc.Stream(context.Background(), StreamRequest{UserText: "hi"})
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstream.Status != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", upstream.Status)
	}
}

func TestGenerationStreamEmptyInput(t *testing.T) {
	svc := NewGenerationService("http://localhost:1", "key", "model", "model", time.Second)

	_, err := svc.Stream(context.Background(), StreamRequest{UserText: "   "})
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError for blank input, got %v", err)
	}
}

func TestBuildMessagesCaps(t *testing.T) {
	svc := NewGenerationService("http://localhost:1", "key", "model", "model", time.Second)

	longPersona := strings.Repeat("q", 2000)
	longUser := strings.Repeat("u", 3000)
	bigSnapshot := map[string]interface{}{"bio": strings.Repeat("x", 4000)}

	messages := svc.buildMessages(StreamRequest{
		ContextSnapshot: bigSnapshot,
		PersonaPrompt:   longPersona,
		UserText:        longUser,
	})

	if len(messages) != 2 {
		t.Fatalf("expected system + user message, got %d", len(messages))
	}

	system := messages[0]["content"].(string)
	if !strings.Contains(system, formattingDirective) {
		t.Error("system message should start with the formatting directive")
	}
	// Context snapshot segment comes before the persona segment
	if strings.Index(system, "x") > strings.Index(system, "q") {
		t.Error("context snapshot should precede the persona prompt")
	}
	// Persona segment trimmed to its cap
	if strings.Count(system, "q") > maxPersonaChars {
		t.Errorf("persona exceeds %d chars in system message", maxPersonaChars)
	}
	if strings.Count(system, "x") > maxContextChars {
		t.Errorf("context snapshot exceeds %d chars in system message", maxContextChars)
	}

	user := messages[1]["content"].(string)
	if len(user) != maxUserTextChars {
		t.Errorf("expected user text capped at %d, got %d", maxUserTextChars, len(user))
	}
}

func TestBuildMessagesHistoryRoles(t *testing.T) {
	svc := NewGenerationService("http://localhost:1", "key", "model", "model", time.Second)

	author := "user-1"
	messages := svc.buildMessages(StreamRequest{
		UserText: "next question",
		History: []models.Turn{
			{AuthorUserID: &author, Text: "first question"},
			{AuthorUserID: nil, Text: "first answer"},
		},
	})

	if len(messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(messages))
	}
	if messages[1]["role"] != "user" || messages[2]["role"] != "assistant" {
		t.Errorf("history roles wrong: %v, %v", messages[1]["role"], messages[2]["role"])
	}
}

func TestCleanTitle(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain", "Planning a Trip", "Planning a Trip"},
		{"quoted", `"Planning a Trip"`, "Planning a Trip"},
		{"too many words", "one two three four five six seven", "one two three four five"},
		{"whitespace", "  Trip Notes  ", "Trip Notes"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanTitle(tt.raw); got != tt.want {
				t.Errorf("CleanTitle(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestTitleBestEffort(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "t1",
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{"content": `"Go Questions"`}},
			},
		})
	}))
	defer server.Close()

	svc := NewGenerationService(server.URL, "key", "model", "model", 10*time.Second)

	title := svc.Title(context.Background(), "a long answer about Go")
	if title != "Go Questions" {
		t.Errorf("expected cleaned title, got %q", title)
	}

	// Same input is served from the dedupe cache
	svc.Title(context.Background(), "a long answer about Go")
	if calls != 1 {
		t.Errorf("expected 1 upstream call, got %d", calls)
	}
}

func TestTitleFailureReturnsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	svc := NewGenerationService(server.URL, "key", "model", "model", 10*time.Second)

	if title := svc.Title(context.Background(), "anything"); title != "" {
		t.Errorf("expected empty title on upstream failure, got %q", title)
	}
	if title := svc.Title(context.Background(), "   "); title != "" {
		t.Errorf("expected empty title for blank input, got %q", title)
	}
}

func TestCreateHandlesAndAttach(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/conversations":
			json.NewEncoder(w).Encode(map[string]string{"id": "conv-1"})
		case "/knowledge_bases":
			json.NewEncoder(w).Encode(map[string]string{"id": "kb-1"})
		case "/knowledge_bases/kb-1/files":
			var payload struct {
				FileIDs []string `json:"file_ids"`
			}
			json.NewDecoder(r.Body).Decode(&payload)
			if len(payload.FileIDs) != 2 {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusOK)
		case "/files":
			json.NewEncoder(w).Encode(map[string]string{"id": "file-1"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	svc := NewGenerationService(server.URL, "key", "model", "model", 10*time.Second)
	ctx := context.Background()

	conv, err := svc.CreateConversationHandle(ctx)
	if err != nil || conv != "conv-1" {
		t.Errorf("CreateConversationHandle = %q, %v", conv, err)
	}

	kb, err := svc.CreateKnowledgeBaseHandle(ctx)
	if err != nil || kb != "kb-1" {
		t.Errorf("CreateKnowledgeBaseHandle = %q, %v", kb, err)
	}

	file, err := svc.UploadFile(ctx, "notes.pdf", []byte("pdf-bytes"))
	if err != nil || file != "file-1" {
		t.Errorf("UploadFile = %q, %v", file, err)
	}

	if err := svc.AttachFilesToKnowledgeBase(ctx, "kb-1", []string{"file-1", "file-2"}); err != nil {
		t.Errorf("AttachFilesToKnowledgeBase failed: %v", err)
	}

	// No-ops do not call upstream
	if err := svc.AttachFilesToKnowledgeBase(ctx, "", nil); err != nil {
		t.Errorf("empty attach should be a no-op, got %v", err)
	}
}
