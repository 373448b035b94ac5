package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"mentora/internal/models"

	"github.com/patrickmn/go-cache"
)

// StreamEventType tags the events a generation stream can emit.
type StreamEventType int

const (
	EventStarted StreamEventType = iota
	EventTextDelta
	EventError
	EventCompleted
)

func (t StreamEventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventTextDelta:
		return "text_delta"
	case EventError:
		return "error"
	case EventCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// StreamEvent is one event from a generation stream. Exactly one of the
// payload fields is meaningful depending on Type.
type StreamEvent struct {
	Type           StreamEventType
	Text           string // EventTextDelta
	Message        string // EventError
	ResponseHandle string // EventCompleted
}

// StreamRequest carries everything needed to produce one assistant response.
// The handles tie the request to the room's provider-side conversation and
// knowledge base; History is the client-side fallback for providers without
// server-side memory.
type StreamRequest struct {
	ContextSnapshot     map[string]interface{}
	PersonaPrompt       string
	UserText            string
	History             []models.Turn
	ConversationHandle  string
	KnowledgeBaseHandle string
}

// Prompt assembly limits. Oversized segments are truncated, never rejected.
const (
	maxContextChars    = 1500
	maxPersonaChars    = 800
	maxUserTextChars   = 1500
	maxTitleInputChars = 1000
	maxExtractChars    = 1000

	maxResponseTokens = 2000
	maxTitleTokens    = 32
	maxExtractTokens  = 200

	maxTitleWords = 5
)

const formattingDirective = `You are a helpful assistant. Structure your answers with markdown headings and lists where it aids readability. Keep paragraphs short.`

// GenerationService talks to an OpenAI-compatible provider: streaming chat
// completions, title generation, and remote conversation / knowledge base
// handle management.
type GenerationService struct {
	baseURL    string
	apiKey     string
	model      string
	titleModel string
	timeout    time.Duration
	client     *http.Client
	titleCache *cache.Cache
}

// NewGenerationService creates a new generation service
func NewGenerationService(baseURL, apiKey, model, titleModel string, timeout time.Duration) *GenerationService {
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &GenerationService{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		titleModel: titleModel,
		timeout:    timeout,
		// Timeout is enforced per-request via context so the stream wall
		// clock stays configurable.
		client:     &http.Client{},
		titleCache: cache.New(10*time.Minute, 5*time.Minute),
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// buildMessages assembles the capped prompt segments into provider messages:
// directive, then context snapshot, then persona.
func (s *GenerationService) buildMessages(req StreamRequest) []map[string]interface{} {
	system := formattingDirective

	if len(req.ContextSnapshot) > 0 {
		if snapshot, err := json.Marshal(req.ContextSnapshot); err == nil {
			system += "\n\nKnown facts about the user:\n" + truncate(string(snapshot), maxContextChars)
		}
	}

	if persona := strings.TrimSpace(req.PersonaPrompt); persona != "" {
		system += "\n\n" + truncate(persona, maxPersonaChars)
	}

	messages := []map[string]interface{}{
		{"role": "system", "content": system},
	}

	for _, turn := range req.History {
		role := "user"
		if turn.IsAssistant() {
			role = "assistant"
		}
		messages = append(messages, map[string]interface{}{
			"role":    role,
			"content": turn.Text,
		})
	}

	messages = append(messages, map[string]interface{}{
		"role":    "user",
		"content": truncate(req.UserText, maxUserTextChars),
	})

	return messages
}

// Stream starts a streaming completion. Pre-flight failures (bad request,
// connection refused, non-200 status) are returned as an error; once the
// channel is handed out, failures arrive as EventError. The channel is
// finite: it ends with EventCompleted or is truncated by EventError, and is
// closed afterwards. The whole stream runs under a wall-clock bound.
func (s *GenerationService) Stream(ctx context.Context, streamReq StreamRequest) (<-chan StreamEvent, error) {
	if strings.TrimSpace(streamReq.UserText) == "" {
		return nil, &ValidationError{Field: "user_text", Reason: "must not be empty"}
	}

	chatReq := models.ChatRequest{
		Model:        s.model,
		Messages:     s.buildMessages(streamReq),
		Stream:       true,
		MaxTokens:    maxResponseTokens,
		Conversation: streamReq.ConversationHandle,
	}
	if streamReq.KnowledgeBaseHandle != "" {
		chatReq.Tools = []map[string]interface{}{
			{
				"type":               "file_search",
				"knowledge_base_ids": []string{streamReq.KnowledgeBaseHandle},
			},
		}
	}

	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, &UpstreamError{Op: "encode stream request", Err: err}
	}

	streamCtx, cancel := context.WithTimeout(ctx, s.timeout)

	req, err := http.NewRequestWithContext(streamCtx, "POST", s.baseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		cancel()
		return nil, &UpstreamError{Op: "create stream request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		cancel()
		return nil, &UpstreamError{Op: "chat completion", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		log.Printf("⚠️ [GENERATION] API error (status %d): %s", resp.StatusCode, string(errBody))
		return nil, &UpstreamError{Op: "chat completion", Status: resp.StatusCode, Err: fmt.Errorf("%s", string(errBody))}
	}

	events := make(chan StreamEvent, 32)

	go func() {
		defer close(events)
		defer cancel()
		defer resp.Body.Close()

		events <- StreamEvent{Type: EventStarted}

		scanner := bufio.NewScanner(resp.Body)
		// 1MB buffer prevents "token too long" on large SSE chunks
		const maxCapacity = 1024 * 1024
		scanner.Buffer(make([]byte, maxCapacity), maxCapacity)

		var responseHandle string

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				events <- StreamEvent{Type: EventCompleted, ResponseHandle: responseHandle}
				return
			}

			var chunk map[string]interface{}
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}

			if id, ok := chunk["id"].(string); ok && id != "" {
				responseHandle = id
			}

			choices, ok := chunk["choices"].([]interface{})
			if !ok || len(choices) == 0 {
				continue
			}
			choice, ok := choices[0].(map[string]interface{})
			if !ok {
				continue
			}
			delta, ok := choice["delta"].(map[string]interface{})
			if !ok {
				continue
			}

			if content, ok := delta["content"].(string); ok && content != "" {
				events <- StreamEvent{Type: EventTextDelta, Text: content}
			}
		}

		if err := scanner.Err(); err != nil {
			if streamCtx.Err() == context.DeadlineExceeded {
				events <- StreamEvent{Type: EventError, Message: "generation timed out"}
			} else {
				events <- StreamEvent{Type: EventError, Message: "stream interrupted"}
			}
			log.Printf("⚠️ [GENERATION] Stream read failed: %v", err)
			return
		}

		// Stream ended without a [DONE] sentinel; treat as complete anyway
		events <- StreamEvent{Type: EventCompleted, ResponseHandle: responseHandle}
	}()

	return events, nil
}

type completionResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Completion issues a non-streaming chat completion.
func (s *GenerationService) Completion(ctx context.Context, model string, messages []map[string]interface{}, maxTokens int, temperature float64) (string, error) {
	body, err := json.Marshal(models.ChatRequest{
		Model:       model,
		Messages:    messages,
		Stream:      false,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", &UpstreamError{Op: "encode completion request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return "", &UpstreamError{Op: "create completion request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", &UpstreamError{Op: "completion", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		return "", &UpstreamError{Op: "completion", Status: resp.StatusCode, Err: fmt.Errorf("%s", string(errBody))}
	}

	var result completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &UpstreamError{Op: "decode completion", Err: err}
	}
	if len(result.Choices) == 0 {
		return "", &UpstreamError{Op: "completion", Err: fmt.Errorf("no choices in response")}
	}

	return result.Choices[0].Message.Content, nil
}

// Title generates a short room title from a response. Best effort: any
// failure returns the empty string. Repeated calls with the same input are
// deduplicated through a short-lived cache.
func (s *GenerationService) Title(ctx context.Context, responseText string) string {
	input := truncate(strings.TrimSpace(responseText), maxTitleInputChars)
	if input == "" {
		return ""
	}

	if cached, found := s.titleCache.Get(input); found {
		return cached.(string)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	raw, err := s.Completion(ctx, s.titleModel, []map[string]interface{}{
		{"role": "system", "content": "Generate a short, descriptive title (5 words maximum) for this conversation. Respond with only the title, no quotes or punctuation."},
		{"role": "user", "content": input},
	}, maxTitleTokens, 0.7)
	if err != nil {
		log.Printf("⚠️ [TITLE] Generation failed: %v", err)
		return ""
	}

	title := CleanTitle(raw)
	if title != "" {
		s.titleCache.Set(input, title, cache.DefaultExpiration)
	}
	return title
}

// CleanTitle normalizes a raw model title: strips quotes and caps the word
// count.
func CleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	title = strings.Trim(title, `"'`)

	words := strings.Fields(title)
	if len(words) > maxTitleWords {
		words = words[:maxTitleWords]
	}
	return strings.Join(words, " ")
}

// CreateConversationHandle allocates a provider-side conversation.
func (s *GenerationService) CreateConversationHandle(ctx context.Context) (string, error) {
	return s.createHandle(ctx, "/conversations", map[string]interface{}{"model": s.model})
}

// CreateKnowledgeBaseHandle allocates a provider-side knowledge base.
func (s *GenerationService) CreateKnowledgeBaseHandle(ctx context.Context) (string, error) {
	return s.createHandle(ctx, "/knowledge_bases", map[string]interface{}{})
}

func (s *GenerationService) createHandle(ctx context.Context, path string, payload map[string]interface{}) (string, error) {
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return "", &UpstreamError{Op: "create handle request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", &UpstreamError{Op: "create handle", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		errBody, _ := io.ReadAll(resp.Body)
		return "", &UpstreamError{Op: "create handle", Status: resp.StatusCode, Err: fmt.Errorf("%s", string(errBody))}
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &UpstreamError{Op: "decode handle", Err: err}
	}
	if result.ID == "" {
		return "", &UpstreamError{Op: "create handle", Err: fmt.Errorf("provider returned empty id")}
	}
	return result.ID, nil
}

// UploadFile pushes file bytes to the provider and returns its file handle.
func (s *GenerationService) UploadFile(ctx context.Context, name string, data []byte) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return "", &UpstreamError{Op: "build file upload", Err: err}
	}
	if _, err := part.Write(data); err != nil {
		return "", &UpstreamError{Op: "build file upload", Err: err}
	}
	if err := writer.Close(); err != nil {
		return "", &UpstreamError{Op: "build file upload", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/files", &buf)
	if err != nil {
		return "", &UpstreamError{Op: "create file upload request", Err: err}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", &UpstreamError{Op: "upload file", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		errBody, _ := io.ReadAll(resp.Body)
		return "", &UpstreamError{Op: "upload file", Status: resp.StatusCode, Err: fmt.Errorf("%s", string(errBody))}
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &UpstreamError{Op: "decode file upload", Err: err}
	}
	return result.ID, nil
}

// AttachFilesToKnowledgeBase registers uploaded files with a knowledge base.
func (s *GenerationService) AttachFilesToKnowledgeBase(ctx context.Context, kbHandle string, fileHandles []string) error {
	if kbHandle == "" || len(fileHandles) == 0 {
		return nil
	}

	body, _ := json.Marshal(map[string]interface{}{"file_ids": fileHandles})

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/knowledge_bases/"+kbHandle+"/files", bytes.NewBuffer(body))
	if err != nil {
		return &UpstreamError{Op: "create attach request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return &UpstreamError{Op: "attach files", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		errBody, _ := io.ReadAll(resp.Body)
		return &UpstreamError{Op: "attach files", Status: resp.StatusCode, Err: fmt.Errorf("%s", string(errBody))}
	}
	return nil
}
