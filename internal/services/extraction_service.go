package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// A room stops feeding the knowledge base once it has this many assistant
// turns. Early turns carry the introductions; later ones are mostly noise.
const bootstrapWindowTurns = 5

// CompletionClient is the slice of the generation provider that extraction
// needs. Satisfied by GenerationService.
type CompletionClient interface {
	Completion(ctx context.Context, model string, messages []map[string]interface{}, maxTokens int, temperature float64) (string, error)
}

const extractionInstruction = `Extract stable facts about the user from their message. Respond with ONLY a flat JSON object: short lowercase snake_case keys, simple values. Example: {"name":"Ada","favorite_language":"go"}. Respond with {} when there is nothing worth keeping.`

// ExtractionService mines user messages for facts during a room's bootstrap
// window. Every failure mode degrades to an empty mapping; extraction is
// never allowed to break a chat cycle.
type ExtractionService struct {
	client CompletionClient
	logSvc *ConversationLog
	model  string

	limiter *rate.Limiter
	dedupe  *cache.Cache
}

// NewExtractionService creates a new extraction service
func NewExtractionService(client CompletionClient, logSvc *ConversationLog, model string) *ExtractionService {
	return &ExtractionService{
		client:  client,
		logSvc:  logSvc,
		model:   model,
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 5),
		dedupe:  cache.New(5*time.Minute, 10*time.Minute),
	}
}

// MaybeExtract reports whether the room is still inside the bootstrap
// window. Errors count as outside the window.
func (s *ExtractionService) MaybeExtract(ctx context.Context, roomID int64) bool {
	count, err := s.logSvc.CountSince(ctx, roomID, true)
	if err != nil {
		log.Printf("⚠️ [EXTRACTION] Failed to count assistant turns for room %d: %v", roomID, err)
		return false
	}
	return count < bootstrapWindowTurns
}

// Extract asks the model for a flat fact mapping from one user message.
// Returns an empty (never nil) map on any failure: throttled, duplicate
// input, network error, malformed or non-object output.
func (s *ExtractionService) Extract(ctx context.Context, userText string) map[string]interface{} {
	empty := map[string]interface{}{}

	input := truncate(strings.TrimSpace(userText), maxExtractChars)
	if input == "" {
		return empty
	}

	key := dedupeKey(input)
	if _, seen := s.dedupe.Get(key); seen {
		log.Printf("⏭️ [EXTRACTION] Duplicate input, skipping")
		return empty
	}

	if !s.limiter.Allow() {
		log.Printf("⏳ [EXTRACTION] Throttled, skipping")
		return empty
	}

	raw, err := s.client.Completion(ctx, s.model, []map[string]interface{}{
		{"role": "system", "content": extractionInstruction},
		{"role": "user", "content": input},
	}, maxExtractTokens, 0)
	if err != nil {
		log.Printf("⚠️ [EXTRACTION] Model call failed: %v", err)
		return empty
	}

	s.dedupe.Set(key, true, cache.DefaultExpiration)

	facts := parseFactObject(raw)
	if len(facts) > 0 {
		log.Printf("🧠 [EXTRACTION] Extracted %d facts", len(facts))
	}
	return facts
}

// parseFactObject decodes model output into a flat fact map. Models wrap
// JSON in code fences often enough that we strip them first.
func parseFactObject(raw string) map[string]interface{} {
	empty := map[string]interface{}{}

	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	if cleaned == "" || !strings.HasPrefix(cleaned, "{") {
		return empty
	}

	var facts map[string]interface{}
	if err := json.Unmarshal([]byte(cleaned), &facts); err != nil {
		log.Printf("⚠️ [EXTRACTION] Malformed JSON from model, discarding")
		return empty
	}

	// Fact values are scalars, flat arrays of scalars, or {value,priority}
	// wrappers. Deeper nesting is discarded.
	for key, value := range facts {
		switch v := value.(type) {
		case map[string]interface{}:
			if _, ok := v["value"]; !ok {
				delete(facts, key)
			}
		case []interface{}:
			if !isScalarArray(v) {
				delete(facts, key)
			}
		}
	}
	return facts
}

func isScalarArray(items []interface{}) bool {
	for _, item := range items {
		switch item.(type) {
		case map[string]interface{}, []interface{}:
			return false
		}
	}
	return true
}

func dedupeKey(input string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(input)))
	return hex.EncodeToString(sum[:])
}
