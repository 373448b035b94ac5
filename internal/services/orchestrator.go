package services

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"mentora/internal/models"
)

// A room's automatic title is only attempted during its first exchanges.
const titleWindowTurns = 2

// How much history rides along with each generation request.
const historyWindowTurns = 20

// StreamGateway is the generation surface the orchestrator drives.
// Satisfied by GenerationService.
type StreamGateway interface {
	Stream(ctx context.Context, req StreamRequest) (<-chan StreamEvent, error)
	Title(ctx context.Context, responseText string) string
}

// FactExtractor mines facts from user messages. Satisfied by
// ExtractionService.
type FactExtractor interface {
	MaybeExtract(ctx context.Context, roomID int64) bool
	Extract(ctx context.Context, userText string) map[string]interface{}
}

// SynthesizedFile describes a generated artifact ready for download.
type SynthesizedFile struct {
	ResourceID int64
	FileName   string
	URL        string
}

// FileSynthesizer renders a response buffer into a downloadable document.
// When kbHandle is non-empty the artifact is also registered with the
// room's knowledge base.
type FileSynthesizer interface {
	Synthesize(ctx context.Context, userID, markdown, format, kbHandle string) (*SynthesizedFile, error)
}

// TurnInput is one incoming chat message.
type TurnInput struct {
	RoomID      int64
	UserID      string
	Text        string
	ResourceIDs []int64
	Action      string // "" or models.ActionGenerateFile
	FileFormat  string // "pdf" or "docx"
}

// StreamOrchestrator drives one chat cycle end to end: persist the user
// turn, feed the knowledge base, stream the response, synthesize files,
// finalize. Events reach clients through the Broadcaster; the orchestrator
// itself never touches a socket.
type StreamOrchestrator struct {
	logSvc      *ConversationLog
	store       *ContextStore
	users       *UserService
	rooms       *RoomService
	specs       *SpecializationService
	gateway     StreamGateway
	extractor   FactExtractor
	synthesizer FileSynthesizer
	broadcaster *Broadcaster
	metrics     *Metrics

	persistentKeys []string
}

// NewStreamOrchestrator wires the chat cycle together. extractor,
// synthesizer and metrics may be nil; the corresponding stages are skipped.
func NewStreamOrchestrator(
	logSvc *ConversationLog,
	store *ContextStore,
	users *UserService,
	rooms *RoomService,
	specs *SpecializationService,
	gateway StreamGateway,
	extractor FactExtractor,
	synthesizer FileSynthesizer,
	broadcaster *Broadcaster,
	metrics *Metrics,
	persistentKeys []string,
) *StreamOrchestrator {
	return &StreamOrchestrator{
		logSvc:         logSvc,
		store:          store,
		users:          users,
		rooms:          rooms,
		specs:          specs,
		gateway:        gateway,
		extractor:      extractor,
		synthesizer:    synthesizer,
		broadcaster:    broadcaster,
		metrics:        metrics,
		persistentKeys: persistentKeys,
	}
}

// ProcessTurn runs one full chat cycle. It blocks until the cycle finishes;
// callers run it on their own goroutine. Once the user turn is durably
// appended, exactly one ai_end event is published on every path out of this
// function, panics included.
func (o *StreamOrchestrator) ProcessTurn(ctx context.Context, in TurnInput) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return
	}

	room, err := o.rooms.GetOwned(ctx, in.RoomID, in.UserID)
	if err != nil {
		o.publishError(in.RoomID, "ownership_violation", "room does not belong to you")
		return
	}

	fileAction := in.Action == models.ActionGenerateFile
	if fileAction && in.FileFormat != "pdf" && in.FileFormat != "docx" {
		o.publishError(in.RoomID, "invalid_request", "file format must be pdf or docx")
		return
	}

	// Saving: the durable user turn comes before everything else.
	started := true
	ended := false
	publishEnd := func() {
		if started && !ended {
			ended = true
			o.broadcaster.Publish(in.RoomID, models.ServerMessage{Type: "ai_end"})
		}
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("🔥 [ORCHESTRATOR] Panic in turn for room %d: %v", in.RoomID, r)
			o.publishError(in.RoomID, "internal_error", "something went wrong")
			if o.metrics != nil {
				o.metrics.TurnPanics.Inc()
			}
		}
		publishEnd()
	}()

	if _, err := o.logSvc.Append(ctx, in.RoomID, &in.UserID, text, in.ResourceIDs); err != nil {
		var violation *OwnershipViolation
		if errors.As(err, &violation) {
			// Warning only; the cycle never really began.
			ended = true
			o.publishError(in.RoomID, "ownership_violation", violation.Error())
			return
		}
		log.Printf("❌ [ORCHESTRATOR] Failed to persist user turn in room %d: %v", in.RoomID, err)
		o.publishError(in.RoomID, "persistence_failed", "could not save your message")
		return
	}
	o.rooms.Touch(ctx, in.RoomID)

	allowMemory := o.users.AllowsMemoryStorage(ctx, in.UserID)

	// MaybeExtracting: feed the knowledge base before snapshotting, so the
	// response can already draw on facts mined from this very message.
	// Failures are absorbed; the remote call runs under its own timeout.
	if o.extractor != nil && allowMemory && o.extractor.MaybeExtract(ctx, in.RoomID) {
		o.extractAndMerge(in.UserID, text)
	}

	// Generating
	var snapshot map[string]interface{}
	if allowMemory {
		if facts, err := o.store.GetValid(ctx, in.UserID); err == nil {
			snapshot = make(map[string]interface{}, len(facts))
			for key, fact := range facts {
				snapshot[key] = fact.Value
			}
		} else {
			log.Printf("⚠️ [ORCHESTRATOR] Context snapshot unavailable for %s: %v", in.UserID, err)
		}
	}

	history := o.recentHistory(ctx, in.RoomID)

	events, err := o.gateway.Stream(ctx, StreamRequest{
		ContextSnapshot:     snapshot,
		PersonaPrompt:       o.personaFor(room),
		UserText:            text,
		History:             history,
		ConversationHandle:  room.ConversationHandle,
		KnowledgeBaseHandle: room.KnowledgeBaseHandle,
	})
	if err != nil {
		log.Printf("❌ [ORCHESTRATOR] Stream start failed for room %d: %v", in.RoomID, err)
		o.publishError(in.RoomID, "upstream_failed", "the assistant is unavailable right now")
		return
	}

	// Streaming
	var buffer strings.Builder
	var responseHandle string
	streamFailed := false

	for ev := range events {
		switch ev.Type {
		case EventStarted:
			o.broadcaster.Publish(in.RoomID, models.ServerMessage{Type: "ai_start"})
		case EventTextDelta:
			buffer.WriteString(ev.Text)
			if !fileAction {
				o.broadcaster.Publish(in.RoomID, models.ServerMessage{Type: "ai_chunk", Content: ev.Text})
			}
		case EventError:
			// Partial output is discarded; an interrupted answer is worse
			// than none.
			log.Printf("⚠️ [ORCHESTRATOR] Stream error in room %d after %d chars: %s", in.RoomID, buffer.Len(), ev.Message)
			buffer.Reset()
			streamFailed = true
			o.publishError(in.RoomID, "stream_interrupted", ev.Message)
		case EventCompleted:
			responseHandle = ev.ResponseHandle
		}
	}

	if streamFailed {
		return
	}

	// FileSynthesis
	var synthesized *SynthesizedFile
	if fileAction && buffer.Len() > 0 && o.synthesizer != nil {
		synthesized = o.synthesize(ctx, in, room, buffer.String())
	}

	// Finalizing
	if buffer.Len() == 0 {
		return
	}

	var resourceIDs []int64
	if synthesized != nil {
		resourceIDs = []int64{synthesized.ResourceID}
	}

	// The live response was already delivered, so the end marker goes out
	// first and the assistant save is best effort.
	publishEnd()

	turn, err := o.logSvc.Append(ctx, in.RoomID, nil, buffer.String(), resourceIDs)
	if err != nil {
		log.Printf("❌ [ORCHESTRATOR] Failed to persist assistant turn in room %d: %v", in.RoomID, err)
	} else if responseHandle != "" {
		if err := o.logSvc.SetResponseHandle(ctx, turn.ID, responseHandle); err != nil {
			log.Printf("⚠️ [ORCHESTRATOR] Failed to record response handle: %v", err)
		}
	}

	if o.metrics != nil {
		o.metrics.TurnsCompleted.Inc()
	}

	// Title runs after the end marker; its failures are invisible.
	o.maybeTitle(ctx, in.RoomID, buffer.String())
}

func (o *StreamOrchestrator) extractAndMerge(userID, text string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("⚠️ [ORCHESTRATOR] Extraction panic for %s: %v", userID, r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	facts := o.extractor.Extract(ctx, text)
	if len(facts) == 0 {
		return
	}

	persistent := make(map[string]bool, len(o.persistentKeys))
	for _, key := range o.persistentKeys {
		persistent[key] = true
	}

	if _, err := o.store.Merge(ctx, userID, facts, models.MergeOptions{
		PersistentKeys: persistent,
		Source:         "extraction",
	}); err != nil {
		log.Printf("⚠️ [ORCHESTRATOR] Fact merge failed for %s: %v", userID, err)
	}
}

// recentHistory returns the turns before the one just appended, bounded to
// the history window.
func (o *StreamOrchestrator) recentHistory(ctx context.Context, roomID int64) []models.Turn {
	history, err := o.logSvc.History(ctx, roomID)
	if err != nil {
		log.Printf("⚠️ [ORCHESTRATOR] History unavailable for room %d: %v", roomID, err)
		return nil
	}
	if len(history) > 0 {
		history = history[:len(history)-1]
	}
	if len(history) > historyWindowTurns {
		history = history[len(history)-historyWindowTurns:]
	}
	return history
}

func (o *StreamOrchestrator) personaFor(room *models.Room) string {
	if o.specs == nil || room.SpecializationID == "" {
		return ""
	}
	return o.specs.PromptFor(room.SpecializationID)
}

func (o *StreamOrchestrator) synthesize(ctx context.Context, in TurnInput, room *models.Room, markdown string) *SynthesizedFile {
	file, err := o.synthesizer.Synthesize(ctx, in.UserID, markdown, in.FileFormat, room.KnowledgeBaseHandle)
	if err != nil {
		// Streamed text stands; only the artifact is lost.
		log.Printf("⚠️ [ORCHESTRATOR] File synthesis failed in room %d: %v", in.RoomID, err)
		o.publishError(in.RoomID, "synthesis_failed", "could not generate the document")
		return nil
	}

	o.broadcaster.Publish(in.RoomID, models.ServerMessage{
		Type:     "ai_file",
		FileURL:  file.URL,
		FileName: file.FileName,
	})
	return file
}

func (o *StreamOrchestrator) maybeTitle(ctx context.Context, roomID int64, responseText string) {
	count, err := o.logSvc.CountSince(ctx, roomID, true)
	if err != nil || count > titleWindowTurns {
		return
	}

	title := o.gateway.Title(ctx, responseText)
	if title == "" {
		return
	}

	renamed, err := o.rooms.RenameIfDefault(ctx, roomID, title)
	if err != nil {
		log.Printf("⚠️ [ORCHESTRATOR] Title rename failed for room %d: %v", roomID, err)
		return
	}
	if renamed {
		o.broadcaster.Publish(roomID, models.ServerMessage{Type: "room_title", Title: title})
	}
}

func (o *StreamOrchestrator) publishError(roomID int64, code, message string) {
	o.broadcaster.Publish(roomID, models.ServerMessage{
		Type:         "error",
		ErrorCode:    code,
		ErrorMessage: message,
	})
	if o.metrics != nil {
		o.metrics.TurnErrors.WithLabelValues(code).Inc()
	}
}
