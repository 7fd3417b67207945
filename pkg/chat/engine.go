package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"

	"github.com/xhad/papyrus/internal/models"
	"github.com/xhad/papyrus/internal/types"
	"github.com/xhad/papyrus/pkg/retry"
)

const defaultSystemTemplate = `You are a helpful document assistant that answers questions based on the provided document context.

Key guidelines:
1. Answer questions accurately based on the document content provided
2. If relevant images or tables are available, mention them in your response
3. If you are not sure about something, say so rather than making up information
4. Keep responses concise but informative
5. Use the conversation history to maintain context for follow-up questions`

// noContextMarker is sent to the model when retrieval finds nothing, so
// it can answer from general knowledge or decline gracefully instead of
// the engine short-circuiting.
const noContextMarker = "No relevant context found in the document."

type EngineConfig struct {
	HistoryTurns     int     // most recent turns fed back to the model
	TopK             int     // retrieval depth per turn
	Temperature      float64 //
	MaxTokens        int     //
	HistoryCharLimit int     // per-message cap when replaying history
	ContextCharLimit int     // per-source cap in the prompt
	SourceCharLimit  int     // per-source cap in persisted citations
	MaxImages        int     // image citations per answer
	MaxTables        int     // table citations per answer
	Timeout          time.Duration
	Retry            retry.Policy
	SystemTemplate   string
}

// Engine runs one chat turn end to end: conversation resolution,
// bounded history, retrieval, prompt assembly, a single-shot completion
// and the atomic append of both turn messages. Turns for the same
// conversation are rejected while one is in flight; different
// conversations proceed in parallel.
type Engine struct {
	config    EngineConfig
	model     llms.Model
	retriever types.Retriever
	store     types.Store

	mu     sync.Mutex
	active map[string]bool
}

type Result struct {
	ConversationID string
	MessageID      string
	Answer         string
	Sources        []models.Source
	Elapsed        time.Duration
}

func NewWithConfig(config EngineConfig, model llms.Model, ret types.Retriever, store types.Store) (*Engine, error) {
	if model == nil || ret == nil || store == nil {
		return nil, fmt.Errorf("%w: model, retriever and store are required", models.ErrConfiguration)
	}
	if config.HistoryTurns == 0 {
		config.HistoryTurns = 5
	}
	if config.TopK == 0 {
		config.TopK = 5
	}
	if config.TopK < 0 || config.HistoryTurns < 0 {
		return nil, fmt.Errorf("%w: history turns and top-k must be positive", models.ErrConfiguration)
	}
	if config.Temperature == 0 {
		config.Temperature = 0.7
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 1000
	}
	if config.HistoryCharLimit == 0 {
		config.HistoryCharLimit = 1000
	}
	if config.ContextCharLimit == 0 {
		config.ContextCharLimit = 500
	}
	if config.SourceCharLimit == 0 {
		config.SourceCharLimit = 300
	}
	if config.MaxImages == 0 {
		config.MaxImages = 3
	}
	if config.MaxTables == 0 {
		config.MaxTables = 2
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = retry.Default()
	}
	if config.SystemTemplate == "" {
		config.SystemTemplate = defaultSystemTemplate
	}

	return &Engine{
		config:    config,
		model:     model,
		retriever: ret,
		store:     store,
		active:    make(map[string]bool),
	}, nil
}

// Answer runs one turn. conversationID may be empty, in which case a
// conversation is created lazily, scoped to documentID if given. On any
// failure nothing is persisted and the caller gets a distinguishable
// error; on success both turn messages are stored as one append.
func (e *Engine) Answer(ctx context.Context, messageText, conversationID, documentID string) (Result, error) {
	started := time.Now()

	if documentID != "" {
		if err := e.ensureDocumentReady(ctx, documentID); err != nil {
			return Result{}, err
		}
	}

	conv, err := e.resolveConversation(ctx, messageText, conversationID, documentID)
	if err != nil {
		return Result{}, err
	}
	// A conversation-scoped document gets the same readiness gate: it
	// may have been deleted or re-entered processing since the
	// conversation was created.
	if documentID == "" && conv.DocumentID != "" {
		documentID = conv.DocumentID
		if err := e.ensureDocumentReady(ctx, documentID); err != nil {
			return Result{}, err
		}
	}

	if !e.acquire(conv.ID) {
		return Result{}, fmt.Errorf("conversation %s: %w", conv.ID, models.ErrBusy)
	}
	defer e.release(conv.ID)

	t := newTurn()
	t.advance(TurnRetrieving)

	history, err := e.store.MessagesByConversation(ctx, conv.ID)
	if err != nil {
		t.fail()
		return Result{}, err
	}
	if keep := e.config.HistoryTurns * 2; len(history) > keep {
		history = history[len(history)-keep:]
	}

	sources, err := e.retriever.Retrieve(ctx, messageText, documentID, e.config.TopK)
	if err != nil {
		t.fail()
		return Result{}, err
	}
	sources = e.capMedia(sources)

	t.advance(TurnGenerating)

	answer, err := e.generate(ctx, messageText, sources, history)
	if err != nil {
		t.fail()
		return Result{}, err
	}

	assistantID := uuid.New().String()
	userMsg := models.Message{
		ID:      uuid.New().String(),
		Role:    models.RoleUser,
		Content: messageText,
	}
	assistantMsg := models.Message{
		ID:      assistantID,
		Role:    models.RoleAssistant,
		Content: answer,
		Sources: e.citations(sources),
	}
	if err := e.store.AppendTurn(ctx, conv.ID, userMsg, assistantMsg); err != nil {
		t.fail()
		return Result{}, err
	}

	t.advance(TurnCompleted)
	return Result{
		ConversationID: conv.ID,
		MessageID:      assistantID,
		Answer:         answer,
		Sources:        assistantMsg.Sources,
		Elapsed:        time.Since(started),
	}, nil
}

func (e *Engine) ensureDocumentReady(ctx context.Context, documentID string) error {
	doc, err := e.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.Status != models.StatusCompleted {
		return fmt.Errorf("document %s has status %s: %w",
			documentID, doc.Status, models.ErrDocumentNotReady)
	}
	return nil
}

func (e *Engine) resolveConversation(ctx context.Context, messageText, conversationID, documentID string) (models.Conversation, error) {
	if conversationID != "" {
		return e.store.GetConversation(ctx, conversationID)
	}
	conv := models.Conversation{
		ID:         uuid.New().String(),
		Title:      truncate(messageText, 50),
		DocumentID: documentID,
	}
	if err := e.store.CreateConversation(ctx, conv); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

func (e *Engine) acquire(conversationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[conversationID] {
		return false
	}
	e.active[conversationID] = true
	return true
}

func (e *Engine) release(conversationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, conversationID)
}

// capMedia bounds the media citations per answer while keeping order.
func (e *Engine) capMedia(sources []models.Source) []models.Source {
	images, tables := 0, 0
	out := sources[:0:0]
	for _, src := range sources {
		switch src.Kind {
		case models.SourceImage:
			if images >= e.config.MaxImages {
				continue
			}
			images++
		case models.SourceTable:
			if tables >= e.config.MaxTables {
				continue
			}
			tables++
		}
		out = append(out, src)
	}
	return out
}

func (e *Engine) generate(ctx context.Context, messageText string, sources []models.Source, history []models.Message) (string, error) {
	content := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, e.systemPrompt(sources)),
	}
	for _, msg := range history {
		role := llms.ChatMessageTypeHuman
		if msg.Role == models.RoleAssistant {
			role = llms.ChatMessageTypeAI
		}
		content = append(content, llms.TextParts(role, truncate(msg.Content, e.config.HistoryCharLimit)))
	}
	content = append(content, llms.TextParts(llms.ChatMessageTypeHuman, e.userPrompt(messageText, sources)))

	var response *llms.ContentResponse
	err := e.config.Retry.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()

		resp, err := e.model.GenerateContent(callCtx, content,
			llms.WithTemperature(e.config.Temperature),
			llms.WithMaxTokens(e.config.MaxTokens))
		if err != nil {
			return err
		}
		if resp == nil || len(resp.Choices) == 0 {
			return fmt.Errorf("model returned no choices")
		}
		response = resp
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: chat completion failed after %d attempts: %v",
			models.ErrProviderUnavailable, e.config.Retry.MaxAttempts, err)
	}
	return response.Choices[0].Content, nil
}

func (e *Engine) systemPrompt(sources []models.Source) string {
	prompt := e.config.SystemTemplate
	images, tables := countMedia(sources)
	if images > 0 {
		prompt += fmt.Sprintf("\n\nNote: %d relevant image(s) will be displayed with your response.", images)
	}
	if tables > 0 {
		prompt += fmt.Sprintf("\n\nNote: %d relevant table(s) will be displayed with your response.", tables)
	}
	return prompt
}

func (e *Engine) userPrompt(messageText string, sources []models.Source) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Based on the following document context, please answer this question: %s\n\n", messageText)
	b.WriteString("--- DOCUMENT CONTEXT ---\n")
	b.WriteString(e.contextText(sources))
	b.WriteString("\n--- END CONTEXT ---")

	var images, tables []models.Source
	for _, src := range sources {
		switch src.Kind {
		case models.SourceImage:
			images = append(images, src)
		case models.SourceTable:
			tables = append(tables, src)
		}
	}
	if len(images) > 0 {
		b.WriteString("\n\nAvailable images:")
		for _, img := range images {
			fmt.Fprintf(&b, "\n- %s (Page %d)", captionOr(img.Caption), img.Page)
		}
	}
	if len(tables) > 0 {
		b.WriteString("\n\nAvailable tables:")
		for _, tbl := range tables {
			fmt.Fprintf(&b, "\n- %s (Page %d, %dx%d)", captionOr(tbl.Caption), tbl.Page, tbl.Rows, tbl.Columns)
		}
	}

	b.WriteString("\n\nPlease provide a helpful answer, referencing the images and tables when relevant.")
	return b.String()
}

func (e *Engine) contextText(sources []models.Source) string {
	var parts []string
	n := 0
	for _, src := range sources {
		if src.Kind != models.SourceText {
			continue
		}
		n++
		parts = append(parts, fmt.Sprintf("[Source %d, Page %d, Relevance: %.2f]\n%s",
			n, src.Page, src.Score, truncate(src.Content, e.config.ContextCharLimit)))
	}
	if len(parts) == 0 {
		return noContextMarker
	}
	return strings.Join(parts, "\n\n")
}

// citations is the persisted form of the retrieved sources, with text
// content truncated for the citation payload.
func (e *Engine) citations(sources []models.Source) []models.Source {
	out := make([]models.Source, len(sources))
	for i, src := range sources {
		if src.Kind == models.SourceText {
			src.Content = truncate(src.Content, e.config.SourceCharLimit)
		}
		out[i] = src
	}
	return out
}

func countMedia(sources []models.Source) (images, tables int) {
	for _, src := range sources {
		switch src.Kind {
		case models.SourceImage:
			images++
		case models.SourceTable:
			tables++
		}
	}
	return images, tables
}

func captionOr(caption string) string {
	if caption == "" {
		return "No caption"
	}
	return caption
}

// truncate caps s at limit bytes, backing off to the previous rune
// boundary so a cap never leaves invalid UTF-8 at the edge.
func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
