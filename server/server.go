package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xhad/papyrus/internal/models"
	"github.com/xhad/papyrus/internal/types"
	"github.com/xhad/papyrus/pkg/chat"
	"github.com/xhad/papyrus/pkg/pipeline"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Be careful with this in production
	},
}

// Server is the transport facade: JSON over HTTP for document and
// conversation management, a WebSocket for chat. All semantics live in
// the pipeline and the chat engine; handlers only translate.
type Server struct {
	store    types.Store
	pipeline *pipeline.Pipeline
	engine   *chat.Engine
}

func New(store types.Store, p *pipeline.Pipeline, engine *chat.Engine) *Server {
	return &Server{store: store, pipeline: p, engine: engine}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /documents", s.handleIngest)
	mux.HandleFunc("GET /documents", s.handleListDocuments)
	mux.HandleFunc("GET /documents/{id}", s.handleGetDocument)
	mux.HandleFunc("POST /documents/{id}/retry", s.handleRetry)
	mux.HandleFunc("DELETE /documents/{id}", s.handleDeleteDocument)

	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /conversations", s.handleListConversations)
	mux.HandleFunc("GET /conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("DELETE /conversations/{id}", s.handleDeleteConversation)

	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return mux
}

func (s *Server) ListenAndServe(addr string) error {
	log.Printf("Starting server on %s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

type ingestRequest struct {
	Filename string `json:"filename"`
	Source   string `json:"source"`
}

type documentResponse struct {
	ID           string    `json:"id"`
	Filename     string    `json:"filename"`
	Source       string    `json:"source"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	TotalPages   int       `json:"total_pages"`
	ChunkCount   int       `json:"chunk_count"`
	ImageCount   int       `json:"image_count"`
	TableCount   int       `json:"table_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toDocumentResponse(doc models.Document) documentResponse {
	return documentResponse{
		ID:           doc.ID,
		Filename:     doc.Filename,
		Source:       doc.Source,
		Status:       string(doc.Status),
		ErrorMessage: doc.ErrorMessage,
		TotalPages:   doc.TotalPages,
		ChunkCount:   doc.ChunkCount,
		ImageCount:   doc.ImageCount,
		TableCount:   doc.TableCount,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Source == "" {
		writeError(w, http.StatusBadRequest, "source is required")
		return
	}
	if req.Filename == "" {
		req.Filename = req.Source
	}

	doc := models.Document{ID: uuid.New().String(), Filename: req.Filename, Source: req.Source}
	if err := s.store.CreateDocument(r.Context(), doc); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.pipeline.Start(r.Context(), doc.ID, req.Source); err != nil {
		s.writeStoreError(w, err)
		return
	}

	created, err := s.store.GetDocument(r.Context(), doc.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toDocumentResponse(created))
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.store.ListDocuments(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	out := make([]documentResponse, len(docs))
	for i, doc := range docs {
		out[i] = toDocumentResponse(doc)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentResponse(doc))
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	doc, err := s.store.GetDocument(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	// Retries re-extract from the stored ingest source, not the display
	// filename.
	source := doc.Source
	if source == "" {
		source = doc.Filename
	}
	if err := s.pipeline.Start(r.Context(), id, source); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(models.StatusProcessing)})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	DocumentID     string `json:"document_id,omitempty"`
}

type chatResponse struct {
	ConversationID string          `json:"conversation_id"`
	MessageID      string          `json:"message_id"`
	Answer         string          `json:"answer"`
	Sources        []models.Source `json:"sources,omitempty"`
	ElapsedMs      int64           `json:"elapsed_ms"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	result, err := s.engine.Answer(r.Context(), req.Message, req.ConversationID, req.DocumentID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{
		ConversationID: result.ConversationID,
		MessageID:      result.MessageID,
		Answer:         result.Answer,
		Sources:        result.Sources,
		ElapsedMs:      result.Elapsed.Milliseconds(),
	})
}

type conversationResponse struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	DocumentID string    `json:"document_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type messageResponse struct {
	ID        string          `json:"id"`
	Seq       int             `json:"seq"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Sources   []models.Source `json:"sources,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.ListConversations(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	out := make([]conversationResponse, len(convs))
	for i, conv := range convs {
		out[i] = conversationResponse{
			ID:         conv.ID,
			Title:      conv.Title,
			DocumentID: conv.DocumentID,
			CreatedAt:  conv.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	msgs, err := s.store.MessagesByConversation(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	out := make([]messageResponse, len(msgs))
	for i, msg := range msgs {
		out[i] = messageResponse{
			ID:        msg.ID,
			Seq:       msg.Seq,
			Role:      string(msg.Role),
			Content:   msg.Content,
			Sources:   msg.Sources,
			CreatedAt: msg.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": conversationResponse{
			ID:         conv.ID,
			Title:      conv.Title,
			DocumentID: conv.DocumentID,
			CreatedAt:  conv.CreatedAt,
		},
		"messages": out,
	})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteConversation(r.Context(), r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// wsMessage is the frame format on the chat socket, both directions.
type wsMessage struct {
	Type           string `json:"type"`
	Content        string `json:"content"`
	ConversationID string `json:"conversation_id,omitempty"`
	DocumentID     string `json:"document_id,omitempty"`
	Data           any    `json:"data,omitempty"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("Error reading message: %v", err)
			}
			return
		}
		if msg.Type != "chat" || msg.Content == "" {
			s.sendWS(conn, wsMessage{Type: "error", Content: "expected a chat message"})
			continue
		}

		result, err := s.engine.Answer(r.Context(), msg.Content, msg.ConversationID, msg.DocumentID)
		if err != nil {
			s.sendWS(conn, wsMessage{Type: "error", Content: err.Error()})
			continue
		}
		s.sendWS(conn, wsMessage{
			Type:           "response",
			Content:        result.Answer,
			ConversationID: result.ConversationID,
			Data:           result.Sources,
		})
	}
}

func (s *Server) sendWS(conn *websocket.Conn, msg wsMessage) {
	if err := conn.WriteJSON(msg); err != nil {
		log.Printf("Error sending message: %v", err)
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrBusy), errors.Is(err, models.ErrDocumentNotReady):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrConfiguration):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrProviderUnavailable):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
