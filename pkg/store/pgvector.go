package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/xhad/papyrus/internal/models"
)

type PGConfig struct {
	ConnString string
	VectorDim  int
}

// PGStore is the pgvector-backed Store. The schema is created on
// startup; cosine distance (<=>) drives similarity search and chunk
// replacement runs delete-then-insert inside one transaction so readers
// never observe a half-replaced document.
type PGStore struct {
	config PGConfig
	pool   *pgxpool.Pool
}

func NewPG(ctx context.Context, config PGConfig) (*PGStore, error) {
	if config.VectorDim == 0 {
		config.VectorDim = 768
	}

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &PGStore{config: config, pool: pool}
	if err := s.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGStore) initialize(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			total_pages INTEGER NOT NULL DEFAULT 0,
			chunk_count INTEGER NOT NULL DEFAULT 0,
			image_count INTEGER NOT NULL DEFAULT 0,
			table_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			page INTEGER NOT NULL,
			embedding vector(%d) NOT NULL
		)`, s.config.VectorDim),
		`CREATE TABLE IF NOT EXISTS media (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			page INTEGER NOT NULL,
			locator TEXT NOT NULL,
			caption TEXT NOT NULL DEFAULT '',
			row_count INTEGER NOT NULL DEFAULT 0,
			column_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS chunk_media (
			chunk_id TEXT NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
			media_id TEXT NOT NULL REFERENCES media(id) ON DELETE CASCADE,
			PRIMARY KEY (chunk_id, media_id)
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			document_id TEXT REFERENCES documents(id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			sources JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (conversation_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS chunks_document_idx ON chunks (document_id, chunk_index)`,
		`CREATE INDEX IF NOT EXISTS chunks_embedding_idx ON chunks
			USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func (s *PGStore) CreateDocument(ctx context.Context, doc models.Document) error {
	status := doc.Status
	if status == "" {
		status = models.StatusPending
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, filename, source, status) VALUES ($1, $2, $3, $4)`,
		doc.ID, doc.Filename, doc.Source, status)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

const documentColumns = `id, filename, source, status, error_message, total_pages,
	chunk_count, image_count, table_count, created_at, updated_at`

func scanDocument(row pgx.Row) (models.Document, error) {
	var doc models.Document
	err := row.Scan(&doc.ID, &doc.Filename, &doc.Source, &doc.Status, &doc.ErrorMessage,
		&doc.TotalPages, &doc.ChunkCount, &doc.ImageCount, &doc.TableCount,
		&doc.CreatedAt, &doc.UpdatedAt)
	return doc, err
}

func (s *PGStore) GetDocument(ctx context.Context, id string) (models.Document, error) {
	doc, err := scanDocument(s.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Document{}, fmt.Errorf("document %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("failed to query document: %w", err)
	}
	return doc, nil
}

func (s *PGStore) ListDocuments(ctx context.Context) ([]models.Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+documentColumns+` FROM documents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *PGStore) ClaimDocument(ctx context.Context, id string) (bool, error) {
	// The conditional update is the compare-and-set that keeps
	// processing jobs at most one per document.
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET status = $1, error_message = '', updated_at = now()
		 WHERE id = $2 AND status <> $1`,
		models.StatusProcessing, id)
	if err != nil {
		return false, fmt.Errorf("failed to claim document: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetDocument(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PGStore) MarkDocumentError(ctx context.Context, id, message string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET status = $1, error_message = $2, updated_at = now() WHERE id = $3`,
		models.StatusError, message, id)
	if err != nil {
		return fmt.Errorf("failed to mark document error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (s *PGStore) MarkDocumentCompleted(ctx context.Context, id string, pages, chunks, images, tables int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET status = $1, error_message = '', total_pages = $2,
			chunk_count = $3, image_count = $4, table_count = $5, updated_at = now()
		 WHERE id = $6`,
		models.StatusCompleted, pages, chunks, images, tables, id)
	if err != nil {
		return fmt.Errorf("failed to mark document completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (s *PGStore) DeleteDocument(ctx context.Context, id string) error {
	// Cascades to chunks, media, links and scoped conversations.
	// Deleting an absent document is a no-op.
	if _, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

func (s *PGStore) ReplaceDocumentContent(ctx context.Context, documentID string, chunks []models.Chunk, media []models.MediaElement, links []models.ChunkMediaLink) error {
	for _, ch := range chunks {
		if len(ch.Embedding) != s.config.VectorDim {
			return fmt.Errorf("%w: chunk %d has %d dimensions, want %d",
				models.ErrDimensionMismatch, ch.Index, len(ch.Embedding), s.config.VectorDim)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("failed to delete prior chunks: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM media WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("failed to delete prior media: %w", err)
	}

	for _, ch := range chunks {
		_, err := tx.Exec(ctx,
			`INSERT INTO chunks (id, document_id, chunk_index, content, page, embedding)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			ch.ID, documentID, ch.Index, ch.Content, ch.Page, pgvector.NewVector(ch.Embedding))
		if err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", ch.Index, err)
		}
	}
	for _, m := range media {
		_, err := tx.Exec(ctx,
			`INSERT INTO media (id, document_id, kind, page, locator, caption, row_count, column_count)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			m.ID, documentID, m.Kind, m.Page, m.Locator, m.Caption, m.Rows, m.Columns)
		if err != nil {
			return fmt.Errorf("failed to insert media element: %w", err)
		}
	}
	for _, link := range links {
		_, err := tx.Exec(ctx,
			`INSERT INTO chunk_media (chunk_id, media_id) VALUES ($1, $2)`,
			link.ChunkID, link.MediaID)
		if err != nil {
			return fmt.Errorf("failed to insert chunk-media link: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit content replacement: %w", err)
	}
	return nil
}

func (s *PGStore) ChunksByDocument(ctx context.Context, documentID string) ([]models.Chunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, document_id, chunk_index, content, page, embedding
		 FROM chunks WHERE document_id = $1 ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.Chunk
	for rows.Next() {
		var (
			ch  models.Chunk
			vec pgvector.Vector
		)
		if err := rows.Scan(&ch.ID, &ch.DocumentID, &ch.Index, &ch.Content, &ch.Page, &vec); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		ch.Embedding = vec.Slice()
		chunks = append(chunks, ch)
	}
	return chunks, rows.Err()
}

const mediaColumns = `id, document_id, kind, page, locator, caption, row_count, column_count`

func (s *PGStore) MediaByDocument(ctx context.Context, documentID string) ([]models.MediaElement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+mediaColumns+` FROM media WHERE document_id = $1 ORDER BY page, locator`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query media: %w", err)
	}
	defer rows.Close()

	var elems []models.MediaElement
	for rows.Next() {
		var m models.MediaElement
		if err := rows.Scan(&m.ID, &m.DocumentID, &m.Kind, &m.Page, &m.Locator, &m.Caption, &m.Rows, &m.Columns); err != nil {
			return nil, fmt.Errorf("failed to scan media: %w", err)
		}
		elems = append(elems, m)
	}
	return elems, rows.Err()
}

func (s *PGStore) ReplaceLinks(ctx context.Context, documentID string, links []models.ChunkMediaLink) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`DELETE FROM chunk_media USING chunks
		 WHERE chunk_media.chunk_id = chunks.id AND chunks.document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("failed to clear links: %w", err)
	}
	for _, link := range links {
		_, err := tx.Exec(ctx,
			`INSERT INTO chunk_media (chunk_id, media_id) VALUES ($1, $2)`,
			link.ChunkID, link.MediaID)
		if err != nil {
			return fmt.Errorf("failed to insert link: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit links: %w", err)
	}
	return nil
}

func (s *PGStore) MediaForChunks(ctx context.Context, chunkIDs []string) (map[string][]models.MediaElement, error) {
	if len(chunkIDs) == 0 {
		return map[string][]models.MediaElement{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT cm.chunk_id, m.id, m.document_id, m.kind, m.page, m.locator, m.caption, m.row_count, m.column_count
		 FROM chunk_media cm JOIN media m ON m.id = cm.media_id
		 WHERE cm.chunk_id = ANY($1)
		 ORDER BY m.page, m.locator`, chunkIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query linked media: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]models.MediaElement)
	for rows.Next() {
		var (
			chunkID string
			m       models.MediaElement
		)
		if err := rows.Scan(&chunkID, &m.ID, &m.DocumentID, &m.Kind, &m.Page, &m.Locator, &m.Caption, &m.Rows, &m.Columns); err != nil {
			return nil, fmt.Errorf("failed to scan linked media: %w", err)
		}
		out[chunkID] = append(out[chunkID], m)
	}
	return out, rows.Err()
}

func (s *PGStore) SimilaritySearch(ctx context.Context, query []float32, documentID string, k int) ([]models.ScoredChunk, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive", models.ErrConfiguration)
	}
	if len(query) != s.config.VectorDim {
		return nil, fmt.Errorf("%w: query has %d dimensions, want %d",
			models.ErrDimensionMismatch, len(query), s.config.VectorDim)
	}

	vec := pgvector.NewVector(query)
	sql := `SELECT id, document_id, chunk_index, content, page,
			1 - (embedding <=> $1) AS score
		FROM chunks`
	args := []any{vec}
	if documentID != "" {
		sql += ` WHERE document_id = $2`
		args = append(args, documentID)
	}
	sql += fmt.Sprintf(` ORDER BY embedding <=> $1, chunk_index LIMIT %d`, k)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run similarity search: %w", err)
	}
	defer rows.Close()

	var out []models.ScoredChunk
	for rows.Next() {
		var sc models.ScoredChunk
		if err := rows.Scan(&sc.ID, &sc.DocumentID, &sc.Index, &sc.Content, &sc.Page, &sc.Score); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		if sc.Score < 0 {
			sc.Score = 0
		}
		if sc.Score > 1 {
			sc.Score = 1
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *PGStore) CreateConversation(ctx context.Context, conv models.Conversation) error {
	var docID *string
	if conv.DocumentID != "" {
		docID = &conv.DocumentID
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, title, document_id) VALUES ($1, $2, $3)`,
		conv.ID, conv.Title, docID)
	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}
	return nil
}

func (s *PGStore) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	var (
		conv  models.Conversation
		docID *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, document_id, created_at, updated_at FROM conversations WHERE id = $1`, id).
		Scan(&conv.ID, &conv.Title, &docID, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to query conversation: %w", err)
	}
	if docID != nil {
		conv.DocumentID = *docID
	}
	return conv, nil
}

func (s *PGStore) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, document_id, created_at, updated_at FROM conversations ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		var (
			conv  models.Conversation
			docID *string
		)
		if err := rows.Scan(&conv.ID, &conv.Title, &docID, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		if docID != nil {
			conv.DocumentID = *docID
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

func (s *PGStore) DeleteConversation(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

func (s *PGStore) MessagesByConversation(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, seq, role, content, sources, created_at
		 FROM messages WHERE conversation_id = $1 ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var (
			msg models.Message
			raw []byte
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Seq, &msg.Role, &msg.Content, &raw, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &msg.Sources); err != nil {
				return nil, fmt.Errorf("failed to decode sources: %w", err)
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *PGStore) AppendTurn(ctx context.Context, conversationID string, user, assistant models.Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the conversation row so concurrent appends cannot interleave
	// sequence numbers.
	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM conversations WHERE id = $1 FOR UPDATE`, conversationID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("conversation %s: %w", conversationID, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock conversation: %w", err)
	}

	var next int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM messages WHERE conversation_id = $1`,
		conversationID).Scan(&next); err != nil {
		return fmt.Errorf("failed to compute message sequence: %w", err)
	}

	insert := func(msg models.Message, seq int) error {
		var raw []byte
		if len(msg.Sources) > 0 {
			raw, err = json.Marshal(msg.Sources)
			if err != nil {
				return fmt.Errorf("failed to encode sources: %w", err)
			}
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO messages (id, conversation_id, seq, role, content, sources)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			msg.ID, conversationID, seq, msg.Role, msg.Content, raw)
		return err
	}
	if err := insert(user, next); err != nil {
		return fmt.Errorf("failed to insert user message: %w", err)
	}
	if err := insert(assistant, next+1); err != nil {
		return fmt.Errorf("failed to insert assistant message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE conversations SET updated_at = now() WHERE id = $1`, conversationID); err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit turn: %w", err)
	}
	return nil
}

func (s *PGStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
