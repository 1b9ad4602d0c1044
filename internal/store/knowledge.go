package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// KnowledgeDocument is a stored reference document consumed by the knowledge connector.
type KnowledgeDocument struct {
	ID          string    `json:"id"`
	Category    string    `json:"category"`
	Subcategory string    `json:"subcategory,omitempty"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Source      string    `json:"source,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

const knowledgeColumns = `id, category, subcategory, title, content, source, created_at`

func scanKnowledge(row rowScanner) (KnowledgeDocument, error) {
	var d KnowledgeDocument
	err := row.Scan(&d.ID, &d.Category, &d.Subcategory, &d.Title, &d.Content, &d.Source, &d.CreatedAt)
	return d, err
}

// InsertKnowledgeDocument stores a document and returns it with its id.
func (s *Store) InsertKnowledgeDocument(ctx context.Context, d KnowledgeDocument) (KnowledgeDocument, error) {
	if strings.TrimSpace(d.Title) == "" || strings.TrimSpace(d.Content) == "" {
		return KnowledgeDocument{}, fmt.Errorf("knowledge document title and content required")
	}
	out, err := scanKnowledge(s.DB.QueryRowContext(ctx, `
INSERT INTO knowledge_documents (category, subcategory, title, content, source)
VALUES ($1,$2,$3,$4,$5)
RETURNING `+knowledgeColumns, d.Category, d.Subcategory, d.Title, d.Content, d.Source))
	if err != nil {
		return KnowledgeDocument{}, fmt.Errorf("insert knowledge document: %w", err)
	}
	return out, nil
}

// ListKnowledgeDocuments returns up to limit documents, newest first.
func (s *Store) ListKnowledgeDocuments(ctx context.Context, limit int) ([]KnowledgeDocument, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+knowledgeColumns+` FROM knowledge_documents ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list knowledge documents: %w", err)
	}
	defer rows.Close()
	var out []KnowledgeDocument
	for rows.Next() {
		d, err := scanKnowledge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan knowledge document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SearchKnowledge is a substring match over title, content and category, used when the index is unavailable.
func (s *Store) SearchKnowledge(ctx context.Context, text string, limit int) ([]KnowledgeDocument, error) {
	if limit <= 0 {
		limit = 5
	}
	pattern := "%" + escapeLike(strings.TrimSpace(text)) + "%"
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+knowledgeColumns+`
FROM knowledge_documents
WHERE title ILIKE $1 OR content ILIKE $1 OR category ILIKE $1
ORDER BY created_at DESC
LIMIT $2`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	defer rows.Close()
	var out []KnowledgeDocument
	for rows.Next() {
		d, err := scanKnowledge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan knowledge document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
