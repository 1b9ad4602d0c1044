// Package knowledge serves reference snippets to agents. Documents live in Postgres and are
// mirrored into an in-memory full text index; queries fall back to a database substring
// search when the index is empty or fails.
package knowledge

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mohammad-safakhou/hive/internal/store"
	"go.uber.org/zap"
)

// Snippet is one query hit.
type Snippet struct {
	ID       string  `json:"id,omitempty"`
	Title    string  `json:"title"`
	Category string  `json:"category"`
	Content  string  `json:"content"`
	Score    float64 `json:"score,omitempty"`
}

// DocumentStore is the persistence the connector needs.
type DocumentStore interface {
	InsertKnowledgeDocument(ctx context.Context, d store.KnowledgeDocument) (store.KnowledgeDocument, error)
	ListKnowledgeDocuments(ctx context.Context, limit int) ([]store.KnowledgeDocument, error)
	SearchKnowledge(ctx context.Context, text string, limit int) ([]store.KnowledgeDocument, error)
}

// Connector answers knowledge queries.
type Connector struct {
	store   DocumentStore
	logger  *zap.Logger
	maxDocs int

	mu    sync.RWMutex
	index *Index
}

// NewConnector returns a connector with an empty index. Call Resync to load stored documents.
func NewConnector(st DocumentStore, logger *zap.Logger, maxDocs int) (*Connector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	idx, err := NewIndex()
	if err != nil {
		return nil, fmt.Errorf("create knowledge index: %w", err)
	}
	return &Connector{store: st, logger: logger.Named("knowledge"), maxDocs: maxDocs, index: idx}, nil
}

func (c *Connector) currentIndex() *Index {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index
}

// Query returns up to topK snippets relevant to text.
func (c *Connector) Query(ctx context.Context, text string, topK int) ([]Snippet, error) {
	if topK <= 0 {
		topK = 5
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	idx := c.currentIndex()
	if idx.Len() > 0 {
		hits, err := idx.Search(text, topK)
		if err == nil && len(hits) > 0 {
			return hits, nil
		}
		if err != nil {
			c.logger.Debug("index search failed, using database fallback", zap.Error(err))
		}
	}
	if c.store == nil {
		return nil, nil
	}
	docs, err := c.store.SearchKnowledge(ctx, truncate(text, 200), topK)
	if err != nil {
		return nil, fmt.Errorf("knowledge fallback search: %w", err)
	}
	out := make([]Snippet, 0, len(docs))
	for _, d := range docs {
		out = append(out, Snippet{ID: d.ID, Title: d.Title, Category: d.Category, Content: d.Content})
	}
	return out, nil
}

// Ingest stores a document and indexes it. Indexing failures are logged: the row is the source of truth.
func (c *Connector) Ingest(ctx context.Context, doc store.KnowledgeDocument) (store.KnowledgeDocument, error) {
	if doc.Source == "" {
		doc.Source = "manual"
	}
	if doc.Category == "" {
		doc.Category = "general"
	}
	saved := doc
	if c.store != nil {
		var err error
		saved, err = c.store.InsertKnowledgeDocument(ctx, doc)
		if err != nil {
			return store.KnowledgeDocument{}, err
		}
	}
	if saved.ID == "" {
		return store.KnowledgeDocument{}, fmt.Errorf("knowledge document has no id")
	}
	if err := c.currentIndex().Add(saved); err != nil {
		c.logger.Warn("index document failed", zap.String("doc_id", saved.ID), zap.Error(err))
	}
	return saved, nil
}

// IngestMarkdown splits content on "## " headings and ingests each section as a document.
// Sections with fewer than 10 characters of body are skipped.
func (c *Connector) IngestMarkdown(ctx context.Context, content, category, source string) (int, error) {
	count := 0
	for _, sec := range SplitMarkdown(content) {
		if _, err := c.Ingest(ctx, store.KnowledgeDocument{
			Category:    category,
			Subcategory: sec.Subcategory,
			Title:       sec.Title,
			Content:     sec.Body,
			Source:      source,
		}); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Resync rebuilds the index from the database and swaps it in atomically.
func (c *Connector) Resync(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	docs, err := c.store.ListKnowledgeDocuments(ctx, c.maxDocs)
	if err != nil {
		return 0, fmt.Errorf("list knowledge documents: %w", err)
	}
	idx, err := NewIndex()
	if err != nil {
		return 0, fmt.Errorf("create knowledge index: %w", err)
	}
	for _, d := range docs {
		if err := idx.Add(d); err != nil {
			c.logger.Warn("index document failed", zap.String("doc_id", d.ID), zap.Error(err))
		}
	}
	c.mu.Lock()
	old := c.index
	c.index = idx
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	c.logger.Info("knowledge index rebuilt", zap.Int("documents", idx.Len()))
	return idx.Len(), nil
}

// Section is one markdown chunk.
type Section struct {
	Title       string
	Subcategory string
	Body        string
}

// SplitMarkdown cuts a markdown document into "## " sections.
func SplitMarkdown(content string) []Section {
	var out []Section
	for _, part := range strings.Split("\n"+content, "\n## ") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lines := strings.SplitN(part, "\n", 2)
		title := strings.TrimSpace(strings.TrimLeft(lines[0], "# "))
		body := ""
		if len(lines) > 1 {
			body = strings.TrimSpace(lines[1])
		}
		if len(body) < 10 {
			continue
		}
		sub := strings.TrimSpace(strings.SplitN(title, " - ", 2)[0])
		out = append(out, Section{Title: title, Subcategory: sub, Body: body})
	}
	return out
}

// FormatSnippets renders snippets as a prompt block.
func FormatSnippets(snips []Snippet) string {
	if len(snips) == 0 {
		return ""
	}
	var b strings.Builder
	for _, s := range snips {
		fmt.Fprintf(&b, "[%s] %s\n%s\n\n", s.Category, s.Title, truncate(s.Content, 1500))
	}
	return strings.TrimSpace(b.String())
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
