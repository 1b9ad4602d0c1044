package knowledge

import (
	"strings"
	"sync"

	"github.com/blevesearch/bleve"
	"github.com/mohammad-safakhou/hive/internal/store"
)

// indexedDoc is the shape stored in bleve.
type indexedDoc struct {
	Title       string `json:"title"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory"`
	Content     string `json:"content"`
}

// Index is an in-memory full text index over knowledge documents.
type Index struct {
	bleve bleve.Index
	meta  map[string]store.KnowledgeDocument
	mu    sync.RWMutex
}

// NewIndex builds an empty in-memory index.
func NewIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	return &Index{bleve: idx, meta: make(map[string]store.KnowledgeDocument)}, nil
}

// Add indexes a document, replacing any previous version with the same id.
func (i *Index) Add(doc store.KnowledgeDocument) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.meta[doc.ID] = doc
	return i.bleve.Index(doc.ID, indexedDoc{
		Title:       doc.Title,
		Category:    doc.Category,
		Subcategory: doc.Subcategory,
		Content:     doc.Content,
	})
}

// Len returns the number of indexed documents.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.meta)
}

// Search returns up to k documents ranked by relevance to the free text q.
func (i *Index) Search(q string, k int) ([]Snippet, error) {
	q = strings.TrimSpace(q)
	if q == "" || k <= 0 {
		return nil, nil
	}
	query := bleve.NewMatchQuery(q)
	req := bleve.NewSearchRequestOptions(query, k, 0, false)

	i.mu.RLock()
	defer i.mu.RUnlock()
	res, err := i.bleve.Search(req)
	if err != nil {
		return nil, err
	}
	out := make([]Snippet, 0, len(res.Hits))
	for _, hit := range res.Hits {
		doc, ok := i.meta[hit.ID]
		if !ok {
			continue
		}
		out = append(out, Snippet{
			ID:       doc.ID,
			Title:    doc.Title,
			Category: doc.Category,
			Content:  doc.Content,
			Score:    hit.Score,
		})
	}
	return out, nil
}

// Close releases the bleve index.
func (i *Index) Close() error {
	return i.bleve.Close()
}
