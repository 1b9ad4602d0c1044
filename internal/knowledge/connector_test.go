package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/hive/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memDocs struct {
	docs        []store.KnowledgeDocument
	searchCalls int
	searchErr   error
}

func (m *memDocs) InsertKnowledgeDocument(ctx context.Context, d store.KnowledgeDocument) (store.KnowledgeDocument, error) {
	d.ID = fmt.Sprintf("doc-%d", len(m.docs)+1)
	d.CreatedAt = time.Now()
	m.docs = append(m.docs, d)
	return d, nil
}

func (m *memDocs) ListKnowledgeDocuments(ctx context.Context, limit int) ([]store.KnowledgeDocument, error) {
	return m.docs, nil
}

func (m *memDocs) SearchKnowledge(ctx context.Context, text string, limit int) ([]store.KnowledgeDocument, error) {
	m.searchCalls++
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	if len(m.docs) == 0 {
		return nil, nil
	}
	return m.docs[:1], nil
}

func TestQueryUsesIndexAfterIngest(t *testing.T) {
	st := &memDocs{}
	c, err := NewConnector(st, nil, 100)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = c.Ingest(ctx, store.KnowledgeDocument{Category: "services", Title: "Brake service", Content: "Brake pads are replaced every 30000 km."})
	require.NoError(t, err)
	_, err = c.Ingest(ctx, store.KnowledgeDocument{Category: "hours", Title: "Opening hours", Content: "We open Monday to Saturday from 8am."})
	require.NoError(t, err)

	hits, err := c.Query(ctx, "when do you open on saturday", 3)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "Opening hours", hits[0].Title)
	assert.Zero(t, st.searchCalls)
}

func TestQueryFallsBackToDatabase(t *testing.T) {
	st := &memDocs{docs: []store.KnowledgeDocument{{ID: "d1", Title: "Warranty", Category: "policy", Content: "Ninety days on parts."}}}
	c, err := NewConnector(st, nil, 100)
	require.NoError(t, err)

	hits, err := c.Query(context.Background(), "warranty", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 1, st.searchCalls)

	st.searchErr = errors.New("db down")
	_, err = c.Query(context.Background(), "warranty", 5)
	assert.Error(t, err)
}

func TestResyncLoadsStoredDocuments(t *testing.T) {
	st := &memDocs{docs: []store.KnowledgeDocument{
		{ID: "d1", Title: "Oil change", Category: "services", Content: "Synthetic oil change takes forty minutes."},
	}}
	c, err := NewConnector(st, nil, 100)
	require.NoError(t, err)
	n, err := c.Resync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err := c.Query(context.Background(), "synthetic oil", 3)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Zero(t, st.searchCalls)
}

func TestSplitMarkdown(t *testing.T) {
	md := "# Handbook\n\n## Pricing - Labour\nLabour is billed per started hour.\n\n## Tiny\nshort\n\n## Parts\nParts carry a ninety day warranty.\n"
	secs := SplitMarkdown(md)
	require.Len(t, secs, 2)
	assert.Equal(t, "Pricing - Labour", secs[0].Title)
	assert.Equal(t, "Pricing", secs[0].Subcategory)
	assert.Equal(t, "Parts", secs[1].Title)
}

func TestNextRun(t *testing.T) {
	from := time.Date(2026, 1, 1, 10, 7, 0, 0, time.UTC)
	next, err := NextRun("*/30 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC), next)

	_, err = NextRun("not a cron", from)
	assert.Error(t, err)
}

func TestLoadDocuments(t *testing.T) {
	src := `
category: services
source: catalog
documents:
  - title: Brake service
    content: |
      Pads and discs are checked on every visit.
  - title: Warranty
    category: policy
    source: legal
    content: Ninety days on parts.
`
	docs, err := LoadDocuments(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "services", docs[0].Category)
	assert.Equal(t, "catalog", docs[0].Source)
	assert.Equal(t, "Pads and discs are checked on every visit.", docs[0].Content)
	assert.Equal(t, "policy", docs[1].Category)
	assert.Equal(t, "legal", docs[1].Source)

	_, err = LoadDocuments(strings.NewReader("documents:\n  - title: Empty\n"))
	assert.Error(t, err)

	_, err = LoadDocuments(strings.NewReader("documents: []\nunknown: 1\n"))
	assert.Error(t, err, "unknown keys are rejected")
}
