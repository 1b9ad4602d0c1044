package knowledge

import (
	"fmt"
	"io"
	"strings"

	"github.com/mohammad-safakhou/hive/internal/store"
	"gopkg.in/yaml.v3"
)

// documentFile is the YAML layout accepted by LoadDocuments:
//
//	category: services
//	source: catalog-2024
//	documents:
//	  - title: Brake service
//	    content: ...
type documentFile struct {
	Category  string `yaml:"category"`
	Source    string `yaml:"source"`
	Documents []struct {
		Title       string `yaml:"title"`
		Category    string `yaml:"category"`
		Subcategory string `yaml:"subcategory"`
		Content     string `yaml:"content"`
		Source      string `yaml:"source"`
	} `yaml:"documents"`
}

// LoadDocuments parses a YAML document file. File level category and source apply to entries
// that leave them empty.
func LoadDocuments(r io.Reader) ([]store.KnowledgeDocument, error) {
	var f documentFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode knowledge file: %w", err)
	}
	out := make([]store.KnowledgeDocument, 0, len(f.Documents))
	for i, d := range f.Documents {
		if strings.TrimSpace(d.Title) == "" || strings.TrimSpace(d.Content) == "" {
			return nil, fmt.Errorf("document %d: title and content required", i+1)
		}
		doc := store.KnowledgeDocument{
			Title:       strings.TrimSpace(d.Title),
			Category:    d.Category,
			Subcategory: d.Subcategory,
			Content:     strings.TrimSpace(d.Content),
			Source:      d.Source,
		}
		if doc.Category == "" {
			doc.Category = f.Category
		}
		if doc.Source == "" {
			doc.Source = f.Source
		}
		out = append(out, doc)
	}
	return out, nil
}
