package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mohammad-safakhou/hive/internal/knowledge"
	"github.com/mohammad-safakhou/hive/internal/store"
	"github.com/spf13/cobra"
)

// documentIngester is the connector surface ingestFile needs.
type documentIngester interface {
	Ingest(ctx context.Context, doc store.KnowledgeDocument) (store.KnowledgeDocument, error)
	IngestMarkdown(ctx context.Context, content, category, source string) (int, error)
}

// ingestFile loads one file into the knowledge base. Markdown is split on "## " headings,
// YAML files carry a document list. It returns the number of documents stored.
func ingestFile(ctx context.Context, kc documentIngester, name string, r io.Reader, category string) (int, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		docs, err := knowledge.LoadDocuments(r)
		if err != nil {
			return 0, err
		}
		for i, d := range docs {
			if d.Category == "" {
				d.Category = category
			}
			if d.Source == "" {
				d.Source = filepath.Base(name)
			}
			if _, err := kc.Ingest(ctx, d); err != nil {
				return i, err
			}
		}
		return len(docs), nil
	case ".md", ".markdown", ".txt":
		raw, err := io.ReadAll(r)
		if err != nil {
			return 0, err
		}
		return kc.IngestMarkdown(ctx, string(raw), category, filepath.Base(name))
	default:
		return 0, fmt.Errorf("%s: unsupported file type", name)
	}
}

func ingestCMD(cfgPath *string) *cobra.Command {
	var category string
	var cmd = &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Load markdown or YAML documents into the knowledge base",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, st, err := openStore(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			kc, err := knowledge.NewConnector(st, nil, 0)
			if err != nil {
				return err
			}
			total := 0
			for _, name := range args {
				f, err := os.Open(name)
				if err != nil {
					return err
				}
				n, err := ingestFile(ctx, kc, name, f, category)
				_ = f.Close()
				total += n
				if err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d documents\n", name, n)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ingested %d documents\n", total)
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", "general", "category for documents that do not set one")
	return cmd
}
