package rag

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	pdf "github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"
)

// maxLoaders bounds concurrent document reads.
const maxLoaders = 4

// LoadDocument returns the text of the file at path. PDF files are reduced
// to their plain text; everything else is read as is.
func LoadDocument(path string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		text, err := extractPDFText(path)
		if err != nil {
			return "", fmt.Errorf("rag: read pdf %s: %w", path, err)
		}
		return text, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("rag: read %s: %w", path, err)
	}
	return string(data), nil
}

// LoadDocuments reads paths concurrently. The result keeps the order of
// paths; the first failure cancels the rest.
func LoadDocuments(ctx context.Context, paths []string) ([]string, error) {
	texts := make([]string, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxLoaders)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			text, err := LoadDocument(path)
			if err != nil {
				return err
			}
			texts[i] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return texts, nil
}

func extractPDFText(path string) (string, error) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = file.Close()
	}()
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", err
	}
	return buf.String(), nil
}
