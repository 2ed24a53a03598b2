// Package extract turns review inputs (.txt, .md, .pdf, .docx) into plain
// text for the engine prompt. Results are cached by path, size and
// modification time so a rerun of an unchanged document skips extraction.
package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/phuslu/log"

	"github.com/tutu-network/docreview/internal/domain"
)

// DefaultCacheSize is the number of extracted documents kept in memory.
const DefaultCacheSize = 64

var formats = map[string]func(ctx context.Context, path string) (string, error){
	".txt":      extractPlain,
	".md":       extractMarkdown,
	".markdown": extractMarkdown,
	".pdf":      extractPDF,
	".docx":     extractDocx,
}

// Extractor implements domain.TextExtractor.
type Extractor struct {
	cache *lru.Cache[string, string]
}

var _ domain.TextExtractor = (*Extractor)(nil)

// New creates an extractor with an LRU cache of cacheSize documents.
func New(cacheSize int) (*Extractor, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create extraction cache: %w", err)
	}
	return &Extractor{cache: cache}, nil
}

// Supported reports whether the file extension has an extractor.
func (e *Extractor) Supported(path string) bool {
	_, ok := formats[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Extract returns the plain text of the document at path.
func (e *Extractor) Extract(ctx context.Context, path string) (string, error) {
	fn, ok := formats[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return "", fmt.Errorf("%s: %w", filepath.Base(path), domain.ErrUnsupportedFormat)
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", path, domain.ErrPathNotFound)
		}
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory: %w", path, domain.ErrUnsupportedFormat)
	}

	key := fmt.Sprintf("%s|%d|%d", path, info.Size(), info.ModTime().UnixNano())
	if text, ok := e.cache.Get(key); ok {
		return text, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	text, err := fn(ctx, path)
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", filepath.Base(path), err)
	}
	text = strings.TrimSpace(text)
	e.cache.Add(key, text)
	log.Debug().Str("component", "extract").Str("path", path).Int("chars", len(text)).Msg("document extracted")
	return text, nil
}

// Len returns the number of cached documents.
func (e *Extractor) Len() int { return e.cache.Len() }

func extractPlain(_ context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
