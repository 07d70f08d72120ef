package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/kekewolf/web-fetcher/internal/webfetch"
)

// Writer stores reports as JSON plus a Markdown rendering.
type Writer struct {
	store  webfetch.BlobStore
	prefix string
	logger *zap.Logger
}

// NewWriter creates a writer placing reports under prefix.
func NewWriter(store webfetch.BlobStore, prefix string, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{store: store, prefix: strings.Trim(prefix, "/"), logger: logger}
}

// Write stores r and returns the URI of the JSON document.
func (w *Writer) Write(ctx context.Context, r Report) (string, error) {
	if w.store == nil {
		return "", fmt.Errorf("report writer has no blob store")
	}
	base := r.Filename
	if w.prefix != "" {
		base = path.Join(w.prefix, base)
	}
	payload, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	uri, err := w.store.PutObject(ctx, base+".json", "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("store report json: %w", err)
	}
	if _, err := w.store.PutObject(ctx, base+".md", "text/markdown; charset=utf-8", strings.NewReader(Markdown(r))); err != nil {
		return uri, fmt.Errorf("store report markdown: %w", err)
	}
	w.logger.Info("failure report written", zap.String("url", r.URL), zap.String("uri", uri))
	return uri, nil
}

// Markdown renders r for people reading the report directory.
func Markdown(r Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", r.Filename)
	fmt.Fprintf(&b, "%s\n\n", r.Summary)
	fmt.Fprintf(&b, "- URL: %s\n", r.URL)
	fmt.Fprintf(&b, "- Time: %s\n", r.Timestamp.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "- Status: %s\n", r.Status)
	fmt.Fprintf(&b, "- Error type: %s (%s)\n", r.Classification.Type, r.Classification.Kind)
	fmt.Fprintf(&b, "- Browser connected: %t\n", r.ChromeConnected)
	if r.Error != "" {
		fmt.Fprintf(&b, "- Error: `%s`\n", strings.ReplaceAll(r.Error, "`", "'"))
	}
	b.WriteString("\n| # | Method | Duration (ms) | Bytes | Error |\n|---|---|---|---|---|\n")
	for i, s := range r.Chain {
		errText := s.Error
		if s.Reconnected {
			errText = strings.TrimSpace("(reconnected) " + errText)
		}
		fmt.Fprintf(&b, "| %d | %s | %d | %d | %s |\n", i+1, s.Method, s.DurationMS, s.Bytes, strings.ReplaceAll(errText, "|", "\\|"))
	}
	return b.String()
}
