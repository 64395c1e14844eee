package api

import (
	"bytes"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// markdown renders replies. Raw HTML in the model's text is dropped.
var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// renderHTML converts a Markdown reply to an HTML fragment. On failure
// the fragment is empty; the plain content is always sent too.
func (s *Server) renderHTML(md string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		s.logger.Debug("markdown render failed", "error", err)
		return ""
	}
	return buf.String()
}
