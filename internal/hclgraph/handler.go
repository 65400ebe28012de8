package hclgraph

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/specialistvlad/frozengraph/internal/ctxlog"
	"github.com/specialistvlad/frozengraph/internal/loader"
)

// Scheme is the URL prefix the file handler answers to.
const Scheme = "file://"

// Handler loads a model from a local file or directory.
type Handler struct {
	Path string
}

// NewHandler creates a handler reading path.
func NewHandler(path string) *Handler {
	return &Handler{Path: path}
}

func (h *Handler) Load(ctx context.Context) (*loader.Artifacts, error) {
	ctxlog.FromContext(ctx).Info("Loading model from the local filesystem.", "path", h.Path)
	def, err := ParseFiles(ctx, h.Path)
	if err != nil {
		return nil, err
	}
	return &loader.Artifacts{Source: Scheme + h.Path, Graph: def}, nil
}

// Route accepts file:// URLs and bare paths ending in .hcl.
func Route(url string) (loader.Handler, bool) {
	if path, ok := strings.CutPrefix(url, Scheme); ok {
		return NewHandler(path), true
	}
	if !strings.Contains(url, "://") && filepath.Ext(url) == ".hcl" {
		return NewHandler(url), true
	}
	return nil, false
}

var _ loader.Handler = (*Handler)(nil)
