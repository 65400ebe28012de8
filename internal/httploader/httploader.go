// Package httploader fetches a single HCL model file over HTTP(S), e.g. from
// a web server or a pre-signed S3 or GCS download URL.
package httploader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/specialistvlad/frozengraph/internal/ctxlog"
	"github.com/specialistvlad/frozengraph/internal/hclgraph"
	"github.com/specialistvlad/frozengraph/internal/loader"
)

// defaultClient is shared by handlers that are not given one, so TCP
// connections are reused between loads.
var defaultClient = &http.Client{Timeout: 5 * time.Minute}

type Handler struct {
	URL    string
	Client *http.Client
}

// Route returns a loader route for http:// and https:// URLs.
func Route(client *http.Client) loader.RouteFunc {
	return func(url string) (loader.Handler, bool) {
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return nil, false
		}
		return &Handler{URL: url, Client: client}, true
	}
}

func (h *Handler) Load(ctx context.Context) (*loader.Artifacts, error) {
	logger := ctxlog.FromContext(ctx).With("url", redact(h.URL))
	client := h.Client
	if client == nil {
		client = defaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	logger.Info("Downloading model over HTTP.")
	startedAt := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model download failed with status: %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	logger.Info("Downloaded model over HTTP.", "bytes", len(data), "duration", time.Since(startedAt))

	def, err := hclgraph.Parse(ctx, hclgraph.Source{Filename: redact(h.URL), Data: data})
	if err != nil {
		return nil, err
	}
	return &loader.Artifacts{Source: redact(h.URL), Graph: def}, nil
}

// redact drops the query string, which carries the signature of pre-signed URLs.
func redact(url string) string {
	base, _, _ := strings.Cut(url, "?")
	return base
}

var _ loader.Handler = (*Handler)(nil)
