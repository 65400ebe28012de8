// Package gcsloader loads HCL model definitions stored in Google Cloud
// Storage. A gs://bucket/object URL names a single file; a URL ending in a
// slash names every .hcl object under that prefix.
package gcsloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/specialistvlad/frozengraph/internal/ctxlog"
	"github.com/specialistvlad/frozengraph/internal/hclgraph"
	"github.com/specialistvlad/frozengraph/internal/loader"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Scheme is the URL prefix the handler answers to.
const Scheme = "gs://"

// Handler reads model files from one bucket.
type Handler struct {
	Bucket string
	// Object is a single object key, or a prefix ending in "/".
	Object string
	// Options are passed to storage.NewClient, e.g. an emulator endpoint.
	Options []option.ClientOption
}

// ParseURL splits a gs:// URL into bucket and object.
func ParseURL(url string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(url, Scheme)
	if !ok {
		return "", "", fmt.Errorf("%q is not a %s URL", url, Scheme)
	}
	bucket, object, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("%q has no bucket", url)
	}
	if object == "" {
		object = "/"
	}
	return bucket, object, nil
}

// Route returns a loader route for gs:// URLs whose handlers use opts.
func Route(opts ...option.ClientOption) loader.RouteFunc {
	return func(url string) (loader.Handler, bool) {
		bucket, object, err := ParseURL(url)
		if err != nil {
			return nil, false
		}
		return &Handler{Bucket: bucket, Object: object, Options: opts}, true
	}
}

func (h *Handler) url() string { return Scheme + h.Bucket + "/" + strings.TrimPrefix(h.Object, "/") }

func (h *Handler) Load(ctx context.Context) (*loader.Artifacts, error) {
	logger := ctxlog.FromContext(ctx)

	client, err := storage.NewClient(ctx, h.Options...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS storage client: %w", err)
	}
	defer client.Close()
	bucket := client.Bucket(h.Bucket)

	keys := []string{h.Object}
	if strings.HasSuffix(h.Object, "/") {
		if keys, err = listHCL(ctx, bucket, strings.TrimPrefix(h.Object, "/")); err != nil {
			return nil, err
		}
		if len(keys) == 0 {
			return nil, fmt.Errorf("no .hcl objects under %q", h.url())
		}
	}

	logger.Info("Downloading model from GCS.", "source", h.url(), "objects", len(keys))
	startedAt := time.Now()
	var sources []hclgraph.Source
	var total int
	for _, key := range keys {
		data, err := read(ctx, bucket, key)
		if err != nil {
			return nil, err
		}
		total += len(data)
		sources = append(sources, hclgraph.Source{Filename: Scheme + h.Bucket + "/" + key, Data: data})
	}
	logger.Info("Downloaded model from GCS.", "source", h.url(), "bytes", total, "duration", time.Since(startedAt))

	def, err := hclgraph.Parse(ctx, sources...)
	if err != nil {
		return nil, err
	}
	return &loader.Artifacts{Source: h.url(), Graph: def}, nil
}

func listHCL(ctx context.Context, bucket *storage.BucketHandle, prefix string) ([]string, error) {
	var keys []string
	it := bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing objects under %q: %w", prefix, err)
		}
		if path.Ext(attrs.Name) == ".hcl" {
			keys = append(keys, attrs.Name)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func read(ctx context.Context, bucket *storage.BucketHandle, key string) ([]byte, error) {
	r, err := bucket.Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("object %q does not exist: %w", key, err)
		}
		return nil, fmt.Errorf("opening object %q from GCS: %w", key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("downloading %q from GCS: %w", key, err)
	}
	return data, nil
}

var _ loader.Handler = (*Handler)(nil)
