package httploader

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/specialistvlad/frozengraph/internal/loader"
	"github.com/specialistvlad/frozengraph/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const model = `
graph "remote" {
  version = "7"
}

input "x" {}

node "y" {
  op     = "Relu"
  inputs = ["x"]
}

outputs = ["y"]
`

func TestLoad(t *testing.T) {
	ctx, _ := testutil.Context(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/relu.hcl" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "abc", r.URL.Query().Get("sig"))
		_, _ = w.Write([]byte(model))
	}))
	defer srv.Close()

	r := loader.NewRouter()
	r.Register("http", Route(srv.Client()))

	h, err := r.Resolve(srv.URL + "/models/relu.hcl?sig=abc")
	require.NoError(t, err)
	artifacts, err := h.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/models/relu.hcl", artifacts.Source)
	assert.Equal(t, "remote", artifacts.Graph.Name)
	assert.Equal(t, "7", artifacts.Graph.Version)
	require.Len(t, artifacts.Graph.Nodes, 1)
	assert.Equal(t, "Relu", artifacts.Graph.Nodes[0].Op)

	missing, err := r.Resolve(srv.URL + "/models/other.hcl")
	require.NoError(t, err)
	_, err = missing.Load(ctx)
	assert.ErrorContains(t, err, "404")
}

func TestRoute(t *testing.T) {
	route := Route(nil)
	for url, want := range map[string]bool{
		"https://example.com/m.hcl": true,
		"http://localhost:8080/m":   true,
		"gs://bucket/m.hcl":         false,
		"model.hcl":                 false,
	} {
		_, ok := route(url)
		assert.Equal(t, want, ok, url)
	}
}
