package ollama

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, answer string, got *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if got != nil {
			_ = json.Unmarshal(body, got)
		}
		w.Header().Set("Content-Type", "application/json")
		resp, _ := json.Marshal(map[string]any{
			"model":   "m",
			"message": map[string]string{"role": "assistant", "content": answer},
			"done":    true,
		})
		_, _ = w.Write(append(resp, '\n'))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewClientURL(t *testing.T) {
	_, err := NewClient("http://localhost:11434/api/chat")
	assert.NoError(t, err)

	_, err = NewClient("localhost")
	assert.Error(t, err)
}

func TestAnalyzeImage(t *testing.T) {
	var req map[string]any
	srv := newServer(t, "```json\n{\"primary\":{\"label\":\"cat\",\"confidence\":0.8,\"box\":{\"x\":0.1,\"y\":0.1,\"w\":0.5,\"h\":0.5}}}\n```", &req)

	c, err := NewClient(srv.URL + "/api/chat")
	require.NoError(t, err)

	img := base64.StdEncoding.EncodeToString([]byte("fake image"))
	res, err := c.AnalyzeImage(context.Background(), "openbmb/minicpm-v4.5", "which class?", img)
	require.NoError(t, err)
	assert.Equal(t, "cat", res.Primary.Label)
	assert.InDelta(t, 0.5, res.Primary.Box.W, 1e-9)

	assert.Equal(t, "openbmb/minicpm-v4.5", req["model"])
	opts, ok := req["options"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 0.8, opts["top_p"], 1e-9)
}

func TestSimpleQuery(t *testing.T) {
	srv := newServer(t, "A cat on a sofa.", nil)
	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	out, err := c.SimpleQuery(context.Background(), "m", "describe", "")
	require.NoError(t, err)
	assert.Equal(t, "A cat on a sofa.", out)

	_, err = c.SimpleQuery(context.Background(), "m", "describe", "not base64!")
	assert.Error(t, err)
}

func TestAnalyzeImageEmptyAnswer(t *testing.T) {
	srv := newServer(t, "", nil)
	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	_, err = c.AnalyzeImage(context.Background(), "m", "p", "")
	assert.Error(t, err)
}
