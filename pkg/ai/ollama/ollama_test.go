package ollama

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHeaderTransportDoesNotOverwrite(t *testing.T) {
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Header.Get("Authorization"))
	}))
	defer srv.Close()

	client := &http.Client{Transport: &headerTransport{
		headers: map[string]string{"Authorization": "Bearer key"},
		rt:      http.DefaultTransport,
	}}

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	if _, err := client.Do(req); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	req, _ = http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("Authorization", "Bearer other")
	if _, err := client.Do(req); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	if len(got) != 2 || got[0] != "Bearer key" || got[1] != "Bearer other" {
		t.Fatalf("unexpected headers %v", got)
	}
}

func TestContextSizeGrowsWithInput(t *testing.T) {
	small, err := contextSize("hello")
	if err != nil {
		t.Skipf("tiktoken encoding unavailable: %v", err)
	}
	large, err := contextSize(repeat("price of widget is 12 EUR. ", 400))
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if large <= small {
		t.Fatalf("expected larger context for longer input: %d <= %d", large, small)
	}
}

func TestEmbeddingAgainstServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"m","embeddings":[[0.5,0.25,0.125]],"prompt_eval_count":3}`))
	}))
	defer srv.Close()

	c, err := NewGraphOllamaClient(NewGraphOllamaClientParams{
		EmbeddingModel: "m",
		BaseURL:        srv.URL,
		Dimensions:     4,
		Timeout:        5 * time.Second,
	})
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	vec, err := c.GenerateEmbedding(context.Background(), []byte("PRODUCT Widget"))
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vec) != 4 || vec[0] != 0.5 || vec[3] != 0 {
		t.Fatalf("unexpected vector %v", vec)
	}
	if m := c.GetMetrics(); m.Calls != 1 || m.InputTokens != 3 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func repeat(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
