package vqa

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/agent-api/ollama/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name   string
		tokens []string
		want   string
	}{
		{"sentencepiece", []string{"<pad>", "▁a", "▁man", "▁is", "▁cooking", "</s>"}, "a man is cooking"},
		{"plain text", []string{"  The person is riding a bike.\n"}, "The person is riding a bike."},
		{"inline control tokens", []string{"<|start|>washing dishes<|eot_id|>"}, "washing dishes"},
		{"inline special tokens", []string{"<s> reading a book </s><pad>"}, "reading a book"},
		{"empty", nil, ""},
		{"only specials", []string{"<pad>", "<unk>", "</s>"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decode(tt.tokens))
		})
	}
}

func TestFit(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 800, 400))

	got := Fit(img, 384)
	assert.Equal(t, 384, got.Bounds().Dx())
	assert.Equal(t, 192, got.Bounds().Dy())

	tall := Fit(image.NewRGBA(image.Rect(0, 0, 100, 1000)), 50)
	assert.Equal(t, 5, tall.Bounds().Dx())
	assert.Equal(t, 50, tall.Bounds().Dy())

	small := image.NewRGBA(image.Rect(0, 0, 10, 10))
	assert.Same(t, small, Fit(small, 384))
	assert.Same(t, img, Fit(img, 0))
}

func TestPatchFeatures(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}

	features := PatchFeatures(img)
	require.NoError(t, features.Validate())
	assert.Equal(t, []int{PatchGrid * PatchGrid, 3}, features.Shape)

	wantR := (1 - clipMean[0]) / clipStd[0]
	wantG := (0 - clipMean[1]) / clipStd[1]
	assert.InDelta(t, wantR, features.Data[0], 1e-5)
	assert.InDelta(t, wantG, features.Data[1], 1e-5)
}

func TestPatchFeatures_TinyImage(t *testing.T) {
	features := PatchFeatures(image.NewRGBA(image.Rect(0, 0, 3, 2)))
	require.NoError(t, features.Validate())
	assert.Len(t, features.Data, PatchGrid*PatchGrid*3)
}

func TestNewOllamaModel_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewOllamaModel(context.Background(), serverConfig(t, srv, "llava"), slog.Default())
	assert.Error(t, err)
}

func serverConfig(t *testing.T, srv *httptest.Server, model string) OllamaConfig {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return OllamaConfig{BaseURL: "http://" + u.Hostname(), Port: port, Model: model, MaxImageSide: 32}
}

// fakeOllama answers /api/tags and /api/chat and records chat requests.
type fakeOllama struct {
	mu       sync.Mutex
	requests []client.ChatRequest
	answer   string
}

func (f *fakeOllama) recorded() []client.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]client.ChatRequest(nil), f.requests...)
}

func (f *fakeOllama) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/tags":
		w.Write([]byte(`{"models":[]}`))
	case "/api/chat":
		var req client.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.requests = append(f.requests, req)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(client.ChatResponse{
			Message: client.Message{Role: client.RoleAssistant, Content: f.answer},
			Done:    true,
		})
	default:
		http.NotFound(w, r)
	}
}

func TestOllamaModel_GenerateUsesConfiguredHost(t *testing.T) {
	fake := &fakeOllama{answer: " A person is cooking. "}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx := context.Background()
	model, err := NewOllamaModel(ctx, serverConfig(t, srv, "llama3.2-vision:11b"), slog.Default())
	require.NoError(t, err)

	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	gen, err := model.Generate(ctx, img, Prompt)
	require.NoError(t, err)

	assert.Equal(t, "A person is cooking.", Decode(gen.Tokens))
	assert.Equal(t, []int{PatchGrid * PatchGrid, 3}, gen.EncoderOutput.Shape)

	requests := fake.recorded()
	require.Len(t, requests, 1)
	req := requests[0]
	assert.Equal(t, "llama3.2-vision:11b", req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, client.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, client.RoleUser, req.Messages[1].Role)
	assert.Equal(t, Prompt, req.Messages[1].Content)
	assert.Len(t, req.Messages[1].Images, 1)
}

func TestOllamaModel_FreshAgentPerFrame(t *testing.T) {
	fake := &fakeOllama{answer: "walking"}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx := context.Background()
	model, err := NewOllamaModel(ctx, serverConfig(t, srv, "llava"), nil)
	require.NoError(t, err)

	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := 0; i < 3; i++ {
		_, err := model.Generate(ctx, img, Prompt)
		require.NoError(t, err)
	}

	requests := fake.recorded()
	require.Len(t, requests, 3)
	for _, req := range requests {
		assert.Len(t, req.Messages, 2, "history must not carry over between frames")
	}
}

func TestOllamaModel_EmptyAnswerFails(t *testing.T) {
	fake := &fakeOllama{answer: ""}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx := context.Background()
	model, err := NewOllamaModel(ctx, serverConfig(t, srv, "llava"), nil)
	require.NoError(t, err)

	_, err = model.Generate(ctx, image.NewRGBA(image.Rect(0, 0, 4, 4)), Prompt)
	assert.Error(t, err)
	assert.Len(t, fake.recorded(), 1)
}
