package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waifubot/core"
)

type capturedRequest struct {
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float32 `json:"temperature"`
	Messages    []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newService(t *testing.T, url string, streaming bool) *OpenAILLMService {
	t.Helper()
	svc := NewOpenAILLMService(Config{
		APIKey:      "test-key",
		BaseURL:     url,
		Model:       "openrouter/quasar-alpha",
		MaxTokens:   150,
		Temperature: 0.7,
		Streaming:   streaming,
		Headers:     map[string]string{"HTTP-Referer": "http://localhost", "X-Title": "Waifu.exe"},
	}, core.NewNopLogger())
	require.NoError(t, svc.Init(context.Background()))
	t.Cleanup(func() { _ = svc.Cleanup() })
	return svc
}

var history = []core.LLMMessage{
	{Role: core.LLMMessageRoleSystem, Content: "You are Waifu."},
	{Role: core.LLMMessageRoleUser, Content: "Hello"},
}

func TestGenerate(t *testing.T) {
	requests := make(chan capturedRequest, 1)
	headerc := make(chan http.Header, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		headerc <- r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		var got capturedRequest
		_ = sonic.Unmarshal(body, &got)
		requests <- got
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"  Hi there!  "},"finish_reason":"stop"}]}`)
	}))
	defer server.Close()

	reply, err := newService(t, server.URL, false).Generate(context.Background(), history)
	require.NoError(t, err)
	require.Equal(t, "Hi there!", reply)

	got, headers := <-requests, <-headerc
	require.Equal(t, "openrouter/quasar-alpha", got.Model)
	require.Equal(t, 150, got.MaxTokens)
	require.InDelta(t, 0.7, got.Temperature, 0.001)
	require.Len(t, got.Messages, 2)
	require.Equal(t, "system", got.Messages[0].Role)
	require.Equal(t, "Hello", got.Messages[1].Content)

	require.Equal(t, "Bearer test-key", headers.Get("Authorization"))
	require.Equal(t, "http://localhost", headers.Get("HTTP-Referer"))
	require.Equal(t, "Waifu.exe", headers.Get("X-Title"))
}

func TestGenerateStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{"Hi", " there", "!"} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	reply, err := newService(t, server.URL, true).Generate(context.Background(), history)
	require.NoError(t, err)
	require.Equal(t, "Hi there!", reply)
}

func TestGenerateClassifiesErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   core.CompletionErrorKind
	}{
		{"quota", http.StatusTooManyRequests, `{"error":{"message":"You exceeded your current quota","type":"insufficient_quota","code":"insufficient_quota"}}`, core.CompletionQuotaExceeded},
		{"payment required", http.StatusPaymentRequired, `{"error":{"message":"Insufficient credits","code":402}}`, core.CompletionQuotaExceeded},
		{"rate limit", http.StatusTooManyRequests, `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`, core.CompletionRateLimited},
		{"auth", http.StatusUnauthorized, `{"error":{"message":"Invalid API key","code":"invalid_api_key"}}`, core.CompletionAuthFailure},
		{"server", http.StatusInternalServerError, `{"error":{"message":"boom"}}`, core.CompletionUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))
			defer server.Close()

			_, err := newService(t, server.URL, false).Generate(context.Background(), history)
			var compErr *core.CompletionError
			require.ErrorAs(t, err, &compErr)
			require.Equal(t, tc.kind, compErr.Kind)
			require.Equal(t, core.CategoryExternalService, core.CategoryOf(err))
		})
	}
}

func TestGenerateRequiresInit(t *testing.T) {
	svc := NewOpenAILLMService(Config{APIKey: "k", Model: "m"}, core.NewNopLogger())
	_, err := svc.Generate(context.Background(), history)
	var compErr *core.CompletionError
	require.ErrorAs(t, err, &compErr)
}

func TestInitValidatesConfig(t *testing.T) {
	require.Error(t, NewOpenAILLMService(Config{Model: "m"}, nil).Init(context.Background()))
	require.Error(t, NewOpenAILLMService(Config{APIKey: "k"}, nil).Init(context.Background()))
}

func TestClassifyTransportError(t *testing.T) {
	err := classifyError(errors.New("dial tcp: connection refused"))
	require.Equal(t, core.CompletionUnknown, err.Kind)
}
