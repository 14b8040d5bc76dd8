package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"waifubot/core"
)

// OpenAILLMService implements core.CompletionClient against any
// OpenAI-compatible chat completion API (OpenAI, OpenRouter, ...).
type OpenAILLMService struct {
	client *openai.Client
	config Config
	logger *core.Logger

	// Streaming management
	activeStreams map[uint64]*openai.ChatCompletionStream
	nextStreamID  uint64
	streamsMutex  sync.Mutex

	// Service state
	isInitialized bool
	mu            sync.RWMutex
}

// Config holds the configuration for the OpenAI service.
type Config struct {
	APIKey      string            `json:"api_key,omitempty"`
	BaseURL     string            `json:"base_url,omitempty"`
	Model       string            `json:"model"`
	MaxTokens   int               `json:"max_tokens"`
	Temperature float32           `json:"temperature"`
	Streaming   bool              `json:"streaming"`
	Headers     map[string]string `json:"headers,omitempty"` // Sent with every request, e.g. OpenRouter's HTTP-Referer and X-Title.
	TimeoutMs   int               `json:"timeout_ms,omitempty"`
}

// NewOpenAILLMService creates a new instance of OpenAILLMService.
func NewOpenAILLMService(config Config, logger *core.Logger) *OpenAILLMService {
	if logger == nil {
		logger = core.GetLogger()
	}
	return &OpenAILLMService{
		config:        config,
		logger:        logger.With(map[string]interface{}{"service": "openai_llm", "model": config.Model}),
		activeStreams: make(map[uint64]*openai.ChatCompletionStream),
	}
}

// headerTransport adds fixed headers to every outgoing request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

// Init validates the configuration and creates the API client.
func (s *OpenAILLMService) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.APIKey == "" {
		return fmt.Errorf("OpenAI API key is required")
	}
	if s.config.Model == "" {
		return fmt.Errorf("OpenAI model is required")
	}

	clientConfig := openai.DefaultConfig(s.config.APIKey)
	if s.config.BaseURL != "" {
		clientConfig.BaseURL = s.config.BaseURL
	}
	timeout := 60 * time.Second
	if s.config.TimeoutMs > 0 {
		timeout = time.Duration(s.config.TimeoutMs) * time.Millisecond
	}
	clientConfig.HTTPClient = &http.Client{
		Timeout:   timeout,
		Transport: &headerTransport{base: http.DefaultTransport, headers: s.config.Headers},
	}

	s.client = openai.NewClientWithConfig(clientConfig)
	s.isInitialized = true
	s.logger.Info("OpenAI LLM service initialized", "base_url", clientConfig.BaseURL)
	return nil
}

// Cleanup closes in-flight streams and drops the client.
func (s *OpenAILLMService) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopAllStreams()
	s.client = nil
	s.isInitialized = false
	return nil
}

func (s *OpenAILLMService) stopAllStreams() {
	s.streamsMutex.Lock()
	defer s.streamsMutex.Unlock()

	for id, stream := range s.activeStreams {
		if stream != nil {
			stream.Close()
		}
		delete(s.activeStreams, id)
	}
}

func (s *OpenAILLMService) registerStream(stream *openai.ChatCompletionStream) uint64 {
	s.streamsMutex.Lock()
	defer s.streamsMutex.Unlock()
	s.nextStreamID++
	s.activeStreams[s.nextStreamID] = stream
	return s.nextStreamID
}

func (s *OpenAILLMService) unregisterStream(id uint64) {
	s.streamsMutex.Lock()
	defer s.streamsMutex.Unlock()
	delete(s.activeStreams, id)
}

// Generate returns the assistant reply for history. Failures are returned as
// *core.CompletionError and are never retried here.
func (s *OpenAILLMService) Generate(ctx context.Context, history []core.LLMMessage) (string, error) {
	s.mu.RLock()
	client := s.client
	initialized := s.isInitialized
	s.mu.RUnlock()
	if !initialized {
		return "", &core.CompletionError{Kind: core.CompletionUnknown, Err: errors.New("OpenAI service not initialized")}
	}

	req := openai.ChatCompletionRequest{
		Model:       s.config.Model,
		Messages:    s.convertMessages(history),
		MaxTokens:   s.config.MaxTokens,
		Temperature: s.config.Temperature,
		Stream:      s.config.Streaming,
	}

	start := time.Now()
	var (
		reply string
		err   error
	)
	if s.config.Streaming {
		reply, err = s.runStreamingCompletion(ctx, client, req)
	} else {
		reply, err = s.runNonStreamingCompletion(ctx, client, req)
	}
	if err != nil {
		classified := classifyError(err)
		s.logger.Warn("Completion failed", "kind", classified.Kind.String(), "error", err)
		return "", classified
	}

	s.logger.Debug("Completion finished", "messages", len(history), "duration_ms", time.Since(start).Milliseconds())
	return strings.TrimSpace(reply), nil
}

func (s *OpenAILLMService) runStreamingCompletion(ctx context.Context, client *openai.Client, req openai.ChatCompletionRequest) (string, error) {
	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", err
	}
	id := s.registerStream(stream)
	defer func() {
		s.unregisterStream(id)
		stream.Close()
	}()

	var b strings.Builder
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		if len(response.Choices) > 0 {
			b.WriteString(response.Choices[0].Delta.Content)
		}
	}
	if b.Len() == 0 {
		return "", errors.New("empty completion stream")
	}
	return b.String(), nil
}

func (s *OpenAILLMService) runNonStreamingCompletion(ctx context.Context, client *openai.Client, req openai.ChatCompletionRequest) (string, error) {
	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// convertMessages converts core messages to OpenAI messages
func (s *OpenAILLMService) convertMessages(messages []core.LLMMessage) []openai.ChatCompletionMessage {
	openAIMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		openAIMessages = append(openAIMessages, openai.ChatCompletionMessage{
			Role:    convertRole(msg.Role),
			Content: msg.Content,
		})
	}
	return openAIMessages
}

// convertRole converts core role to OpenAI role
func convertRole(role core.LLMMessageRole) string {
	switch role {
	case core.LLMMessageRoleAssistant:
		return openai.ChatMessageRoleAssistant
	case core.LLMMessageRoleSystem:
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}

// classifyError maps API failures onto the completion error kinds.
func classifyError(err error) *core.CompletionError {
	status := 0
	code := ""

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
		code = fmt.Sprint(apiErr.Code)
		if apiErr.Type != "" {
			code += " " + apiErr.Type
		}
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	text := strings.ToLower(code + " " + err.Error())
	kind := core.CompletionUnknown
	switch {
	case status == http.StatusPaymentRequired,
		strings.Contains(text, "insufficient_quota"):
		kind = core.CompletionQuotaExceeded
	case status == http.StatusTooManyRequests,
		strings.Contains(text, "rate_limit"):
		kind = core.CompletionRateLimited
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		kind = core.CompletionAuthFailure
	}
	return &core.CompletionError{Kind: kind, Err: err}
}
