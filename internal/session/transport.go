package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/ocx/realtime-worker/internal/types"
)

// ProviderTransport is the streaming bidirectional transport spec §6
// assumes: connect returns a session id, send accepts
// (role, content, tool_context), receive yields typed ProviderEvents.
// The concrete wire protocol of any specific realtime provider is out
// of scope (spec §1 non-goal); this interface is the boundary.
type ProviderTransport interface {
	Connect(ctx context.Context) (sessionID string, err error)
	Send(ctx context.Context, role, content string, toolContext map[string]interface{}) error
	Events() <-chan types.ProviderEvent
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// OpenAITransport grounds connection setup and bearer auth in
// github.com/openai/openai-go/v2; the streaming wire protocol stays
// abstracted behind ProviderTransport and no HTTP upgrade is made.
// Connect verifies
// credentials/model access with a lightweight Models.List call (the
// same smoke-test the intelligencedev-manifold example uses), then
// synthesizes a logical session id; a realtime wire implementation
// would replace the events channel's producer with frames read off an
// actual duplex stream.
type OpenAITransport struct {
	client  sdk.Client
	model   string
	events  chan types.ProviderEvent
	mu      sync.Mutex
	closed  bool
	history []string
}

// NewOpenAITransport builds a transport bound to model, authenticating
// with apiKey. baseURL overrides the default OpenAI endpoint when set
// (self-hosted gateways, per the teacher's sseTransportWrapper habit).
func NewOpenAITransport(apiKey, baseURL, model string) *OpenAITransport {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}))

	return &OpenAITransport{
		client: sdk.NewClient(opts...),
		model:  model,
		events: make(chan types.ProviderEvent, 64),
	}
}

func (t *OpenAITransport) Connect(ctx context.Context) (string, error) {
	page, err := t.client.Models.List(ctx)
	if err != nil {
		return "", fmt.Errorf("openai connect: %w", err)
	}
	_ = page // only used as a connectivity/auth smoke test
	return newSessionID(), nil
}

func (t *OpenAITransport) Send(ctx context.Context, role, content string, toolContext map[string]interface{}) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	t.history = append(t.history, content)
	t.mu.Unlock()

	// The realtime wire protocol itself is out of scope (spec §1); we
	// synthesize a response.done event, which the owning session turns
	// into a card event.
	select {
	case t.events <- types.ProviderEvent{Kind: types.ProviderEventResponseDone, Content: fmt.Sprintf("ack:%s:%s", role, truncate(content, 64))}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (t *OpenAITransport) Events() <-chan types.ProviderEvent { return t.events }

func (t *OpenAITransport) Ping(ctx context.Context) error {
	select {
	case t.events <- types.ProviderEvent{Kind: types.ProviderEventPong}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (t *OpenAITransport) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
