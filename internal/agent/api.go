package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mpataki/mpca/internal/adapter"
	"github.com/mpataki/mpca/internal/errs"
)

const (
	DefaultEndpoint  = "https://api.anthropic.com"
	DefaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 8192
	apiVersion       = "2023-06-01"
)

// Per-million-token prices in USD, by model prefix.
var pricing = []struct {
	prefix      string
	input, outp float64
}{
	{"claude-opus", 15, 75},
	{"claude-sonnet", 3, 15},
	{"claude-haiku", 0.8, 4},
}

// API talks to the Messages API. Conversation history is kept in memory per
// session so a chat can continue across exchanges.
type API struct {
	endpoint string
	apiKey   string
	http     *http.Client
	log      *zap.Logger

	mu       sync.Mutex
	sessions map[string][]apiMessage
}

var _ adapter.Agent = (*API)(nil)

func NewAPI(endpoint, apiKey string, timeout time.Duration, log *zap.Logger) *API {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &API{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
		log:      log.Named("agent"),
		sessions: make(map[string][]apiMessage),
	}
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiRequest struct {
	Model       string       `json:"model"`
	MaxTokens   int          `json:"max_tokens"`
	System      string       `json:"system,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	Messages    []apiMessage `json:"messages"`
}

type apiResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model string `json:"model"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *API) Send(ctx context.Context, req *adapter.Request) (*adapter.Reply, error) {
	session := req.SessionID
	if session == "" {
		session = uuid.NewString()
	}
	a.mu.Lock()
	history := append([]apiMessage(nil), a.sessions[session]...)
	a.mu.Unlock()
	history = append(history, apiMessage{Role: "user", Content: req.Prompt})

	body := apiRequest{
		Model:     req.Mode.Model,
		MaxTokens: req.Mode.MaxTokens,
		System:    req.Mode.System,
		Messages:  history,
	}
	if body.Model == "" {
		body.Model = DefaultModel
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = defaultMaxTokens
	}
	if req.Mode.Temperature > 0 {
		t := req.Mode.Temperature
		body.Temperature = &t
	}

	resp, err := a.do(ctx, body)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	history = append(history, apiMessage{Role: "assistant", Content: text.String()})
	a.mu.Lock()
	a.sessions[session] = history
	a.mu.Unlock()

	return &adapter.Reply{
		Text:      text.String(),
		SessionID: session,
		CostUSD:   Cost(body.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens),
		Turns:     1,
	}, nil
}

func (a *API) do(ctx context.Context, body apiRequest) (*apiResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errs.Withf(errs.ErrAgentFailed, "marshal request: %v", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, errs.Withf(errs.ErrAgentFailed, "build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", a.apiKey)
	httpReq.Header.Set("Anthropic-Version", apiVersion)

	resp, err := a.http.Do(httpReq)
	if err != nil {
		var netErr net.Error
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			return nil, fmt.Errorf("agent exchange: %w", ctx.Err())
		case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
			return nil, errs.Withf(errs.ErrAgentTimeout, "%v", err)
		default:
			return nil, errs.Withf(errs.ErrAgentFailed, "transport: %v", err)
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Withf(errs.ErrAgentFailed, "read response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(data)
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		a.log.Warn("agent request rejected", zap.Int("status", resp.StatusCode), zap.String("message", msg))
		switch {
		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
			return nil, errs.Withf(errs.ErrAgentAuth, "%d: %s", resp.StatusCode, msg)
		case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == 529:
			return nil, errs.Withf(errs.ErrRateLimited, "%d: %s", resp.StatusCode, msg)
		case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusGatewayTimeout:
			return nil, errs.Withf(errs.ErrAgentTimeout, "%d: %s", resp.StatusCode, msg)
		default:
			return nil, errs.Withf(errs.ErrAgentFailed, "%d: %s", resp.StatusCode, msg)
		}
	}

	var out apiResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errs.Withf(errs.ErrAgentFailed, "parse response: %v", err)
	}
	if len(out.Content) == 0 {
		return nil, errs.Withf(errs.ErrAgentFailed, "empty response")
	}
	return &out, nil
}

// Cost prices an exchange from its token usage. Unknown models use the
// sonnet rate.
func Cost(model string, inputTokens, outputTokens int) float64 {
	in, out := pricing[1].input, pricing[1].outp
	for _, p := range pricing {
		if strings.HasPrefix(model, p.prefix) {
			in, out = p.input, p.outp
			break
		}
	}
	return (float64(inputTokens)*in + float64(outputTokens)*out) / 1_000_000
}
