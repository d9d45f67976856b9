package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/antoniostano/atom/internal/conversation"
	"github.com/antoniostano/atom/internal/reliability"
)

// HTTPAdapter talks to a generic chat endpoint that accepts
// {"model","messages","max_tokens","temperature","stop"} and answers with a
// JSON object, SSE or NDJSON.
type HTTPAdapter struct {
	name   string
	url    string
	model  string
	apiKey string
	client *http.Client
}

type httpChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type httpChatRequest struct {
	Model       string            `json:"model,omitempty"`
	Messages    []httpChatMessage `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float64           `json:"temperature"`
	Stop        []string          `json:"stop,omitempty"`
}

func NewHTTPAdapter(name, url, model, apiKey string) *HTTPAdapter {
	return &HTTPAdapter{
		name:   name,
		url:    strings.TrimSpace(url),
		model:  strings.TrimSpace(model),
		apiKey: strings.TrimSpace(apiKey),
		// Per-attempt deadlines come from the caller's context.
		client: &http.Client{},
	}
}

func (a *HTTPAdapter) Name() string        { return a.name }
func (a *HTTPAdapter) MaxInputTokens() int { return 0 }

func (a *HTTPAdapter) Generate(ctx context.Context, messages []conversation.Message, params Params) (string, error) {
	req := httpChatRequest{
		Model:       a.model,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		Stop:        params.StopSequences,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, httpChatMessage{Role: string(m.Role), Content: m.Content})
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", reliability.New(reliability.KindMalformedRequest, a.name, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return "", reliability.New(reliability.KindMalformedRequest, a.name, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	res, err := a.client.Do(httpReq)
	if err != nil {
		return "", reliability.New(reliability.ClassifyTransportError(err), a.name, fmt.Errorf("send request: %w", err))
	}
	defer res.Body.Close()

	if kind, failed := reliability.ClassifyHTTPStatus(res.StatusCode); failed {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", reliability.Errorf(kind, a.name, "http status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var text string
	ct := strings.ToLower(res.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "text/event-stream"):
		text, err = a.consumeSSE(res.Body)
	case strings.Contains(ct, "application/x-ndjson"):
		text, err = a.consumeNDJSON(res.Body)
	default:
		text, err = a.consumeBody(res.Body)
	}
	if err != nil {
		return "", reliability.New(reliability.ClassifyTransportError(err), a.name, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", reliability.Errorf(reliability.KindTransientNetwork, a.name, "empty response")
	}
	return text, nil
}

func (a *HTTPAdapter) consumeBody(body io.Reader) (string, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return string(raw), nil
	}
	return extractText(obj), nil
}

func (a *HTTPAdapter) consumeSSE(body io.Reader) (string, error) {
	return consumeLines(body, func(line string) (string, bool) {
		if !strings.HasPrefix(line, "data:") {
			// Comments, event names and ids carry no text.
			return "", false
		}
		return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
	})
}

func (a *HTTPAdapter) consumeNDJSON(body io.Reader) (string, error) {
	return consumeLines(body, func(line string) (string, bool) { return line, true })
}

func consumeLines(body io.Reader, payloadOf func(line string) (string, bool)) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		payload, ok := payloadOf(line)
		if !ok {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		delta := payload
		var obj map[string]any
		if err := json.Unmarshal([]byte(payload), &obj); err == nil {
			delta = extractText(obj)
		} else if out.Len() > 0 {
			delta = " " + delta
		}
		out.WriteString(delta)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("stream read: %w", err)
	}
	return out.String(), nil
}

// extractText pulls the reply out of the common response shapes, including
// OpenAI-style choices.
func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "delta", "output", "content", "message"} {
		if v, ok := obj[k]; ok {
			switch t := v.(type) {
			case string:
				return t
			case map[string]any:
				if s := extractText(t); s != "" {
					return s
				}
			}
		}
	}
	if choices, ok := obj["choices"].([]any); ok && len(choices) > 0 {
		if first, ok := choices[0].(map[string]any); ok {
			return extractText(first)
		}
	}
	return ""
}
