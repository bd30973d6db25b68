package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"aiInterview/internal/errcode"
)

const maxErrorBody = 8 * 1024

// HTTPClient 通过 HTTP/JSON 调用智能体服务。
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient 创建客户端。timeout 为单次请求的上限，调用方的 context 可以更短。
func NewHTTPClient(baseURL string, timeout time.Duration) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: agent base url missing", errcode.ErrConfiguration)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{baseURL: baseURL, http: &http.Client{Timeout: timeout}}, nil
}

// Start 开始一场面试。
func (c *HTTPClient) Start(ctx context.Context, profile Profile) (*Turn, error) {
	var turn Turn
	if err := c.do(ctx, http.MethodPost, "/interview/start", map[string]any{"profile": profile}, &turn); err != nil {
		return nil, err
	}
	return &turn, nil
}

// SendMessage 发送候选人的回答并取得下一轮提问。
func (c *HTTPClient) SendMessage(ctx context.Context, sessionID, text string) (*Turn, error) {
	body := map[string]any{"sessionId": sessionID, "message": text}
	var turn Turn
	if err := c.do(ctx, http.MethodPost, "/interview/message", body, &turn); err != nil {
		return nil, err
	}
	return &turn, nil
}

// Finalize 请求最终评估。
func (c *HTTPClient) Finalize(ctx context.Context, sessionID, completionReason string, durationSeconds int) (*Evaluation, error) {
	body := map[string]any{
		"sessionId":        sessionID,
		"completionReason": completionReason,
		"durationSeconds":  durationSeconds,
	}
	var eval Evaluation
	if err := c.do(ctx, http.MethodPost, "/interview/finalize", body, &eval); err != nil {
		return nil, err
	}
	return &eval, nil
}

// Release 释放远端会话。
func (c *HTTPClient) Release(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return c.do(ctx, http.MethodDelete, "/interview/"+url.PathEscape(sessionID), nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode agent request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build agent request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return fmt.Errorf("%w: %s %s: %v", errcode.ErrTimeout, method, path, err)
		}
		return fmt.Errorf("%w: %s %s: %v", errcode.ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: agent status %d: %s", errcode.ErrTransport, resp.StatusCode, errorDetail(raw))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode agent response: %v", errcode.ErrTransport, err)
	}
	return nil
}

// errorDetail 依次取 detail、message、error 字段，都没有时返回原始文本。
func errorDetail(raw []byte) string {
	var body struct {
		Detail  any    `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if s, ok := body.Detail.(string); ok && s != "" {
			return s
		}
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return text
	}
	return "interview service rejected the request"
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
