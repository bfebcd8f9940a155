package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// RemoteProvider обращается к GoTrue-совместимому сервису аутентификации.
type RemoteProvider struct {
	baseURL    string
	apiKey     string
	httpClient *retryablehttp.Client
}

type credentialsPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type errorPayload struct {
	Message          string `json:"msg"`
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
}

// NewRemoteProvider создаёт клиент провайдера аутентификации по указанному адресу.
func NewRemoteProvider(baseURL, apiKey string, logger *zap.Logger) *RemoteProvider {
	base := strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 5 * time.Second
	client.Logger = zapLeveledLogger{logger.Sugar()}

	return &RemoteProvider{
		baseURL:    base,
		apiKey:     apiKey,
		httpClient: client,
	}
}

// SignUp регистрирует учётную запись у провайдера.
func (p *RemoteProvider) SignUp(ctx context.Context, email, password string) error {
	status, body, err := p.post(ctx, "/auth/v1/signup", credentialsPayload{Email: email, Password: password})
	if err != nil {
		return err
	}

	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		return nil
	case status == http.StatusUnprocessableEntity || status == http.StatusBadRequest:
		if isAlreadyRegistered(body) {
			return ErrAlreadyRegistered
		}
		return fmt.Errorf("sign up rejected: %s", body.describe())
	default:
		return fmt.Errorf("unexpected status: %d", status)
	}
}

// SignInWithPassword проверяет email и пароль у провайдера.
func (p *RemoteProvider) SignInWithPassword(ctx context.Context, email, password string) error {
	status, _, err := p.post(ctx, "/auth/v1/token?grant_type=password", credentialsPayload{Email: email, Password: password})
	if err != nil {
		return err
	}

	switch status {
	case http.StatusOK:
		return nil
	case http.StatusBadRequest, http.StatusUnauthorized:
		return ErrInvalidCredentials
	default:
		return fmt.Errorf("unexpected status: %d", status)
	}
}

func (p *RemoteProvider) post(ctx context.Context, path string, payload credentialsPayload) (int, *errorPayload, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, raw)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("apikey", p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil, nil
	}

	var body errorPayload
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil && err != io.EOF {
		return resp.StatusCode, nil, fmt.Errorf("decode response: %w", err)
	}

	return resp.StatusCode, &body, nil
}

func isAlreadyRegistered(body *errorPayload) bool {
	if body == nil {
		return false
	}
	if body.ErrorCode == "user_already_exists" || body.ErrorCode == "email_exists" {
		return true
	}
	return strings.Contains(strings.ToLower(body.Message), "already registered")
}

func (e *errorPayload) describe() string {
	if e == nil {
		return "empty response"
	}
	if e.Message != "" {
		return e.Message
	}
	return e.ErrorDescription
}

// zapLeveledLogger направляет журнал повторов retryablehttp в zap.
type zapLeveledLogger struct {
	s *zap.SugaredLogger
}

func (l zapLeveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, keysAndValues...)
}

func (l zapLeveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Infow(msg, keysAndValues...)
}

func (l zapLeveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l zapLeveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.s.Warnw(msg, keysAndValues...)
}
