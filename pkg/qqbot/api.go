package qqbot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"

	"github.com/tinyland-inc/qqgate/pkg/logger"
)

const (
	DefaultAPIBase = "https://api.sgroup.qq.com"
	SandboxAPIBase = "https://sandbox.api.sgroup.qq.com"

	traceHeader = "X-Tps-trace-ID"
)

// Message types for the v2 message endpoints.
const (
	MsgTypeText     = 0
	MsgTypeMarkdown = 2
	MsgTypeMedia    = 7
)

// File types for rich-media uploads.
const (
	FileTypeImage = 1
	FileTypeVideo = 2
	FileTypeVoice = 3
)

// Message is the body of a group or C2C send.
type Message struct {
	Content string     `json:"content,omitempty"`
	MsgType int        `json:"msg_type"`
	MsgID   string     `json:"msg_id,omitempty"`
	EventID string     `json:"event_id,omitempty"`
	MsgSeq  int        `json:"msg_seq,omitempty"`
	Media   *MediaInfo `json:"media,omitempty"`
}

type MediaInfo struct {
	FileUUID string `json:"file_uuid,omitempty"`
	FileInfo string `json:"file_info"`
	TTL      int    `json:"ttl,omitempty"`
}

type FileUpload struct {
	FileType   int    `json:"file_type"`
	URL        string `json:"url"`
	SrvSendMsg bool   `json:"srv_send_msg"`
}

type MessageResult struct {
	ID        string `json:"id"`
	Timestamp any    `json:"timestamp,omitempty"`
}

// TokenProvider is satisfied by TokenManager.
type TokenProvider interface {
	oauth2.TokenSource
	Refresh(ctx context.Context) (*oauth2.Token, error)
}

// API is a thin client for the QQ bot OpenAPI endpoints the bridge uses.
type API struct {
	http   *resty.Client
	tokens TokenProvider
}

func NewAPI(baseURL string, tokens TokenProvider) *API {
	if baseURL == "" {
		baseURL = DefaultAPIBase
	}
	return &API{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second).
			SetHeader("Content-Type", "application/json"),
		tokens: tokens,
	}
}

// do sends one request. A 401 refreshes the token and retries exactly once.
func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	tok, err := a.tokens.Token()
	if err != nil {
		return fmt.Errorf("access token: %w", err)
	}

	err = a.attempt(ctx, tok, method, path, body, out)
	if !IsAuthFailure(err) {
		return err
	}

	logger.WarnCF("qqbot", "API rejected token, refreshing", map[string]any{"path": path})
	tok, rerr := a.tokens.Refresh(ctx)
	if rerr != nil {
		return fmt.Errorf("%w (refresh failed: %v)", err, rerr)
	}
	return a.attempt(ctx, tok, method, path, body, out)
}

func (a *API) attempt(ctx context.Context, tok *oauth2.Token, method, path string, body, out any) error {
	req := a.http.R().
		SetContext(ctx).
		SetHeader("Authorization", TokenType+" "+tok.AccessToken)
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	if resp.IsError() {
		apiErr := &APIError{Status: resp.StatusCode(), TraceID: resp.Header().Get(traceHeader)}
		var e struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(resp.Body(), &e) == nil {
			apiErr.Code = e.Code
			apiErr.Message = e.Message
		}
		return apiErr
	}

	if out != nil && len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}

// GatewayURL asks the platform which WebSocket endpoint to dial.
func (a *API) GatewayURL(ctx context.Context) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := a.do(ctx, http.MethodGet, "/gateway", nil, &out); err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", fmt.Errorf("gateway: empty url")
	}
	return out.URL, nil
}

func (a *API) PostGroupMessage(ctx context.Context, groupOpenID string, msg *Message) (*MessageResult, error) {
	var out MessageResult
	if err := a.do(ctx, http.MethodPost, "/v2/groups/"+url.PathEscape(groupOpenID)+"/messages", msg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) PostC2CMessage(ctx context.Context, openID string, msg *Message) (*MessageResult, error) {
	var out MessageResult
	if err := a.do(ctx, http.MethodPost, "/v2/users/"+url.PathEscape(openID)+"/messages", msg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadGroupFile registers a remote URL as a group-scoped file resource.
func (a *API) UploadGroupFile(ctx context.Context, groupOpenID string, f *FileUpload) (*MediaInfo, error) {
	var out MediaInfo
	if err := a.do(ctx, http.MethodPost, "/v2/groups/"+url.PathEscape(groupOpenID)+"/files", f, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) UploadC2CFile(ctx context.Context, openID string, f *FileUpload) (*MediaInfo, error) {
	var out MediaInfo
	if err := a.do(ctx, http.MethodPost, "/v2/users/"+url.PathEscape(openID)+"/files", f, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
