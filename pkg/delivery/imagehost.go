package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// ImageHost stores image bytes somewhere publicly reachable and returns the
// URL.
type ImageHost interface {
	Upload(ctx context.Context, data []byte, filename string) (string, error)
}

var ErrNoURL = errors.New("image host: no url in response")

type HTTPImageHostConfig struct {
	URL       string
	Token     string
	FormField string
	// ResponseURL is a gjson path to the URL in the upload response.
	ResponseURL string
	Timeout     time.Duration
}

// HTTPImageHost uploads images as a multipart form to a generic image host.
type HTTPImageHost struct {
	cfg  HTTPImageHostConfig
	http *resty.Client
}

func NewHTTPImageHost(cfg HTTPImageHostConfig) *HTTPImageHost {
	if cfg.FormField == "" {
		cfg.FormField = "file"
	}
	if cfg.ResponseURL == "" {
		cfg.ResponseURL = "data.url"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &HTTPImageHost{
		cfg:  cfg,
		http: resty.New().SetTimeout(cfg.Timeout),
	}
}

func (h *HTTPImageHost) Upload(ctx context.Context, data []byte, filename string) (string, error) {
	if filename == "" {
		filename = uuid.NewString() + ".png"
	}
	req := h.http.R().
		SetContext(ctx).
		SetFileReader(h.cfg.FormField, filename, bytes.NewReader(data))
	if h.cfg.Token != "" {
		req.SetAuthToken(h.cfg.Token)
	}

	resp, err := req.Post(h.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("image host: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("image host: status %d", resp.StatusCode())
	}

	u := strings.TrimSpace(gjson.GetBytes(resp.Body(), h.cfg.ResponseURL).String())
	if u == "" {
		return "", ErrNoURL
	}
	return u, nil
}

// imageName builds a unique upload name with the given extension.
func imageName(ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		ext = "png"
	}
	return uuid.NewString() + "." + ext
}
