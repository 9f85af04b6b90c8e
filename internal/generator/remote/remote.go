package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jo-hoe/podqueue/internal/common"
	"github.com/jo-hoe/podqueue/internal/config"
	"github.com/jo-hoe/podqueue/internal/generator"
	"github.com/jo-hoe/podqueue/internal/util"
)

var _ generator.Generator = (*Client)(nil)

const (
	headerContentType   = "Content-Type"
	headerAuthorization = "Authorization"
	headerAccept        = "Accept"
	authSchemeBearer    = "Bearer"

	endpointPodcasts = "v1/podcasts"

	defaultTimeout    = 10 * time.Minute
	errorSnippetLimit = 400
)

// Client calls a remote generation service that answers with the audio body.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	workDir    string
}

// New creates a remote generator client.
func New(cfg config.HTTPSettings, workDir string) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		workDir:    workDir,
	}
}

type podcastRequest struct {
	URLs               []string       `json:"urls"`
	LLMModelName       string         `json:"llm_model_name,omitempty"`
	TTSModel           string         `json:"tts_model,omitempty"`
	ConversationConfig map[string]any `json:"conversation_config,omitempty"`
}

// Generate posts the source URL and writes the returned audio into the work dir.
func (c *Client) Generate(ctx context.Context, sourceURL string, opts generator.Options) (string, error) {
	u, err := url.JoinPath(c.baseURL, endpointPodcasts)
	if err != nil {
		return "", fmt.Errorf("%w: join url: %v", generator.ErrGeneration, err)
	}
	body, err := json.Marshal(podcastRequest{
		URLs:               []string{sourceURL},
		LLMModelName:       opts.LLMModel,
		TTSModel:           opts.TTSModel,
		ConversationConfig: opts.Conversation,
	})
	if err != nil {
		return "", fmt.Errorf("%w: marshal request: %v", generator.ErrGeneration, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: new request: %v", generator.ErrGeneration, err)
	}
	req.Header.Set(headerContentType, common.ContentTypeJSON)
	req.Header.Set(headerAccept, common.ContentTypeAudio)
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set(headerAuthorization, authSchemeBearer+" "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: http do: %v", generator.ErrGeneration, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorSnippetLimit*4))
		return "", fmt.Errorf("%w: remote status %d: %s", generator.ErrGeneration, resp.StatusCode,
			util.Truncate(strings.TrimSpace(string(snippet)), errorSnippetLimit))
	}

	out, err := generator.OutputPath(c.workDir, opts)
	if err != nil {
		return "", fmt.Errorf("%w: prepare output: %v", generator.ErrGeneration, err)
	}
	f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("%w: create output: %v", generator.ErrGeneration, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(out)
		return "", fmt.Errorf("%w: read audio: %v", generator.ErrGeneration, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("%w: close output: %v", generator.ErrGeneration, err)
	}
	return out, nil
}
