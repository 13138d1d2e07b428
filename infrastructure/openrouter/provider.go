package openrouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	appchat "github.com/connortoro/aicompare/domain/chat"

	"github.com/sirupsen/logrus"
)

// ErrNoModel is returned when a request reaches the provider without a model id.
var ErrNoModel = errors.New("no model specified")

// ErrStreamFailed is returned when the upstream reports an error mid-stream.
var ErrStreamFailed = errors.New("upstream stream failed")

const defaultMaxRetries = 3

type Provider struct {
	apiKey       string
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
	rng          *rand.Rand
	rngMutex     sync.Mutex
	refererURL   string
	appName      string
	backoffBase  time.Duration
}

// NewProvider builds an OpenRouter client. timeout bounds a whole non-streaming
// call; streaming calls are bounded by the caller's context only, since a long
// answer may legitimately take minutes to arrive.
func NewProvider(apiKey, baseURL, refererURL, appName string, timeout time.Duration) *Provider {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	// Configure HTTP client with connection pooling
	transport := &http.Transport{
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}

	return &Provider{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		streamClient: &http.Client{Transport: transport},
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		refererURL:   refererURL,
		appName:      appName,
		backoffBase:  time.Second,
	}
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type usageOptions struct {
	Include bool `json:"include"`
}

type apiChatRequest struct {
	Model         string            `json:"model"`
	Messages      []appchat.Message `json:"messages"`
	Stream        bool              `json:"stream,omitempty"`
	StreamOptions *streamOptions    `json:"stream_options,omitempty"`
	Usage         *usageOptions     `json:"usage,omitempty"`
}

func (p *Provider) Chat(ctx context.Context, req *appchat.Request) (*appchat.Response, error) {
	return p.chatWithRetry(ctx, req, defaultMaxRetries)
}

func (p *Provider) jitter() time.Duration {
	p.rngMutex.Lock()
	defer p.rngMutex.Unlock()
	return time.Duration(p.rng.Intn(250)) * time.Millisecond
}

func (p *Provider) newRequest(ctx context.Context, body apiChatRequest) (*http.Request, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Authorization", "Bearer "+p.apiKey)
	hreq.Header.Set("HTTP-Referer", p.refererURL)
	hreq.Header.Set("X-Title", p.appName)
	return hreq, nil
}

func (p *Provider) chatWithRetry(ctx context.Context, req *appchat.Request, maxRetries int) (*appchat.Response, error) {
	if req.Model == "" {
		return nil, ErrNoModel
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: base, 2*base, 4*base plus up to 250ms jitter
			backoff := time.Duration(math.Pow(2, float64(attempt-1)))*p.backoffBase + p.jitter()
			logrus.WithFields(logrus.Fields{
				"attempt": attempt + 1,
				"backoff": backoff,
				"model":   req.Model,
			}).Info("Retrying API call after backoff")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		hreq, err := p.newRequest(ctx, apiChatRequest{
			Model:    req.Model,
			Messages: req.Messages,
			Usage:    &usageOptions{Include: true},
		})
		if err != nil {
			return nil, err
		}

		resp, err := p.httpClient.Do(hreq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("do: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read: %w", err)
			continue
		}

		// Retry on server errors (5xx) or rate limiting (429)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("openrouter api error: status %d, model %s: %s", resp.StatusCode, req.Model, string(body))
			logrus.WithFields(logrus.Fields{"status": resp.StatusCode, "body": string(body), "model": req.Model, "attempt": attempt + 1}).Warn("Retryable API error")
			continue
		}

		if resp.StatusCode != http.StatusOK {
			logrus.WithFields(logrus.Fields{"status": resp.StatusCode, "body": string(body), "model": req.Model}).Error("OpenRouter API error")
			return nil, fmt.Errorf("openrouter api error: status %d, model %s: %s", resp.StatusCode, req.Model, string(body))
		}

		var out appchat.Response
		if err := json.Unmarshal(body, &out); err != nil {
			lastErr = fmt.Errorf("unmarshal: %w", err)
			continue
		}

		return &out, nil
	}

	return nil, fmt.Errorf("api call failed after %d attempts: %w", maxRetries, lastErr)
}

func (p *Provider) Stream(ctx context.Context, req *appchat.Request, onChunk appchat.StreamHandler[appchat.StreamChunk]) error {
	if req.Model == "" {
		return ErrNoModel
	}

	hreq, err := p.newRequest(ctx, apiChatRequest{
		Model:         req.Model,
		Messages:      req.Messages,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
		Usage:         &usageOptions{Include: true},
	})
	if err != nil {
		return err
	}

	resp, err := p.streamClient.Do(hreq)
	if err != nil {
		return fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		logrus.WithFields(logrus.Fields{"status": resp.StatusCode, "body": string(body), "model": req.Model}).Error("OpenRouter streaming API error")
		return fmt.Errorf("openrouter streaming api error: status %d, model %s: %s", resp.StatusCode, req.Model, string(body))
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			done, herr := p.handleLine(line, req.Model, onChunk)
			if herr != nil || done {
				return herr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stream read: %w", err)
		}
	}
}

// handleLine decodes one SSE line. Comment lines (OpenRouter sends
// ": OPENROUTER PROCESSING" keep-alives) and blank separators are skipped.
func (p *Provider) handleLine(line []byte, model string, onChunk appchat.StreamHandler[appchat.StreamChunk]) (bool, error) {
	line = bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(line, []byte("data:")) {
		return false, nil
	}
	payload := bytes.TrimSpace(line[len("data:"):])
	if len(payload) == 0 {
		return false, nil
	}
	if bytes.Equal(payload, []byte("[DONE]")) {
		return true, nil
	}

	var chunk appchat.StreamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		logrus.WithFields(logrus.Fields{"payload": string(payload), "model": model}).Error("Failed to decode streaming chunk")
		return false, fmt.Errorf("decode chunk for model %s: %w", model, err)
	}
	if err := onChunk(chunk); err != nil {
		return false, err
	}
	if chunk.Failed() {
		code, message := 0, "finish_reason error"
		if chunk.Error != nil {
			code, message = chunk.Error.Code, chunk.Error.Message
		}
		logrus.WithFields(logrus.Fields{"code": code, "message": message, "model": model}).Error("OpenRouter stream ended with an upstream error")
		return false, fmt.Errorf("%w: model %s, code %d: %s", ErrStreamFailed, model, code, message)
	}
	return false, nil
}
