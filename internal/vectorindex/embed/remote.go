package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// backoffSchedule is the fixed retry schedule of spec §4.7: on 429 the
// request waits 15s, then 30s, then 45s, so one request makes the first
// attempt plus up to three retries.
var backoffSchedule = []time.Duration{15 * time.Second, 30 * time.Second, 45 * time.Second}

// Remote is an HTTP-backed EmbeddingBackend (openai/siliconflow/custom
// modes all speak the same OpenAI-compatible /embeddings contract).
type Remote struct {
	client    *http.Client
	apiBase   string
	apiKey    string
	model     string
	dim       int
	limiter   *rate.Limiter
}

// NewRemote builds a Remote backend whose requests are throttled by a
// token bucket refilled at maxRequests per window with a burst of
// maxRequests. It is not a sliding window: after an idle period a full
// burst plus the refill can start up to twice maxRequests requests within
// one window.
func NewRemote(apiBase, apiKey, model string, dim int, maxRequests int, window time.Duration) *Remote {
	if maxRequests <= 0 {
		maxRequests = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	ratePerSec := rate.Limit(float64(maxRequests) / window.Seconds())
	return &Remote{
		client:  &http.Client{Timeout: 30 * time.Second},
		apiBase: apiBase,
		apiKey:  apiKey,
		model:   model,
		dim:     dim,
		limiter: rate.NewLimiter(ratePerSec, maxRequests),
	}
}

func (r *Remote) Dimension() int    { return r.dim }
func (r *Remote) IsAvailable() bool { return r.apiKey != "" && r.apiBase != "" }

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (r *Remote) Encode(ctx context.Context, text string) ([]float32, error) {
	vs, err := r.EncodeBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

func (r *Remote) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if !r.IsAvailable() {
		return nil, fmt.Errorf("embed: remote backend not configured")
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embed: rate limiter wait: %w", err)
	}

	body, err := json.Marshal(embeddingsRequest{Model: r.model, Input: texts})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= len(backoffSchedule); attempt++ {
		resp, err := r.doRequest(ctx, body)
		if err == nil {
			vs := make([][]float32, len(resp.Data))
			for i, d := range resp.Data {
				Normalize(d.Embedding)
				vs[i] = d.Embedding
			}
			return vs, nil
		}
		lastErr = err
		if !isRateLimitErr(err) || attempt == len(backoffSchedule) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoffSchedule[attempt]):
		}
	}
	return nil, fmt.Errorf("embed: remote encode failed after retries: %w", lastErr)
}

type rateLimitError struct{ status int }

func (e *rateLimitError) Error() string { return fmt.Sprintf("embed: remote returned %d", e.status) }

func isRateLimitErr(err error) bool {
	rle, ok := err.(*rateLimitError)
	return ok && rle.status == http.StatusTooManyRequests
}

func (r *Remote) doRequest(ctx context.Context, body []byte) (*embeddingsResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.apiBase+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embed: remote status %d: %s", resp.StatusCode, string(data))
	}

	var out embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("embed: decode response: %w", err)
	}
	return &out, nil
}
