package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/indexd/internal/config"
)

// TEIProvider calls a text-embeddings-inference server over HTTP.
//
// Calls are paced client-side with a token bucket on top of the
// cross-process sliding-window limit, and each request carries its own
// timeout independent of the surrounding job.
type TEIProvider struct {
	baseURL   string
	model     string
	dimension int
	timeout   time.Duration
	client    *http.Client
	pacer     *rate.Limiter
	logger    *zap.Logger
}

// NewTEIProvider validates the configuration and builds the client.
func NewTEIProvider(cfg config.EmbeddingsConfig, dimension int, logger *zap.Logger) (*TEIProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if cfg.RequestsPerSecond <= 0 {
		return nil, fmt.Errorf("%w: requests_per_second must be > 0", ErrInvalidConfig)
	}

	return &TEIProvider{
		baseURL:   cfg.BaseURL,
		model:     cfg.Model,
		dimension: dimension,
		timeout:   cfg.Timeout.Duration(),
		client:    &http.Client{},
		pacer:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:    logger.Named("embeddings"),
	}, nil
}

// teiRequest is the request body for the TEI embed endpoint.
type teiRequest struct {
	Inputs   interface{} `json:"inputs"`
	Truncate bool        `json:"truncate"`
}

// EmbedDocuments implements Provider.
func (p *TEIProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	vectors, err := p.embed(ctx, teiRequest{Inputs: texts, Truncate: true})
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrProvider, len(vectors), len(texts))
	}
	return vectors, nil
}

// EmbedQuery implements Provider.
func (p *TEIProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}

	vectors, err := p.embed(ctx, teiRequest{Inputs: text, Truncate: true})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrProvider)
	}
	return vectors[0], nil
}

func (p *TEIProvider) embed(ctx context.Context, req teiRequest) ([][]float32, error) {
	if err := p.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrProvider, resp.StatusCode, string(respBody))
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrProvider, err)
	}

	p.logger.Debug("embedded batch",
		zap.Int("vectors", len(vectors)),
		zap.Duration("elapsed", time.Since(start)))
	return vectors, nil
}

// Identity implements Provider.
func (p *TEIProvider) Identity() string {
	return "tei:" + p.model
}

// Dimension implements Provider.
func (p *TEIProvider) Dimension() int {
	return p.dimension
}

// Close implements Provider.
func (p *TEIProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
