package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Veraticus/expense-flow/internal/common"
	"github.com/Veraticus/expense-flow/internal/service"
)

// embeddingResponse is shared by the OpenAI and Voyage embedding endpoints.
type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// jsonClient posts embedding requests and classifies failures for retry.
type jsonClient struct {
	httpClient *http.Client
	name       string
	endpoint   string
	apiKey     string
	retry      service.RetryOptions
}

func newJSONClient(name, endpoint string, cfg Config) jsonClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return jsonClient{
		httpClient: &http.Client{Timeout: timeout},
		name:       name,
		endpoint:   endpoint,
		apiKey:     cfg.APIKey,
		retry:      cfg.Retry,
	}
}

func (c jsonClient) embed(ctx context.Context, requestBody any) ([]float32, error) {
	jsonBody, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var vector []float32
	err = common.WithRetry(ctx, func() error {
		v, callErr := c.post(ctx, jsonBody)
		if callErr != nil {
			return callErr
		}
		vector = v
		return nil
	}, c.retry)
	if err != nil {
		return nil, err
	}
	return vector, nil
}

func (c jsonClient) post(ctx context.Context, jsonBody []byte) ([]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, common.Permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, common.Retryable(fmt.Errorf("%s: %w: %w", c.name, common.ErrProviderFailure, err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, common.Retryable(fmt.Errorf("%s: read response: %w", c.name, err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, common.StatusError(c.name, resp.StatusCode, string(body))
	}

	var apiResp embeddingResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, common.Permanent(fmt.Errorf("%s: %w: decode response: %w", c.name, common.ErrProviderFailure, err))
	}

	if len(apiResp.Data) == 0 || len(apiResp.Data[0].Embedding) == 0 {
		return nil, common.Permanent(fmt.Errorf("%s: %w: empty embedding data", c.name, common.ErrProviderFailure))
	}

	return apiResp.Data[0].Embedding, nil
}
