package rail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const defaultRailTimeout = 10 * time.Second

// HTTPAdapter talks to a remote rail over JSON. Every mutating call carries
// the idempotency key as a header so retries land on the same operation.
// Timeouts surface as ErrNeedsReconciliation, never as success or failure.
type HTTPAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPAdapter builds an adapter for the sandbox or production rail.
func NewHTTPAdapter(baseURL, apiKey string) *HTTPAdapter {
	return &HTTPAdapter{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: defaultRailTimeout},
	}
}

// Reserve implements Adapter.
func (a *HTTPAdapter) Reserve(ctx context.Context, req ReserveRequest) (*ReserveResult, error) {
	var out ReserveResult
	if err := a.post(ctx, "/v1/reserves", req.IdempotencyKey, req, &out); err != nil {
		return nil, err
	}
	if out.Status == StatusReserved && out.ReserveID == "" {
		return nil, ErrNeedsReconciliation
	}
	return &out, nil
}

// Release implements Adapter.
func (a *HTTPAdapter) Release(ctx context.Context, req ReleaseRequest) (*ReleaseResult, error) {
	var out ReleaseResult
	path := fmt.Sprintf("/v1/reserves/%s/release", req.ReserveID)
	if err := a.post(ctx, path, req.IdempotencyKey, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Void implements Adapter.
func (a *HTTPAdapter) Void(ctx context.Context, req VoidRequest) (*VoidResult, error) {
	var out VoidResult
	path := fmt.Sprintf("/v1/reserves/%s/void", req.ReserveID)
	if err := a.post(ctx, path, req.IdempotencyKey, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetStatus implements Adapter. Status reads are safe to retry freely.
func (a *HTTPAdapter) GetStatus(ctx context.Context, reserveID string) (*ReserveStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.baseURL+"/v1/reserves/"+reserveID, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("rail: status read: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrReserveNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rail: status read returned %d", resp.StatusCode)
	}
	var out ReserveStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *HTTPAdapter) post(ctx context.Context, path, idempotencyKey string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("X-Idempotency-Key", idempotencyKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		// The rail may have processed the request: outcome unknown.
		if isTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
			return ErrNeedsReconciliation
		}
		return fmt.Errorf("rail: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrReserveNotFound
	}
	if resp.StatusCode >= 500 {
		return ErrNeedsReconciliation
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("rail: %s returned %d: %s", path, resp.StatusCode, payload)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
