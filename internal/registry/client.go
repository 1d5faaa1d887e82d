package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"affiliation/internal/platform/config"
	dErrors "affiliation/pkg/domain-errors"
)

// Operator is a counterpart operator as listed by the registry.
type Operator struct {
	ID             string `json:"_id"`
	Name           string `json:"operatorName"`
	TransferAPIURL string `json:"transferAPIURL"`
}

// ValidateResult is the registry's answer about a citizen id.
type ValidateResult struct {
	// Registered is true when the registry knows the citizen.
	Registered bool
	// Detail is the registry's response body, which names the holding
	// operator for registered citizens.
	Detail string
}

// TransferRequest is the payload posted to a counterpart operator's receive
// endpoint when sending a citizen out.
type TransferRequest struct {
	CitizenID    string              `json:"id"`
	CitizenName  string              `json:"citizenName"`
	CitizenEmail string              `json:"citizenEmail"`
	URLDocuments map[string][]string `json:"urlDocuments"`
	ConfirmAPI   string              `json:"confirmAPI"`
}

// Client talks to the verification registry, counterpart operators, and the
// document service. All calls are bounded by the configured timeout and
// transient transport failures are retried a fixed number of times.
type Client struct {
	cfg          config.RegistryConfig
	documentsURL string
	httpClient   *http.Client
	logger       *slog.Logger
}

func NewClient(cfg config.RegistryConfig, documentsURL string, logger *slog.Logger) *Client {
	return &Client{
		cfg:          cfg,
		documentsURL: documentsURL,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		logger:       logger,
	}
}

// Validate asks the registry whether a citizen id is already registered.
// The registry answers 200 with operator details for known citizens and
// 204 for unknown ones.
func (c *Client) Validate(ctx context.Context, citizenID string) (*ValidateResult, error) {
	endpoint := fmt.Sprintf("%s/apis/validateCitizen/%s", c.cfg.BaseURL, url.PathEscape(citizenID))
	status, body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusOK:
		return &ValidateResult{Registered: true, Detail: string(body)}, nil
	case status == http.StatusNoContent || status == http.StatusNotFound:
		return &ValidateResult{Registered: false}, nil
	default:
		return nil, dErrors.Newf(dErrors.CodeUnavailable, "registry validate returned status %d", status)
	}
}

// Register submits a citizen to the registry. It returns the registry's
// status code; 201 means accepted, 501 means the id is held by another
// operator. Transport failures surface as errors.
func (c *Client) Register(ctx context.Context, citizenID, name, address, email, operatorID, operatorName string) (int, error) {
	payload := map[string]any{
		"id":           citizenID,
		"name":         name,
		"address":      address,
		"email":        email,
		"operatorId":   operatorID,
		"operatorName": operatorName,
	}
	status, _, err := c.do(ctx, http.MethodPost, c.cfg.BaseURL+"/apis/registerCitizen", payload)
	if err != nil {
		return 0, err
	}
	return status, nil
}

// ListOperators fetches the operator directory from the registry.
func (c *Client) ListOperators(ctx context.Context) ([]Operator, error) {
	status, body, err := c.do(ctx, http.MethodGet, c.cfg.BaseURL+"/apis/getOperators", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, dErrors.Newf(dErrors.CodeUnavailable, "registry operators returned status %d", status)
	}
	var operators []Operator
	if err := json.Unmarshal(body, &operators); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "decode operators response")
	}
	return operators, nil
}

// SendTransfer posts a citizen's transfer request to a counterpart operator's
// receive endpoint. A 2xx answer means the counterpart accepted the citizen
// synchronously.
func (c *Client) SendTransfer(ctx context.Context, targetURL string, req TransferRequest) (int, error) {
	status, _, err := c.do(ctx, http.MethodPost, targetURL, req)
	if err != nil {
		return 0, err
	}
	return status, nil
}

// ConfirmTransfer calls the source operator's confirmation endpoint after an
// incoming transfer resolves. accepted maps to req_status 1, rejected to 0.
func (c *Client) ConfirmTransfer(ctx context.Context, callbackURL, citizenID string, accepted bool) error {
	reqStatus := 0
	if accepted {
		reqStatus = 1
	}
	payload := map[string]any{
		"id":         citizenID,
		"req_status": reqStatus,
	}
	status, _, err := c.do(ctx, http.MethodPost, callbackURL, payload)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return dErrors.Newf(dErrors.CodeUnavailable, "transfer confirmation returned status %d", status)
	}
	return nil
}

// GetDocuments asks the document service for a citizen's bundle URLs, used to
// hand documents to the target operator during an outgoing transfer.
func (c *Client) GetDocuments(ctx context.Context, citizenID string) (map[string][]string, error) {
	endpoint := fmt.Sprintf("%s/api/v1/documents/%s/urls", c.documentsURL, url.PathEscape(citizenID))
	status, body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return map[string][]string{}, nil
	}
	if status != http.StatusOK {
		return nil, dErrors.Newf(dErrors.CodeUnavailable, "document service returned status %d", status)
	}
	var urls map[string][]string
	if err := json.Unmarshal(body, &urls); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "decode document urls")
	}
	return urls, nil
}

// do runs one HTTP exchange, retrying transport errors with a short linear
// backoff. Non-2xx statuses are returned to the caller, not retried; the
// caller knows which statuses carry meaning.
func (c *Client) do(ctx context.Context, method, endpoint string, payload any) (int, []byte, error) {
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
	}

	var lastErr error
	attempts := c.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
		if err != nil {
			return 0, nil, fmt.Errorf("build request: %w", err)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.logger.WarnContext(ctx, "registry call failed",
				"method", method,
				"url", endpoint,
				"attempt", attempt,
				"error", err,
			)
			if ctx.Err() != nil {
				break
			}
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		return resp.StatusCode, body, nil
	}
	return 0, nil, dErrors.Wrap(lastErr, dErrors.CodeUnavailable, "registry unreachable")
}
