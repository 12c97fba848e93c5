// Package invoker calls the service an operation fronts. The executor owns
// retry policy; the invoker's job is the call itself and classifying what
// came back as retryable or not.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/praxisworks/meshflow/common/fault"
	"github.com/praxisworks/meshflow/common/logger"
	"github.com/praxisworks/meshflow/common/sdk"
	"github.com/praxisworks/meshflow/common/token"
)

// Invoker executes one service call for a token and returns the attributes
// the service produced. A fault.KindTransient error invites a retry; any
// other error is final for this token.
type Invoker interface {
	Invoke(ctx context.Context, t *token.Token) (map[string]string, error)
}

// Func adapts a plain function to an Invoker.
type Func func(ctx context.Context, t *token.Token) (map[string]string, error)

func (f Func) Invoke(ctx context.Context, t *token.Token) (map[string]string, error) {
	return f(ctx, t)
}

// Pass produces no attributes. Nodes without a backing service use it and
// act as pure routing elements.
type Pass struct{}

func (Pass) Invoke(_ context.Context, _ *token.Token) (map[string]string, error) {
	return nil, nil
}

// HTTP posts sdk.Invocation bodies to a fixed service endpoint.
type HTTP struct {
	endpoint string
	client   *http.Client
	log      *logger.Logger
}

// NewHTTP validates the endpoint and builds the invoker. Only http and
// https schemes are accepted; unlike a user-facing fetcher there is no
// loopback blocking, service endpoints routinely sit beside the node.
func NewHTTP(endpoint string, timeout time.Duration, log *logger.Logger) (*HTTP, error) {
	if err := validateEndpoint(endpoint); err != nil {
		return nil, err
	}
	return &HTTP{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		log:      log,
	}, nil
}

func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid service endpoint: %w", err)
	}
	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("service endpoint scheme %q is not allowed (only http/https)", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("service endpoint %q has no host", endpoint)
	}
	return nil
}

func (h *HTTP) Invoke(ctx context.Context, t *token.Token) (map[string]string, error) {
	body, err := json.Marshal(sdk.Invocation{
		TokenID:   t.ID,
		Version:   string(t.Version),
		Service:   t.Service,
		Operation: t.Operation,
		Attrs:     t.Attrs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode invocation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Token-ID", fmt.Sprintf("%d", t.ID))

	resp, err := h.client.Do(req)
	if err != nil {
		// Network-level failures are worth a retry.
		return nil, fault.Wrap(fault.KindTransient, err, "service call failed")
	}
	defer resp.Body.Close()

	if retryable(resp.StatusCode) {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fault.Newf(fault.KindTransient, "service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("service rejected invocation: status=%d, body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out sdk.Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			// Empty body means the service produced nothing.
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode service response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("service reported failure: %s", out.Error)
	}
	return out.Attrs, nil
}

func retryable(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}
