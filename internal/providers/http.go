package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fmonfasani/iopeer.com/pkg/capability"
)

const maxResponseBytes = 1 << 20

var (
	// ErrUpstreamDenied is returned when the target host is not allowlisted.
	ErrUpstreamDenied = errors.New("upstream not allowed")
	// ErrUpstreamStatus is returned for non-2xx responses.
	ErrUpstreamStatus = errors.New("upstream returned error status")
)

// httpProvider calls config.url. Requests without a matching
// config.allowlist entry are refused.
type httpProvider struct {
	client *http.Client
}

func newHTTPProvider(client *http.Client) *httpProvider {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &httpProvider{client: client}
}

func (p *httpProvider) Handle(ctx context.Context, msg capability.Message) (any, error) {
	rawURL, _ := msg.Config["url"].(string)
	if rawURL == "" {
		return nil, fmt.Errorf("%w: url", ErrMissingConfig)
	}
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", target.Scheme)
	}
	if err := checkAllowlist(target, msg.Config); err != nil {
		return nil, err
	}

	method := http.MethodGet
	if m, _ := msg.Config["method"].(string); m != "" {
		method = strings.ToUpper(m)
	}

	var body io.Reader
	if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		payload, err := json.Marshal(msg.Data)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if headers, ok := msg.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s %s: %d", ErrUpstreamStatus, method, target.Host, resp.StatusCode)
	}

	var decoded any = string(data)
	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			decoded = v
		}
	}
	return map[string]any{
		"status": resp.StatusCode,
		"body":   decoded,
	}, nil
}

// checkAllowlist matches the target against "*", "*.example.com", an exact
// host or a URL prefix.
func checkAllowlist(target *url.URL, config map[string]any) error {
	list, _ := config["allowlist"].([]any)
	if len(list) == 0 {
		return fmt.Errorf("%w: no allowlist configured", ErrUpstreamDenied)
	}
	host := target.Hostname()
	base := target.Scheme + "://" + target.Host
	for _, entry := range list {
		pattern, ok := entry.(string)
		if !ok {
			continue
		}
		switch {
		case pattern == "*":
			return nil
		case strings.HasPrefix(pattern, "*."):
			if strings.HasSuffix(host, strings.TrimPrefix(pattern, "*")) {
				return nil
			}
		case pattern == host:
			return nil
		case strings.Contains(pattern, "://") && strings.HasPrefix(base, pattern):
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUpstreamDenied, host)
}
