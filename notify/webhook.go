package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"conductor/core"
	"conductor/metrics"
)

// WebhookRequest is a fully rendered outbound webhook call.
type WebhookRequest struct {
	URL          string
	Method       string // default POST
	Headers      map[string]string
	Body         []byte
	AuthType     core.WebhookAuthType
	AuthToken    string
	AuthUsername string
	AuthPassword string
	APIKeyHeader string // default X-API-Key
	Timeout      time.Duration
}

// WebhookResponse carries the downstream status for the execution record.
type WebhookResponse struct {
	StatusCode int `json:"status_code"`
}

// WebhookSender delivers outbound webhook calls.
type WebhookSender interface {
	SendWebhook(ctx context.Context, req WebhookRequest) (*WebhookResponse, error)
}

// WebhookSecurity controls SSRF validation for outbound webhook URLs.
type WebhookSecurity struct {
	AllowLocalhost  bool
	AllowPrivateIPs bool
	Allowlist       []string // allowed hostnames (exact or suffix); empty means no allowlist
	DefaultTimeout  time.Duration
}

const maxWebhookRetries = 3

// HTTPWebhookSender sends webhooks with retries and per-endpoint circuit
// breakers. Failures against one endpoint never block requests to another.
type HTTPWebhookSender struct {
	client   *http.Client
	security WebhookSecurity
	logger   *zap.SugaredLogger
	cbConfig core.CircuitBreakerConfig

	cbMu     sync.Mutex
	breakers map[string]*core.CircuitBreaker
}

// NewHTTPWebhookSender creates a webhook sender. The client enforces TLS 1.2+
// and never follows redirects, so the validated URL is the one that is hit.
func NewHTTPWebhookSender(security WebhookSecurity, cbConfig core.CircuitBreakerConfig, logger *zap.SugaredLogger) (*HTTPWebhookSender, error) {
	if err := cbConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}
	if security.DefaultTimeout <= 0 {
		security.DefaultTimeout = 10 * time.Second
	}
	transport := &http.Transport{
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &HTTPWebhookSender{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		security: security,
		logger:   logger,
		cbConfig: cbConfig,
		breakers: make(map[string]*core.CircuitBreaker),
	}, nil
}

// SendWebhook validates the URL, then attempts delivery with exponential
// backoff under the endpoint's circuit breaker. Any non-2xx response is a
// failure.
func (s *HTTPWebhookSender) SendWebhook(ctx context.Context, req WebhookRequest) (*WebhookResponse, error) {
	if err := s.validateURL(req.URL); err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}

	parsed, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}
	endpoint := parsed.Host
	cb := s.breakerFor(endpoint)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.security.DefaultTimeout
	}

	var lastErr error
	for attempt := 0; attempt < maxWebhookRetries; attempt++ {
		if err := cb.Allow(); err != nil {
			metrics.CircuitBreakerState.WithLabelValues(endpoint).Set(breakerStateValue(cb.State()))
			return nil, fmt.Errorf("circuit breaker open for %s: %w", endpoint, err)
		}

		resp, err := s.attempt(ctx, req, timeout)
		if err == nil {
			old, new := cb.RecordSuccess()
			s.observeTransition(endpoint, old, new)
			return resp, nil
		}
		lastErr = err

		old, new := cb.RecordFailure()
		s.observeTransition(endpoint, old, new)
		s.logger.Warnw("Webhook delivery failed",
			"endpoint", endpoint, "attempt", attempt+1, "max_attempts", maxWebhookRetries, "error", err)

		// Respect caller cancellation and deadline; do not retry past them.
		if ctx.Err() != nil {
			return nil, lastErr
		}
		if cb.State() == core.CircuitBreakerStateOpen {
			return nil, fmt.Errorf("circuit breaker opened for %s: %w", endpoint, lastErr)
		}
		if attempt < maxWebhookRetries-1 {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, lastErr
			}
		}
	}
	return nil, fmt.Errorf("webhook to %s failed after %d attempts: %w", endpoint, maxWebhookRetries, lastErr)
}

func (s *HTTPWebhookSender) attempt(ctx context.Context, req WebhookRequest, timeout time.Duration) (*WebhookResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(callCtx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	switch req.AuthType {
	case core.WebhookAuthBearer:
		httpReq.Header.Set("Authorization", "Bearer "+req.AuthToken)
	case core.WebhookAuthBasic:
		httpReq.SetBasicAuth(req.AuthUsername, req.AuthPassword)
	case core.WebhookAuthAPIKey:
		header := req.APIKeyHeader
		if header == "" {
			header = "X-API-Key"
		}
		httpReq.Header.Set(header, req.AuthToken)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("webhook request timed out after %s: %w", timeout, context.DeadlineExceeded)
		}
		return nil, err
	}
	defer func() {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return &WebhookResponse{StatusCode: resp.StatusCode}, nil
}

func (s *HTTPWebhookSender) breakerFor(endpoint string) *core.CircuitBreaker {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	cb, ok := s.breakers[endpoint]
	if !ok {
		cb = core.MustNewCircuitBreaker(s.cbConfig)
		s.breakers[endpoint] = cb
	}
	return cb
}

func (s *HTTPWebhookSender) observeTransition(endpoint string, oldState, newState core.CircuitBreakerState) {
	metrics.CircuitBreakerState.WithLabelValues(endpoint).Set(breakerStateValue(newState))
	if oldState != newState {
		s.logger.Warnw("Circuit breaker state transition",
			"endpoint", endpoint, "from", string(oldState), "to", string(newState))
		metrics.CircuitBreakerStateTransitions.WithLabelValues(endpoint, string(oldState), string(newState)).Inc()
	}
}

func breakerStateValue(state core.CircuitBreakerState) float64 {
	switch state {
	case core.CircuitBreakerStateHalfOpen:
		return 1
	case core.CircuitBreakerStateOpen:
		return 2
	default:
		return 0
	}
}

// validateURL rejects URLs that would let a rule reach internal services.
func (s *HTTPWebhookSender) validateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("webhook URL must use http or https scheme")
	}
	if parsed.User != nil {
		return fmt.Errorf("webhook URL cannot contain credentials")
	}
	hostname := parsed.Hostname()
	if hostname == "" {
		return fmt.Errorf("webhook URL must have a hostname")
	}
	hostnameLower := strings.ToLower(hostname)

	if len(s.security.Allowlist) > 0 {
		for _, entry := range s.security.Allowlist {
			entry = strings.TrimSpace(strings.ToLower(entry))
			if entry == "" {
				continue
			}
			if entry == hostnameLower || strings.HasSuffix(hostnameLower, "."+entry) {
				return nil
			}
		}
		return fmt.Errorf("webhook URL hostname %s is not in allowlist", hostname)
	}

	if !s.security.AllowLocalhost {
		for _, pattern := range []string{"localhost", "127.", "0.0.0.0", "[::1]"} {
			if strings.Contains(hostnameLower, pattern) {
				return fmt.Errorf("webhook URL cannot target localhost")
			}
		}
	}

	if !s.security.AllowPrivateIPs {
		ips, err := net.LookupIP(hostname)
		if err != nil {
			return fmt.Errorf("failed to resolve hostname: %w", err)
		}
		for _, ip := range ips {
			if isInternalIP(ip) {
				return fmt.Errorf("webhook URL points to internal network (resolved IP: %s)", ip)
			}
		}
	}
	return nil
}

// internalRanges covers loopback, RFC1918, link-local (including cloud
// metadata endpoints), CGN, IPv6 ULA/multicast and IPv4-mapped IPv6.
var internalRanges = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"0.0.0.0/8",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
	"ff00::/8",
	"::ffff:0:0/96",
}

func isInternalIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	for _, cidr := range internalRanges {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}
