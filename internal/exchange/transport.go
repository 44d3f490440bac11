package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roach88/sitenet/internal/telemetry"
)

// EndpointPath is resolved against a peer's base URL.
const EndpointPath = "servlet/ismexchange"

// Default timeouts for one exchange.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 10 * time.Second
)

// maxErrorBody bounds how much of a peer's error response is kept.
const maxErrorBody = 4096

// Batch is the body of an exchange request and of its response.
type Batch struct {
	ExchangeID string            `json:"exchangeId"`
	Messages   []json.RawMessage `json:"messages"`
}

// Result is what a peer returned from one exchange.
type Result struct {
	ExchangeID string
	Status     int
	Messages   [][]byte

	// ServerError holds the peer's error text when Status is not 200 and
	// the caller did not expect success.
	ServerError string
}

// Transport sends a batch of encoded messages to a peer.
//
// With expectSuccess, a non-200 answer is a *RejectedError. Without it the
// status and error text are returned in Result and err is nil. Network
// failures are always a *TransportError.
type Transport interface {
	Exchange(ctx context.Context, peerURL string, msgs [][]byte, expectSuccess bool) (Result, error)
}

// Endpoint resolves the exchange endpoint for a peer's base URL. The base
// is a directory whether or not it ends in a slash. Its query and fragment
// are dropped.
func Endpoint(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse peer url %q: %w", base, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("peer url %q is not absolute", base)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
		u.RawPath = ""
	}
	return u.ResolveReference(&url.URL{Path: EndpointPath}).String(), nil
}

// HTTPTransport is the Transport used between sites.
type HTTPTransport struct {
	client         *http.Client
	ids            IDGenerator
	connectTimeout time.Duration
	readTimeout    time.Duration
}

// TransportOption configures an HTTPTransport.
type TransportOption func(*HTTPTransport)

// WithConnectTimeout bounds connection setup.
func WithConnectTimeout(d time.Duration) TransportOption {
	return func(t *HTTPTransport) {
		if d > 0 {
			t.connectTimeout = d
		}
	}
}

// WithReadTimeout bounds the wait for the peer's answer.
func WithReadTimeout(d time.Duration) TransportOption {
	return func(t *HTTPTransport) {
		if d > 0 {
			t.readTimeout = d
		}
	}
}

// WithIDGenerator replaces the UUIDv7 exchange id source.
func WithIDGenerator(g IDGenerator) TransportOption {
	return func(t *HTTPTransport) {
		t.ids = g
	}
}

// NewHTTPTransport returns a transport with 10 second connect and read timeouts.
func NewHTTPTransport(opts ...TransportOption) *HTTPTransport {
	t := &HTTPTransport{
		ids:            UUIDv7Generator{},
		connectTimeout: DefaultConnectTimeout,
		readTimeout:    DefaultReadTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.client = &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: t.connectTimeout}).DialContext,
			TLSHandshakeTimeout:   t.connectTimeout,
			ResponseHeaderTimeout: t.readTimeout,
			MaxIdleConnsPerHost:   2,
		},
	}
	return t
}

// Exchange implements Transport.
func (t *HTTPTransport) Exchange(ctx context.Context, peerURL string, msgs [][]byte, expectSuccess bool) (Result, error) {
	endpoint, err := Endpoint(peerURL)
	if err != nil {
		return Result{}, err
	}

	batch := Batch{ExchangeID: t.ids.Generate(), Messages: make([]json.RawMessage, len(msgs))}
	for i, m := range msgs {
		batch.Messages[i] = json.RawMessage(m)
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return Result{}, fmt.Errorf("encode exchange batch: %w", err)
	}

	// The whole exchange, body included, must finish within both timeouts.
	ctx, cancel := context.WithTimeout(ctx, t.connectTimeout+t.readTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	start := time.Now()
	res := Result{ExchangeID: batch.ExchangeID}
	defer func() { telemetry.ExchangeDuration.Observe(time.Since(start).Seconds()) }()

	slog.Debug("exchange starting", "exchange", batch.ExchangeID, "url", endpoint, "messages", len(msgs))

	resp, err := t.client.Do(req)
	if err != nil {
		telemetry.ExchangesTotal.WithLabelValues("transport").Inc()
		return res, &TransportError{URL: endpoint, Err: err}
	}
	defer resp.Body.Close()
	res.Status = resp.StatusCode

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		res.ServerError = strings.TrimSpace(string(text))
		telemetry.ExchangesTotal.WithLabelValues("rejected").Inc()
		if expectSuccess {
			return res, &RejectedError{URL: endpoint, Status: resp.StatusCode, Body: res.ServerError}
		}
		return res, nil
	}

	var reply Batch
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		telemetry.ExchangesTotal.WithLabelValues("transport").Inc()
		return res, &TransportError{URL: endpoint, Err: fmt.Errorf("read reply: %w", err)}
	}
	for _, m := range reply.Messages {
		res.Messages = append(res.Messages, []byte(m))
	}
	telemetry.ExchangesTotal.WithLabelValues("ok").Inc()
	telemetry.MessagesSent.Add(float64(len(msgs)))
	return res, nil
}
