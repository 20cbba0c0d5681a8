package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxBody = 1 << 20

// NewHTTPClient returns a traced client for provider calls.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

type transport struct {
	log      *slog.Logger
	http     *http.Client
	provider Provider
	tracer   trace.Tracer
}

func newTransport(log *slog.Logger, hc *http.Client, p Provider) transport {
	if hc == nil {
		hc = NewHTTPClient(15 * time.Second)
	}
	return transport{
		log:      log.With("provider", string(p)),
		http:     hc,
		provider: p,
		tracer:   otel.Tracer("gateway"),
	}
}

type response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r response) ok() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// do sends req and reads the body. Transport failures are returned as *Error of kind.
func (t transport) do(ctx context.Context, kind error, op string, req *http.Request) (response, error) {
	ctx, span := t.tracer.Start(ctx, string(t.provider)+"."+op,
		trace.WithAttributes(attribute.String("gateway.provider", string(t.provider))))
	defer span.End()

	resp, err := t.http.Do(req.WithContext(ctx))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.log.Warn("gateway transport failed", "op", op, "err", err)
		return response{}, &Error{Kind: kind, Provider: t.provider, Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return response{}, &Error{Kind: kind, Provider: t.provider, Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	t.log.Debug("gateway call", "op", op, "status", resp.StatusCode)
	return response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func (t transport) fail(kind error, op string, r response) *Error {
	return &Error{Kind: kind, Provider: t.provider, Op: op, StatusCode: r.StatusCode, Body: truncate(string(r.Body), 512)}
}

type tokenPayload struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresIn   json.Number `json:"expires_in"`
}

// parseToken decodes an OAuth-style token response.
func (t transport) parseToken(r response) (Token, error) {
	var tp tokenPayload
	dec := json.NewDecoder(strings.NewReader(string(r.Body)))
	dec.UseNumber()
	if err := dec.Decode(&tp); err != nil {
		return Token{}, &Error{Kind: ErrAuth, Provider: t.provider, Op: "authenticate", StatusCode: r.StatusCode, Err: fmt.Errorf("decode token: %w", err)}
	}
	if tp.AccessToken == "" {
		return Token{}, &Error{Kind: ErrAuth, Provider: t.provider, Op: "authenticate", StatusCode: r.StatusCode, Err: fmt.Errorf("token payload without access_token")}
	}
	ttl, _ := tp.ExpiresIn.Int64()
	if ttl <= 0 {
		ttl = 300
	}
	typ := tp.TokenType
	if typ == "" {
		typ = "Bearer"
	}
	return Token{
		AccessToken: tp.AccessToken,
		Type:        typ,
		ExpiresAt:   time.Now().UTC().Add(time.Duration(ttl) * time.Second),
	}, nil
}

func bearer(tok Token) string { return "Bearer " + tok.AccessToken }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
