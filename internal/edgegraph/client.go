// Package edgegraph talks to the HTTP edge graph service that records which
// profiles the account has already handled.
package edgegraph

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-crawler/internal/automation"
	"github.com/JakeFAU/outreach-crawler/internal/faults"
)

var tracer = otel.Tracer("edgegraph")

// Config locates the edge graph service.
type Config struct {
	BaseURL string
	// Token is sent as a bearer token when set.
	Token   string
	Timeout time.Duration
}

// Client implements automation.EdgeGraph over HTTP.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

// New builds a client for cfg.BaseURL.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("edge graph base url is required")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse edge graph url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	instrument(client)
	return &Client{http: client, logger: logger.Named("edgegraph")}, nil
}

// CheckEdgeExists implements automation.EdgeGraph.
func (c *Client) CheckEdgeExists(ctx context.Context, profileID string) (bool, error) {
	const op = "check edge"
	if profileID == "" {
		return false, faults.Errorf(faults.Database, op, "profile id is required")
	}
	res, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", profileID).
		Get("/edges/{id}")
	if err != nil {
		return false, faults.New(faults.Network, op, err).With("profile_id", profileID)
	}
	switch res.StatusCode() {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, statusError(op, res).With("profile_id", profileID)
}

// CreateEdge implements automation.EdgeGraph. A conflict means the edge
// already exists and is not an error.
func (c *Client) CreateEdge(ctx context.Context, edge automation.Edge) error {
	const op = "create edge"
	if edge.ProfileID == "" {
		return faults.Errorf(faults.Database, op, "profile id is required")
	}
	res, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(edge).
		Post("/edges")
	if err != nil {
		return faults.New(faults.Network, op, err).With("profile_id", edge.ProfileID)
	}
	switch res.StatusCode() {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusConflict:
		c.logger.Debug("edge already recorded", zap.String("profile_id", edge.ProfileID))
		return nil
	}
	return statusError(op, res).With("profile_id", edge.ProfileID)
}

func statusError(op string, res *resty.Response) *faults.Error {
	category := faults.Database
	switch code := res.StatusCode(); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		category = faults.Authentication
	case code == http.StatusTooManyRequests:
		category = faults.RateLimit
	case code == http.StatusBadGateway || code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout:
		category = faults.Network
	}
	body := strings.TrimSpace(res.String())
	if len(body) > 200 {
		body = body[:200]
	}
	return faults.Errorf(category, op, "edge graph returned %d: %s", res.StatusCode(), body).
		With("status", strconv.Itoa(res.StatusCode()))
}

func instrument(client *resty.Client) {
	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		ctx, _ := tracer.Start(req.Context(), "http "+req.Method, trace.WithSpanKind(trace.SpanKindClient))
		req.SetContext(ctx)
		return nil
	})
	client.OnAfterResponse(func(_ *resty.Client, res *resty.Response) error {
		span := trace.SpanFromContext(res.Request.Context())
		defer span.End()
		span.SetAttributes(
			attribute.String("http.url", res.Request.URL),
			attribute.Int("http.status_code", res.StatusCode()),
		)
		if res.StatusCode() >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, res.Status())
		}
		return nil
	})
	client.OnError(func(req *resty.Request, err error) {
		span := trace.SpanFromContext(req.Context())
		defer span.End()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	})
}
