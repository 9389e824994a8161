package topchef

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/seantiz/topchef/internal/model"
	"github.com/seantiz/topchef/internal/schema"
)

// InstanceHeader carries the worker instance id on every request.
const InstanceHeader = "X-Topchef-Instance"

// DefaultTimeout bounds each request when no HTTP client is supplied.
const DefaultTimeout = 30 * time.Second

// maxBodySize caps how much of a response body is read.
const maxBodySize = 16 << 20

// Client talks to one TopChef server.
type Client struct {
	address    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	instanceID string
	legacy     bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithRateLimit paces outbound requests. Zero disables pacing.
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithInstanceID sets the value of the instance header.
func WithInstanceID(id string) Option {
	return func(c *Client) { c.instanceID = id }
}

// WithLegacyStatuses makes the client send REGISTERED and COMPLETED, the
// spellings older servers expect, instead of PENDING and COMPLETE.
func WithLegacyStatuses() Option {
	return func(c *Client) { c.legacy = true }
}

// New creates a client for the server at address.
func New(address string, opts ...Option) (*Client, error) {
	address = strings.TrimRight(strings.TrimSpace(address), "/")
	if address == "" {
		return nil, fmt.Errorf("topchef: server address is required")
	}
	if !strings.HasPrefix(address, "http://") && !strings.HasPrefix(address, "https://") {
		return nil, fmt.Errorf("topchef: server address %q must start with http:// or https://", address)
	}

	c := &Client{
		address:    address,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     slog.New(slog.DiscardHandler),
		instanceID: model.NewID(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Address returns the server base URL.
func (c *Client) Address() string {
	return c.address
}

// InstanceID returns the id sent in the instance header.
func (c *Client) InstanceID() string {
	return c.instanceID
}

// Ping reports whether the server answers its root endpoint with 200.
func (c *Client) Ping(ctx context.Context) bool {
	status, _, err := c.do(ctx, http.MethodGet, "/", nil)
	if err != nil {
		c.logger.Debug("ping failed", "address", c.address, "error", err)
		return false
	}
	return status == http.StatusOK
}

// Register creates a new service and returns a binding to it. A nil result
// schema is replaced with schema.DefaultResultSchema.
func (c *Client) Register(ctx context.Context, reg model.ServiceRegistration) (*Service, error) {
	const op = "register"
	endpoint := "/services"

	if len(reg.JobResultSchema) == 0 {
		reg.JobResultSchema = schema.DefaultResultSchema
	}
	if len(reg.JobRegistrationSchema) == 0 {
		return nil, newError(op, ErrRegistration, endpoint, 0, errors.New("job registration schema is required"))
	}

	status, body, err := c.do(ctx, http.MethodPost, endpoint, reg)
	if err != nil {
		return nil, newError(op, ErrRegistration, endpoint, 0, err)
	}
	switch {
	case status == http.StatusBadRequest:
		return nil, newError(op, ErrMalformedSchema, endpoint, status, errors.Join(ErrRegistration, serverMessage(body)))
	case status != http.StatusCreated:
		return nil, newError(op, ErrRegistration, endpoint, status, serverMessage(body))
	}

	var resp struct {
		Data struct {
			ServiceDetails struct {
				ID string `json:"id"`
			} `json:"service_details"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newError(op, ErrRegistration, endpoint, status, fmt.Errorf("decode response: %w", err))
	}
	id, err := model.ParseServiceID(resp.Data.ServiceDetails.ID)
	if err != nil {
		return nil, newError(op, ErrRegistration, endpoint, status, err)
	}

	c.logger.Info("service registered", "service_id", id, "name", reg.Name)
	return c.Bind(id)
}

// Lookup binds to an existing service after checking that the server knows it.
func (c *Client) Lookup(ctx context.Context, serviceID string) (*Service, error) {
	svc, err := c.Bind(serviceID)
	if err != nil {
		return nil, err
	}
	if _, err := svc.Details(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}

// Bind returns a binding to serviceID without contacting the server.
func (c *Client) Bind(serviceID string) (*Service, error) {
	id, err := model.ParseServiceID(serviceID)
	if err != nil {
		return nil, err
	}
	return &Service{client: c, id: id}, nil
}

// do sends one request and returns the status code and body. A non-nil error
// means no usable response was received.
func (c *Client) do(ctx context.Context, method, endpoint string, payload any) (int, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.address+endpoint, body)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.instanceID != "" {
		req.Header.Set(InstanceHeader, c.instanceID)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug("topchef request",
		"method", method,
		"endpoint", endpoint,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)
	return resp.StatusCode, respBody, nil
}

// serverMessage extracts a readable message from an error response body.
func serverMessage(body []byte) error {
	var env struct {
		Message string `json:"message"`
		Errors  any    `json:"errors"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil {
		switch {
		case env.Message != "":
			return errors.New(env.Message)
		case env.Error != "":
			return errors.New(env.Error)
		case env.Errors != nil:
			return fmt.Errorf("%v", env.Errors)
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256] + "..."
	}
	if msg == "" {
		return nil
	}
	return errors.New(msg)
}
