// Package httpstore implements remote.Store against the document-store HTTP API.
package httpstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/coachpo/livequery/errs"
	"github.com/coachpo/livequery/internal/domain/query"
	"github.com/coachpo/livequery/internal/domain/schema"
	"github.com/coachpo/livequery/internal/infra/wire"
)

const (
	storeLabel = "httpstore"

	queryPath     = "/v1/query"
	subscribePath = "/v1/subscribe"

	defaultRequestTimeout = 10 * time.Second
	readLimit             = 4 << 20
	maxErrorBody          = 1024
)

// Config configures a Client.
type Config struct {
	BaseURL           string
	Token             string
	RequestsPerSecond float64
	Burst             int
	RequestTimeout    time.Duration
	HTTPClient        *http.Client
	Logger            *log.Logger
}

// Client talks to the document store. Requests and channel opens share one rate limiter.
type Client struct {
	baseURL string
	token   string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
	logger  *log.Logger
}

// New creates a Client. A non-positive rate disables limiting.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("httpstore: base URL required")
	}
	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		if burst <= 0 {
			burst = 1
		}
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Client{
		baseURL: base,
		token:   strings.TrimSpace(cfg.Token),
		timeout: timeout,
		http:    client,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}, nil
}

// QueryOnce runs a one-shot query.
func (c *Client) QueryOnce(ctx context.Context, cs query.ConstraintSet) ([]schema.Record, error) {
	if err := c.wait(ctx, cs); err != nil {
		return nil, err
	}
	body, err := wire.Encode(wire.FromConstraintSet(cs))
	if err != nil {
		return nil, errs.New(storeLabel, errs.CodeInvalid, errs.WithCause(err), errs.WithCollection(cs.Collection()))
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+queryPath, bytes.NewReader(body))
	if err != nil {
		return nil, errs.New(storeLabel, errs.CodeInvalid, errs.WithCause(err), errs.WithCollection(cs.Collection()))
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(err, cs.Collection())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, cs.Collection())
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err, cs.Collection())
	}
	var decoded wire.QueryResponse
	if err := wire.Decode(data, &decoded); err != nil {
		return nil, errs.New(storeLabel, errs.CodeUnknown,
			errs.WithMessage("malformed query response"), errs.WithCause(err), errs.WithCollection(cs.Collection()))
	}
	return schema.CloneRecords(decoded.Records), nil
}

// Subscribe opens a websocket channel for cs. Failures after the handshake arrive on the
// error channel; both channels close when the socket ends.
func (c *Client) Subscribe(ctx context.Context, cs query.ConstraintSet) (<-chan []schema.Record, <-chan error, error) {
	if err := c.wait(ctx, cs); err != nil {
		return nil, nil, err
	}
	header := http.Header{}
	c.authorize(header)

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	conn, resp, err := websocket.Dial(dialCtx, c.baseURL+subscribePath, &websocket.DialOptions{
		HTTPClient: c.http,
		HTTPHeader: header,
	})
	cancel()
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, nil, statusError(resp, cs.Collection())
		}
		return nil, nil, transportError(err, cs.Collection())
	}
	conn.SetReadLimit(readLimit)

	frame, err := wire.Encode(wire.FromConstraintSet(cs))
	if err == nil {
		writeCtx, cancelWrite := context.WithTimeout(ctx, c.timeout)
		err = conn.Write(writeCtx, websocket.MessageText, frame)
		cancelWrite()
	}
	if err != nil {
		conn.CloseNow()
		return nil, nil, transportError(err, cs.Collection())
	}

	batches := make(chan []schema.Record, 1)
	failures := make(chan error, 1)
	go c.readLoop(ctx, conn, cs.Collection(), batches, failures)
	return batches, failures, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, collection string, batches chan<- []schema.Record, failures chan<- error) {
	defer close(failures)
	defer close(batches)
	defer conn.CloseNow()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			failures <- closeError(err, collection)
			return
		}
		var frame wire.Frame
		if err := wire.Decode(data, &frame); err != nil {
			c.logger.Printf("httpstore: decode frame on %s: %v", collection, err)
			continue
		}
		switch frame.Type {
		case wire.FrameBatch:
			records := frame.Records
			if records == nil {
				records = []schema.Record{}
			}
			select {
			case batches <- records:
			case <-ctx.Done():
				return
			}
		case wire.FrameError:
			body := wire.ErrorBody{Code: string(errs.CodeUnknown)}
			if frame.Error != nil {
				body = *frame.Error
			}
			failures <- body.Envelope(storeLabel, errs.WithCollection(collection))
			return
		default:
			c.logger.Printf("httpstore: ignoring frame type %q on %s", frame.Type, collection)
		}
	}
}

func (c *Client) wait(ctx context.Context, cs query.ConstraintSet) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return transportError(err, cs.Collection())
	}
	return nil
}

func (c *Client) authorize(header http.Header) {
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
}

// statusError classifies a non-success response, preferring the code in its error body.
func statusError(resp *http.Response, collection string) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var decoded wire.ErrorResponse
	if err := wire.Decode(data, &decoded); err == nil && decoded.Error.Code != "" {
		return decoded.Error.Envelope(storeLabel, errs.WithHTTP(resp.StatusCode), errs.WithCollection(collection))
	}
	return errs.FromHTTPStatus(storeLabel, resp.StatusCode, http.StatusText(resp.StatusCode), errs.WithCollection(collection))
}

func transportError(err error, collection string) error {
	envelope := errs.From(storeLabel, err)
	if envelope.Code == errs.CodeUnknown {
		envelope = errs.New(storeLabel, errs.CodeNetwork, errs.WithMessage(err.Error()), errs.WithCause(err))
	}
	copied := *envelope
	copied.Store = storeLabel
	copied.Collection = collection
	return &copied
}

// closeError classifies a socket that ended without an error frame.
func closeError(err error, collection string) error {
	status := websocket.CloseStatus(err)
	code, message := errs.CodeUnavailable, fmt.Sprintf("subscription closed with status %d", int(status))
	switch status {
	case -1:
		code, message = errs.CodeNetwork, "subscription connection lost"
	case websocket.StatusPolicyViolation:
		code = errs.CodePermissionDenied
	}
	return errs.New(storeLabel, code, errs.WithMessage(message), errs.WithCause(err), errs.WithCollection(collection))
}
