package session

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/st-keller/pavlovia-client/chain"
	"github.com/st-keller/pavlovia-client/logging"
	"github.com/st-keller/pavlovia-client/manifest"
	"github.com/st-keller/pavlovia-client/telemetry"
)

const (
	contentTypeForm = "application/x-www-form-urlencoded; charset=UTF-8"
	contentTypeJSON = "application/json;charset=UTF-8"

	maxReplySize = 1 << 20
)

// Options configures a Client. Every field is optional.
type Options struct {
	HTTPClient     *http.Client
	Logger         *zerolog.Logger
	Tracker        *telemetry.Tracker
	TracerProvider trace.TracerProvider
}

// Client talks to the session endpoints of the server. It keeps no session
// state of its own; callers pass the manifest and session to every call.
type Client struct {
	http    *http.Client
	log     zerolog.Logger
	tracker *telemetry.Tracker
	tracer  trace.Tracer
}

// NewClient creates a session client.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		http:    httpClient,
		log:     logging.Or(opts.Logger),
		tracker: opts.Tracker,
		tracer:  telemetry.Tracer(opts.TracerProvider),
	}
}

// Open opens a new session for the manifest's experiment. On success the
// manifest's experiment status and save format are updated from the server's echo.
func (c *Client) Open(ctx context.Context, m *manifest.Manifest, params manifest.ServerParams) (*Session, error) {
	ctx, span := c.startSpan(ctx, "pavlovia.session.open", "open", m)

	s, err := c.open(ctx, m, params)
	if err != nil {
		err = chain.Wrap("Client.Open", "when opening a session for experiment: "+fullPath(m), err)
	}
	telemetry.EndSpan(span, err)
	return s, err
}

func (c *Client) open(ctx context.Context, m *manifest.Manifest, params manifest.ServerParams) (*Session, error) {
	if m == nil {
		return nil, errNoManifest()
	}

	form := url.Values{}
	if token, ok := params.PilotToken(); ok {
		form.Set("pilotToken", token)
	}

	status, body, err := c.send(ctx, "open", http.MethodPost, sessionsURL(m), contentTypeForm, []byte(form.Encode()))
	if err != nil {
		return nil, chain.FromError(chain.KindTransport, err)
	}
	if !isSuccess(status) {
		return nil, serverError(chain.KindTransport, status, body)
	}

	var reply openReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, chain.Newf(chain.KindProtocol, "unexpected answer from server: %v", err)
	}
	if reply.Token == nil || *reply.Token == "" {
		return nil, chain.New(chain.KindProtocol, "unexpected answer from server: no token")
	}
	if reply.Experiment == nil {
		return nil, chain.New(chain.KindProtocol, "unexpected answer from server: no experiment")
	}
	var echo experimentEcho
	if err := json.Unmarshal(*reply.Experiment, &echo); err != nil {
		return nil, chain.Newf(chain.KindProtocol, "unexpected answer from server: invalid experiment: %v", err)
	}

	m.Experiment.Status = echo.Status2
	m.Experiment.SaveFormat = manifest.SaveFormat(echo.SaveFormat)

	c.log.Debug().
		Str("experiment", m.Experiment.FullPath).
		Str("status", m.Experiment.Status).
		Str("save_format", string(m.Experiment.SaveFormat)).
		Str("server_status", reply.Status).
		Msg("session opened")
	return New(*reply.Token), nil
}

// Upload stores value under key in the session's results.
func (c *Client) Upload(ctx context.Context, m *manifest.Manifest, s *Session, key string, value []byte) error {
	ctx, span := c.startSpan(ctx, "pavlovia.session.upload", "upload", m)

	err := c.upload(ctx, m, s, key, value)
	if err != nil {
		err = chain.Wrap("Client.Upload", "when uploading participant's results for experiment: "+fullPath(m), err)
	}
	telemetry.EndSpan(span, err)
	return err
}

func (c *Client) upload(ctx context.Context, m *manifest.Manifest, s *Session, key string, value []byte) error {
	if err := requireLive(m, s); err != nil {
		return err
	}

	form := url.Values{}
	form.Set("key", key)
	form.Set("value", string(value))

	status, body, err := c.send(ctx, "upload", http.MethodPost, resultsURL(m, s), contentTypeForm, []byte(form.Encode()))
	if err != nil {
		return chain.FromError(chain.KindUpload, err)
	}
	if !isSuccess(status) {
		return serverError(chain.KindUpload, status, body)
	}

	c.log.Debug().Str("key", key).Int("bytes", len(value)).Msg("results uploaded")
	return nil
}

// Close closes the session and waits for the server's answer. A successful
// close ends the session.
func (c *Client) Close(ctx context.Context, m *manifest.Manifest, s *Session, isCompleted bool) error {
	ctx, span := c.startSpan(ctx, "pavlovia.session.close", "close", m)

	err := c.close(ctx, m, s, isCompleted)
	if err != nil {
		err = chain.Wrap("Client.Close", "when closing the session for experiment: "+fullPath(m), err)
	}
	telemetry.EndSpan(span, err)
	return err
}

func (c *Client) close(ctx context.Context, m *manifest.Manifest, s *Session, isCompleted bool) error {
	if err := requireLive(m, s); err != nil {
		return err
	}

	form := url.Values{}
	form.Set("isCompleted", strconv.FormatBool(isCompleted))

	status, body, err := c.send(ctx, "close", http.MethodDelete, sessionURL(m, s), contentTypeForm, []byte(form.Encode()))
	if err != nil {
		return chain.FromError(chain.KindTransport, err)
	}
	if !isSuccess(status) {
		return serverError(chain.KindTransport, status, body)
	}

	s.markClosed()
	c.log.Debug().Bool("completed", isCompleted).Msg("session closed")
	return nil
}

// CloseSync is the teardown variant of Close: it blocks until the request
// completes or ctx ends, and discards every outcome. The session ends as
// soon as the attempt starts, so repeated calls send at most one request.
func (c *Client) CloseSync(ctx context.Context, m *manifest.Manifest, s *Session, isCompleted bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Debug().Interface("panic", r).Msg("synchronous close discarded")
		}
	}()

	if m == nil || !s.claim() {
		c.log.Debug().Msg("synchronous close skipped: no live session")
		return
	}

	ctx, span := c.startSpan(ctx, "pavlovia.session.close_sync", "close_sync", m)
	defer span.End()

	body, _ := json.Marshal(map[string]bool{"isCompleted": isCompleted})
	status, _, err := c.send(ctx, "close_sync", http.MethodDelete, sessionURL(m, s), contentTypeJSON, body)

	// Nobody can observe the result during teardown.
	c.log.Debug().Int("status", status).AnErr("error", err).Msg("synchronous close finished")
}

// send performs one request and returns the status and body. A non-nil error
// means no response was received.
func (c *Client) send(ctx context.Context, op, method, endpoint, contentType string, payload []byte) (int, []byte, error) {
	requestID := uuid.NewString()
	trace.SpanFromContext(ctx).SetAttributes(telemetry.AttrRequestID.String(requestID))

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", requestID)

	start := time.Now()
	resp, err := c.http.Do(req)
	latency := time.Since(start)
	if err != nil {
		c.tracker.TrackFailure(op, endpoint, latency, err.Error())
		c.log.Debug().Str("op", op).Str("request_id", requestID).Err(err).Msg("request failed")
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		c.tracker.TrackFailure(op, endpoint, latency, err.Error())
		return 0, nil, err
	}

	trace.SpanFromContext(ctx).SetAttributes(telemetry.AttrStatusCode.Int(resp.StatusCode))
	if isSuccess(resp.StatusCode) {
		c.tracker.TrackSuccess(op, endpoint, latency)
	} else {
		c.tracker.TrackFailure(op, endpoint, latency, serverMessage(resp.StatusCode, body))
		c.log.Debug().
			Str("op", op).
			Str("request_id", requestID).
			Int("status", resp.StatusCode).
			Str("body", strings.TrimSpace(string(body))).
			Msg("server rejected request")
	}
	return resp.StatusCode, body, nil
}

func (c *Client) startSpan(ctx context.Context, name, op string, m *manifest.Manifest) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(
		telemetry.AttrOperation.String(op),
		telemetry.AttrExperiment.String(fullPath(m)),
	))
}

func requireLive(m *manifest.Manifest, s *Session) error {
	if m == nil {
		return errNoManifest()
	}
	if s == nil || s.Token() == "" {
		return chain.New(chain.KindIllegalState, "no open session: a session must be opened first")
	}
	if !s.Live() {
		return chain.New(chain.KindIllegalState, "the session is already closed")
	}
	return nil
}

func errNoManifest() *chain.Terminal {
	return chain.New(chain.KindIllegalState, "no configuration: the manifest has not been loaded")
}

func fullPath(m *manifest.Manifest) string {
	if m == nil {
		return ""
	}
	return m.Experiment.FullPath
}
