package pavlovia

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/st-keller/pavlovia-client/chain"
	"github.com/st-keller/pavlovia-client/logging"
	"github.com/st-keller/pavlovia-client/manifest"
	"github.com/st-keller/pavlovia-client/report"
	"github.com/st-keller/pavlovia-client/session"
	"github.com/st-keller/pavlovia-client/telemetry"
	"github.com/st-keller/pavlovia-client/transport"
)

// Version is the client version shown by the default error reporter.
const Version = "3.2.5"

// DefaultParticipantID is used when the host does not name the participant.
const DefaultParticipantID = "PARTICIPANT"

const (
	CommandInit   = "init"
	CommandFinish = "finish"
)

var (
	ErrInvalidConfigURL = errors.New("pavlovia: invalid config URL")
	ErrInvalidBaseURL   = errors.New("pavlovia: default base URL must be an absolute URL")
	ErrInvalidPageURL   = errors.New("pavlovia: invalid page URL")
)

// ErrorCallback receives every failure of a command, as an error chain.
type ErrorCallback func(err error)

// Config configures a Controller. The zero value is usable.
type Config struct {
	ConfigURL string // manifest URL, default manifest.DefaultURL
	Page      Page   // hosting page; nil runs headless (no hooks, no server parameters)

	HTTPClient *http.Client     // default: built from Transport
	Transport  transport.Config // used only when HTTPClient is nil

	Logger         *zerolog.Logger       // default: runtime logger on stderr
	Registerer     prometheus.Registerer // default: a private registry
	TracerProvider trace.TracerProvider  // default: the global provider

	DefaultBaseURL string           // server used by legacy manifests
	Now            func() time.Time // clock for result keys
}

// WithDefaults returns c with empty fields filled in.
func (c Config) WithDefaults() Config {
	if strings.TrimSpace(c.ConfigURL) == "" {
		c.ConfigURL = manifest.DefaultURL
	}
	if c.DefaultBaseURL == "" {
		c.DefaultBaseURL = manifest.DefaultBaseURL
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		l := logging.New(logging.ProfileRuntime, nil)
		c.Logger = &l
	}
	return c
}

// Validate checks the URLs in c.
func (c Config) Validate() error {
	if _, err := url.Parse(c.ConfigURL); err != nil || c.ConfigURL == "" {
		return fmt.Errorf("%w: %q", ErrInvalidConfigURL, c.ConfigURL)
	}
	if c.DefaultBaseURL != "" {
		u, err := url.Parse(c.DefaultBaseURL)
		if err != nil || !u.IsAbs() {
			return fmt.Errorf("%w: %q", ErrInvalidBaseURL, c.DefaultBaseURL)
		}
	}
	if c.Page != nil && c.Page.URL() != "" {
		if _, err := url.Parse(c.Page.URL()); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPageURL, err)
		}
	}
	return c.Transport.Validate()
}

// Controller runs the init and finish commands for one page.
type Controller struct {
	cfg      Config
	log      zerolog.Logger
	loader   *manifest.Loader
	client   *session.Client
	tracker  *telemetry.Tracker
	tracer   trace.Tracer
	reporter *report.Reporter

	mu    sync.Mutex
	state *runState
}

// runState is what init leaves behind for finish.
type runState struct {
	manifest *manifest.Manifest
	params   manifest.ServerParams
	session  *session.Session
}

// New creates a controller.
func New(cfg Config) (*Controller, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if cfg.HTTPClient == nil {
		httpClient, err := transport.BuildClient(cfg.Transport)
		if err != nil {
			return nil, fmt.Errorf("failed to build HTTP client: %w", err)
		}
		cfg.HTTPClient = httpClient
	}

	pageURL := ""
	var display report.Display
	if cfg.Page != nil {
		pageURL = cfg.Page.URL()
		display = cfg.Page
	}

	tracker := telemetry.NewTracker(cfg.Registerer)
	c := &Controller{
		cfg:     cfg,
		log:     *cfg.Logger,
		tracker: tracker,
		tracer:  telemetry.Tracer(cfg.TracerProvider),
		loader: &manifest.Loader{
			HTTPClient:     cfg.HTTPClient,
			PageURL:        pageURL,
			DefaultBaseURL: cfg.DefaultBaseURL,
			Logger:         cfg.Logger,
			Tracker:        tracker,
			TracerProvider: cfg.TracerProvider,
		},
		client: session.NewClient(session.Options{
			HTTPClient:     cfg.HTTPClient,
			Logger:         cfg.Logger,
			Tracker:        tracker,
			TracerProvider: cfg.TracerProvider,
		}),
		reporter: &report.Reporter{
			Title:   "[pavlovia " + Version + "] Error",
			Display: display,
			Logger:  cfg.Logger,
		},
	}

	c.log.Debug().Str("config_url", cfg.ConfigURL).Str("page_url", pageURL).Msg("pavlovia controller created")
	return c, nil
}

// DefaultErrorCallback logs the chain and replaces the page content with it.
func (c *Controller) DefaultErrorCallback() ErrorCallback {
	return c.reporter.Report
}

// Manifest returns the manifest loaded by the last init, or nil.
func (c *Controller) Manifest() *manifest.Manifest {
	if st := c.current(); st != nil {
		return st.manifest
	}
	return nil
}

// Session returns the session opened by the last init, or nil.
func (c *Controller) Session() *session.Session {
	if st := c.current(); st != nil {
		return st.session
	}
	return nil
}

// Connectivity returns the per-operation call statistics.
func (c *Controller) Connectivity() *telemetry.Tracker {
	return c.tracker
}

// Init loads the manifest, opens a session and installs the teardown hooks.
// Failures go to onError (the default reporter when nil); Init itself never fails.
func (c *Controller) Init(ctx context.Context, participantID string, onError ErrorCallback) {
	participantID = participantOrDefault(participantID)
	ctx, span := c.tracer.Start(ctx, "pavlovia.init",
		trace.WithAttributes(telemetry.AttrParticipant.String(participantID)))

	err := c.init(ctx)
	telemetry.EndSpan(span, err)
	if err != nil {
		c.deliver(onError, err)
	}
}

func (c *Controller) init(ctx context.Context) error {
	m, params, err := c.loader.Load(ctx, c.cfg.ConfigURL)
	if err != nil {
		return err
	}
	st := &runState{manifest: m, params: params}
	c.setState(st)
	c.log.Info().
		Str("experiment", m.Experiment.FullPath).
		Str("base_url", m.Endpoint.BaseURL).
		Msg("init | configured")

	s, err := c.client.Open(ctx, m, params)
	if err != nil {
		return err
	}
	m.Experiment.Token = s.Token()

	c.mu.Lock()
	st.session = s
	c.mu.Unlock()
	c.log.Info().
		Str("experiment", m.Experiment.FullPath).
		Str("status", m.Experiment.Status).
		Msg("init | session opened")

	c.installTeardown(ctx, m, s)
	return nil
}

// installTeardown registers the two unload hooks. Each runs at most once and
// both close the session as abandoned; the session lets only one request through.
func (c *Controller) installTeardown(ctx context.Context, m *manifest.Manifest, s *session.Session) {
	if c.cfg.Page == nil {
		return
	}
	closeCtx := context.WithoutCancel(ctx)
	teardown := func() {
		c.client.CloseSync(closeCtx, m, s, false)
	}

	var beforeUnload, unload sync.Once
	c.cfg.Page.OnBeforeUnload(func() { beforeUnload.Do(teardown) })
	c.cfg.Page.OnUnload(func() { unload.Do(teardown) })
}

// Finish uploads results and closes the session as completed.
// Failures go to onError (the default reporter when nil).
func (c *Controller) Finish(ctx context.Context, participantID string, results []byte, onError ErrorCallback) {
	participantID = participantOrDefault(participantID)
	ctx, span := c.tracer.Start(ctx, "pavlovia.finish",
		trace.WithAttributes(telemetry.AttrParticipant.String(participantID)))

	err := c.finish(ctx, participantID, results)
	telemetry.EndSpan(span, err)
	if err != nil {
		c.deliver(onError, err)
	}
}

func (c *Controller) finish(ctx context.Context, participantID string, results []byte) error {
	st := c.current()
	if st == nil {
		return chain.Wrap("Controller.Finish", "when uploading participant's results",
			chain.New(chain.KindIllegalState, "no configuration: init has not completed"))
	}

	key := ResultKey(st.manifest.Experiment.Name, participantID, c.cfg.Now())
	if err := c.client.Upload(ctx, st.manifest, c.Session(), key, results); err != nil {
		return err
	}
	c.log.Info().Str("key", key).Int("bytes", len(results)).Msg("finish | results uploaded")

	if err := c.client.Close(ctx, st.manifest, c.Session(), true); err != nil {
		return err
	}
	c.log.Info().Str("experiment", st.manifest.Experiment.FullPath).Msg("finish | session closed")
	return nil
}

// Trial is one host invocation of the controller.
type Trial struct {
	Command       string // "init" (default) or "finish", case-insensitive
	ParticipantID string // default DefaultParticipantID
	Results       []byte // serialized results, used by finish
	OnError       ErrorCallback
}

// Trial dispatches t and returns at once; the returned channel is closed
// when the command is done. Unknown commands are reported before Trial returns.
func (c *Controller) Trial(ctx context.Context, t Trial) <-chan struct{} {
	done := make(chan struct{})

	command := strings.ToLower(strings.TrimSpace(t.Command))
	if command == "" {
		command = CommandInit
	}

	switch command {
	case CommandInit:
		go func() {
			defer close(done)
			c.Init(ctx, t.ParticipantID, t.OnError)
		}()
	case CommandFinish:
		go func() {
			defer close(done)
			c.Finish(ctx, t.ParticipantID, t.Results, t.OnError)
		}()
	default:
		c.deliver(t.OnError, chain.Newf(chain.KindUsage, "unknown command: %s", t.Command))
		close(done)
	}
	return done
}

// deliver hands err to the host. A panicking callback is logged, never re-raised.
func (c *Controller) deliver(onError ErrorCallback, err error) {
	if onError == nil {
		onError = c.DefaultErrorCallback()
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Err(err).Msg("error callback panicked")
		}
	}()
	onError(err)
}

func (c *Controller) current() *runState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(st *runState) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
}

func participantOrDefault(id string) string {
	if strings.TrimSpace(id) == "" {
		return DefaultParticipantID
	}
	return id
}
