package pavlovia

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/st-keller/pavlovia-client/chain"
	"github.com/st-keller/pavlovia-client/internal/testserver"
	"github.com/st-keller/pavlovia-client/logging"
	"github.com/st-keller/pavlovia-client/transport"
)

type fakePage struct {
	url string

	mu           sync.Mutex
	beforeUnload []func()
	unload       []func()
	content      []string
}

func (p *fakePage) URL() string { return p.url }

func (p *fakePage) OnBeforeUnload(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.beforeUnload = append(p.beforeUnload, fn)
}

func (p *fakePage) OnUnload(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unload = append(p.unload, fn)
}

func (p *fakePage) SetContent(html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.content = append(p.content, html)
}

func (p *fakePage) fireBeforeUnload() { p.fire(p.beforeUnload) }
func (p *fakePage) fireUnload()       { p.fire(p.unload) }

func (p *fakePage) fire(hooks []func()) {
	p.mu.Lock()
	hs := append([]func(){}, hooks...)
	p.mu.Unlock()
	for _, h := range hs {
		h()
	}
}

func (p *fakePage) shown() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.content...)
}

// errorSink collects errors delivered to a callback.
type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errorSink) callback(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *errorSink) all() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

var fixedNow = time.Date(2024, 3, 1, 10, 5, 9, 123_000_000, time.UTC)

func newController(t *testing.T, srv *testserver.Server, mutate ...func(*Config)) (*Controller, *fakePage) {
	t.Helper()
	page := &fakePage{url: srv.PageURL("")}
	logger := logging.New(logging.ProfileTest, io.Discard)
	cfg := Config{
		Page:   page,
		Logger: &logger,
		Now:    func() time.Time { return fixedNow },
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c, page
}

func TestController_InitAndFinish(t *testing.T) {
	srv := testserver.New(t)
	c, page := newController(t, srv)
	sink := &errorSink{}
	ctx := context.Background()

	c.Init(ctx, "P1", sink.callback)
	require.Empty(t, sink.all())

	require.NotNil(t, c.Manifest())
	assert.Equal(t, "T1", c.Manifest().Experiment.Token)
	assert.Equal(t, "RUNNING", c.Manifest().Experiment.Status)
	assert.True(t, c.Session().Live())

	c.Finish(ctx, "P1", []byte("a,b\n1,2\n"), sink.callback)
	require.Empty(t, sink.all())

	uploads := srv.CallsTo(http.MethodPost, "/results")
	require.Len(t, uploads, 1)
	assert.Equal(t, "A_P1_SESSION_2024-03-01_10h05.09.123.csv", uploads[0].Values["key"])
	assert.Equal(t, "a,b\n1,2\n", uploads[0].Values["value"])

	closes := srv.CallsTo(http.MethodDelete, "/T1")
	require.Len(t, closes, 1)
	assert.Equal(t, "true", closes[0].Values["isCompleted"])
	assert.False(t, c.Session().Live())

	page.fireBeforeUnload()
	page.fireUnload()
	assert.Len(t, srv.CallsTo(http.MethodDelete, "/T1"), 1)
	assert.Empty(t, page.shown())

	ops := map[string]bool{}
	for _, st := range c.Connectivity().Snapshot() {
		ops[st.Operation] = true
	}
	assert.Equal(t, map[string]bool{"configure": true, "open": true, "upload": true, "close": true}, ops)
}

func TestController_DefaultParticipant(t *testing.T) {
	srv := testserver.New(t)
	c, _ := newController(t, srv)
	sink := &errorSink{}

	c.Init(context.Background(), "", sink.callback)
	c.Finish(context.Background(), " ", nil, sink.callback)
	require.Empty(t, sink.all())

	uploads := srv.CallsTo(http.MethodPost, "/results")
	require.Len(t, uploads, 1)
	assert.Equal(t, "A_PARTICIPANT_SESSION_2024-03-01_10h05.09.123.csv", uploads[0].Values["key"])
}

func TestController_PilotTokenFromPage(t *testing.T) {
	srv := testserver.New(t)
	c, _ := newController(t, srv, func(cfg *Config) {
		cfg.Page = &fakePage{url: srv.PageURL("__pilotToken=abc&participant=x")}
	})

	c.Init(context.Background(), "P1", nil)

	opens := srv.CallsTo(http.MethodPost, "/sessions")
	require.Len(t, opens, 1)
	assert.Equal(t, map[string]string{"pilotToken": "abc"}, opens[0].Values)
}

func TestController_TeardownClosesOnce(t *testing.T) {
	srv := testserver.New(t)
	c, page := newController(t, srv)

	c.Init(context.Background(), "P1", nil)
	require.True(t, c.Session().Live())

	page.fireBeforeUnload()
	page.fireBeforeUnload()
	page.fireUnload()

	closes := srv.CallsTo(http.MethodDelete, "/T1")
	require.Len(t, closes, 1)
	assert.Equal(t, "application/json", closes[0].ContentType)
	assert.Equal(t, "false", closes[0].Values["isCompleted"])
	assert.False(t, c.Session().Live())
}

func TestController_TeardownSurvivesCancelledInit(t *testing.T) {
	srv := testserver.New(t)
	c, page := newController(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	c.Init(ctx, "P1", nil)
	cancel()

	page.fireUnload()
	assert.Len(t, srv.CallsTo(http.MethodDelete, "/T1"), 1)
}

func TestController_FinishBeforeInit(t *testing.T) {
	srv := testserver.New(t)
	c, _ := newController(t, srv)
	sink := &errorSink{}

	c.Finish(context.Background(), "P1", []byte("x"), sink.callback)

	errs := sink.all()
	require.Len(t, errs, 1)
	assert.True(t, chain.IsKind(errs[0], chain.KindIllegalState))
	assert.Equal(t, []string{
		"when uploading participant's results",
		"no configuration: init has not completed",
	}, chain.Lines(errs[0]))
	assert.Empty(t, srv.Calls())
}

func TestController_FinishAfterFailedOpen(t *testing.T) {
	srv := testserver.New(t)
	srv.SetOpen(testserver.Reply{Status: http.StatusForbidden, Body: `{"error":"experiment is not running"}`})
	c, _ := newController(t, srv)
	sink := &errorSink{}

	c.Init(context.Background(), "P1", sink.callback)
	c.Finish(context.Background(), "P1", []byte("x"), sink.callback)

	errs := sink.all()
	require.Len(t, errs, 2)
	assert.Equal(t, "experiment is not running", chain.Root(errs[0]).Message)
	assert.True(t, chain.IsKind(errs[1], chain.KindIllegalState))
	assert.Empty(t, srv.CallsTo(http.MethodPost, "/results"))
}

func TestController_InitFailures(t *testing.T) {
	tests := []struct {
		name     string
		manifest testserver.Reply
		wantKind chain.Kind
		wantRoot string
	}{
		{"missing manifest", testserver.Reply{Status: http.StatusNotFound}, chain.KindConfigFetch, "Not Found"},
		{"invalid shape", testserver.Reply{Status: http.StatusOK, Body: `{"experiment":{"name":"A"}}`}, chain.KindConfigShape, "missing fullpath in experiment block in configuration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testserver.New(t)
			srv.SetManifest(tt.manifest)
			c, _ := newController(t, srv)
			sink := &errorSink{}

			c.Init(context.Background(), "P1", sink.callback)

			errs := sink.all()
			require.Len(t, errs, 1)
			assert.True(t, chain.IsKind(errs[0], tt.wantKind))
			assert.Equal(t, tt.wantRoot, chain.Root(errs[0]).Message)
			assert.Equal(t, "when configuring the plugin", chain.Frames(errs[0])[0].Context)
			assert.Empty(t, srv.Calls())
			assert.Nil(t, c.Session())
		})
	}
}

func TestController_LegacyManifest(t *testing.T) {
	srv := testserver.New(t)
	srv.SetManifest(testserver.Reply{Status: http.StatusOK, Body: testserver.LegacyManifest("A", "u/A")})
	c, _ := newController(t, srv, func(cfg *Config) {
		cfg.DefaultBaseURL = srv.URL
	})
	sink := &errorSink{}

	c.Init(context.Background(), "P1", sink.callback)
	require.Empty(t, sink.all())

	assert.Equal(t, srv.URL, c.Manifest().Endpoint.BaseURL)
	assert.Len(t, srv.CallsTo(http.MethodPost, "/sessions"), 1)
}

func TestController_DefaultCallbackShowsChain(t *testing.T) {
	srv := testserver.New(t)
	srv.SetManifest(testserver.Reply{Status: http.StatusNotFound})
	c, page := newController(t, srv)

	c.Init(context.Background(), "P1", nil)

	shown := page.shown()
	require.Len(t, shown, 1)
	assert.Contains(t, shown[0], "[pavlovia 3.2.5] Error")
	assert.Contains(t, shown[0], "when configuring the plugin")
	assert.Contains(t, shown[0], "<b>Not Found</b>")
}

func TestController_PanickingCallback(t *testing.T) {
	srv := testserver.New(t)
	srv.SetManifest(testserver.Reply{Status: http.StatusInternalServerError})
	c, _ := newController(t, srv)

	assert.NotPanics(t, func() {
		c.Init(context.Background(), "P1", func(error) { panic("host bug") })
	})
}

func TestController_Trial(t *testing.T) {
	srv := testserver.New(t)
	c, _ := newController(t, srv)
	sink := &errorSink{}
	ctx := context.Background()

	<-c.Trial(ctx, Trial{Command: "INIT", ParticipantID: "P1", OnError: sink.callback})
	require.True(t, c.Session().Live())

	<-c.Trial(ctx, Trial{Command: "Finish", ParticipantID: "P1", Results: []byte("r"), OnError: sink.callback})
	assert.Empty(t, sink.all())
	assert.False(t, c.Session().Live())
}

func TestController_TrialDefaultsToInit(t *testing.T) {
	srv := testserver.New(t)
	c, _ := newController(t, srv)

	select {
	case <-c.Trial(context.Background(), Trial{}):
	case <-time.After(5 * time.Second):
		t.Fatal("init did not finish")
	}
	assert.Len(t, srv.CallsTo(http.MethodPost, "/sessions"), 1)
}

func TestController_TrialUnknownCommand(t *testing.T) {
	srv := testserver.New(t)
	c, _ := newController(t, srv)
	sink := &errorSink{}

	done := c.Trial(context.Background(), Trial{Command: "restart", OnError: sink.callback})

	select {
	case <-done:
	default:
		t.Fatal("unknown command should complete synchronously")
	}
	errs := sink.all()
	require.Len(t, errs, 1)
	assert.True(t, chain.IsKind(errs[0], chain.KindUsage))
	assert.Equal(t, "unknown command: restart", errs[0].Error())
	assert.Empty(t, srv.Calls())
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{DefaultBaseURL: "pavlovia.org"})
	assert.True(t, errors.Is(err, ErrInvalidBaseURL))

	_, err = New(Config{Transport: transport.Config{CertFile: "client.pem"}})
	assert.True(t, errors.Is(err, transport.ErrKeyPairIncomplete))

	_, err = New(Config{Page: &fakePage{url: "http://[::1"}})
	assert.True(t, errors.Is(err, ErrInvalidPageURL))
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()
	assert.Equal(t, "config.json", cfg.ConfigURL)
	assert.Equal(t, "https://pavlovia.org", cfg.DefaultBaseURL)
	assert.NotNil(t, cfg.Now)
	assert.NotNil(t, cfg.Logger)
	assert.NoError(t, cfg.Validate())
}
