package manifest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/st-keller/pavlovia-client/chain"
	"github.com/st-keller/pavlovia-client/logging"
	"github.com/st-keller/pavlovia-client/telemetry"
)

// DefaultURL is the manifest resource colocated with the experiment.
const DefaultURL = "config.json"

const maxManifestSize = 1 << 20

// Loader fetches the manifest. It holds no state between calls: every Load
// fetches from scratch and makes exactly one attempt.
type Loader struct {
	HTTPClient *http.Client

	// PageURL is the URL of the hosting page. Relative manifest URLs are
	// resolved against it and server parameters are read from its query.
	PageURL string

	// DefaultBaseURL replaces legacy manager blocks. Empty means DefaultBaseURL.
	DefaultBaseURL string

	Logger         *zerolog.Logger
	Tracker        *telemetry.Tracker
	TracerProvider trace.TracerProvider
}

// Load fetches, migrates and validates the manifest at rawURL and extracts
// the server parameters of the page URL.
func (l *Loader) Load(ctx context.Context, rawURL string) (*Manifest, ServerParams, error) {
	ctx, span := telemetry.Tracer(l.TracerProvider).Start(ctx, "pavlovia.manifest.load",
		trace.WithAttributes(telemetry.AttrOperation.String("configure")))

	m, params, err := l.load(ctx, rawURL)
	if err != nil {
		err = chain.Wrap("Loader.Load", "when configuring the plugin", err)
	}
	telemetry.EndSpan(span, err)
	return m, params, err
}

func (l *Loader) load(ctx context.Context, rawURL string) (*Manifest, ServerParams, error) {
	log := logging.Or(l.Logger)
	fetchContext := "when reading the configuration file: " + rawURL

	target, err := l.resolve(rawURL)
	if err != nil {
		return nil, nil, chain.Wrap("Loader.fetch", fetchContext, chain.FromError(chain.KindConfigFetch, err))
	}

	data, err := l.fetch(ctx, target)
	if err != nil {
		return nil, nil, chain.Wrap("Loader.fetch", fetchContext, err)
	}

	m, err := Parse(data, l.DefaultBaseURL)
	if err != nil {
		if chain.IsKind(err, chain.KindConfigFetch) {
			return nil, nil, chain.Wrap("Loader.fetch", fetchContext, err)
		}
		return nil, nil, err
	}

	params := ExtractServerParams(l.PageURL)
	log.Debug().
		Str("url", target.String()).
		Str("experiment", m.Experiment.FullPath).
		Str("base_url", m.Endpoint.BaseURL).
		Int("server_params", len(params)).
		Msg("configuration loaded")
	return m, params, nil
}

// resolve turns rawURL into an absolute URL, relative to the page when one is set.
func (l *Loader) resolve(rawURL string) (*url.URL, error) {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if l.PageURL == "" || ref.IsAbs() {
		return ref, nil
	}
	base, err := url.Parse(l.PageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid page URL: %w", err)
	}
	return base.ResolveReference(ref), nil
}

func (l *Loader) fetch(ctx context.Context, target *url.URL) ([]byte, error) {
	switch target.Scheme {
	case "http", "https":
		return l.fetchHTTP(ctx, target)
	case "", "file":
		data, err := os.ReadFile(target.Path)
		if err != nil {
			return nil, chain.FromError(chain.KindConfigFetch, err)
		}
		return data, nil
	default:
		return nil, chain.Newf(chain.KindConfigFetch, "unsupported URL scheme: %q", target.Scheme)
	}
}

func (l *Loader) fetchHTTP(ctx context.Context, target *url.URL) ([]byte, error) {
	client := l.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	endpoint := target.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, chain.FromError(chain.KindConfigFetch, err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		l.Tracker.TrackFailure("configure", endpoint, latency, err.Error())
		return nil, chain.FromError(chain.KindConfigFetch, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		l.Tracker.TrackFailure("configure", endpoint, latency, err.Error())
		return nil, chain.FromError(chain.KindConfigFetch, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := http.StatusText(resp.StatusCode)
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		l.Tracker.TrackFailure("configure", endpoint, latency, msg)
		return nil, &chain.Terminal{
			Kind:    chain.KindConfigFetch,
			Message: msg,
			Status:  resp.StatusCode,
			Body:    string(data),
		}
	}

	l.Tracker.TrackSuccess("configure", endpoint, latency)
	return data, nil
}
