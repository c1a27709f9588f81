package manifest

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/st-keller/pavlovia-client/chain"
	"github.com/st-keller/pavlovia-client/internal/testserver"
	"github.com/st-keller/pavlovia-client/telemetry"
)

func TestLoader_LoadRelativeToPage(t *testing.T) {
	srv := testserver.New(t)
	tracker := telemetry.NewTracker(prometheus.NewRegistry())
	l := &Loader{PageURL: srv.PageURL("__pilotToken=P&lang=en"), Tracker: tracker}

	m, params, err := l.Load(context.Background(), DefaultURL)
	require.NoError(t, err)

	assert.Equal(t, "A", m.Experiment.Name)
	assert.Equal(t, "u/A", m.Experiment.FullPath)
	assert.Equal(t, srv.URL, m.Endpoint.BaseURL)
	assert.Equal(t, ServerParams{"__pilotToken": "P"}, params)

	stats := tracker.Snapshot()
	require.Len(t, stats, 1)
	assert.Equal(t, "configure", stats[0].Operation)
	assert.Equal(t, 1.0, stats[0].SuccessRate)
}

func TestLoader_NotFound(t *testing.T) {
	srv := testserver.New(t)
	srv.SetManifest(testserver.Reply{Status: http.StatusNotFound, Body: "nope"})
	l := &Loader{PageURL: srv.PageURL("")}

	_, _, err := l.Load(context.Background(), "config.json")
	require.Error(t, err)

	assert.Equal(t, []string{
		"when configuring the plugin",
		"when reading the configuration file: config.json",
		"Not Found",
	}, chain.Lines(err))
	root := chain.Root(err)
	assert.Equal(t, chain.KindConfigFetch, root.Kind)
	assert.Equal(t, http.StatusNotFound, root.Status)
	assert.Equal(t, "nope", root.Body)
}

func TestLoader_NonJSONBody(t *testing.T) {
	srv := testserver.New(t)
	srv.SetManifest(testserver.Reply{Status: http.StatusOK, Body: "<html>maintenance</html>"})
	l := &Loader{PageURL: srv.PageURL("")}

	_, _, err := l.Load(context.Background(), "config.json")
	require.Error(t, err)
	assert.True(t, chain.IsKind(err, chain.KindConfigFetch))
	assert.Len(t, chain.Frames(err), 2)
}

func TestLoader_ShapeError(t *testing.T) {
	srv := testserver.New(t)
	srv.SetManifest(testserver.Reply{Status: http.StatusOK, Body: `{"experiment":{"name":"A"},"endpoint":{"baseUrl":"https://x"}}`})
	l := &Loader{PageURL: srv.PageURL("")}

	_, _, err := l.Load(context.Background(), "config.json")
	require.Error(t, err)
	assert.True(t, chain.IsKind(err, chain.KindConfigShape))
	assert.Equal(t, []string{
		"when configuring the plugin",
		"missing fullpath in experiment block in configuration",
	}, chain.Lines(err))
}

func TestLoader_NetworkFailure(t *testing.T) {
	srv := testserver.New(t)
	page := srv.PageURL("")
	srv.Close()

	_, _, err := (&Loader{PageURL: page}).Load(context.Background(), "config.json")
	require.Error(t, err)
	assert.True(t, chain.IsKind(err, chain.KindConfigFetch))
}

func TestLoader_LegacyUsesDefaultBaseURL(t *testing.T) {
	srv := testserver.New(t)
	srv.SetManifest(testserver.Reply{Status: http.StatusOK, Body: testserver.LegacyManifest("A", "u/A")})
	l := &Loader{PageURL: srv.PageURL(""), DefaultBaseURL: srv.URL}

	m, _, err := l.Load(context.Background(), "config.json")
	require.NoError(t, err)
	assert.Equal(t, srv.URL, m.Endpoint.BaseURL)
}

func TestLoader_LocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(testserver.Manifest("B", "u/B", "https://x")), 0o600))

	m, params, err := (&Loader{}).Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "u/B", m.Experiment.FullPath)
	assert.Empty(t, params)

	_, _, err = (&Loader{}).Load(context.Background(), filepath.Join(t.TempDir(), "missing.json"))
	assert.True(t, chain.IsKind(err, chain.KindConfigFetch))
}

func TestLoader_EachLoadRefetches(t *testing.T) {
	srv := testserver.New(t)
	l := &Loader{PageURL: srv.PageURL("")}

	m1, _, err := l.Load(context.Background(), "config.json")
	require.NoError(t, err)

	srv.SetManifest(testserver.Reply{Status: http.StatusOK, Body: testserver.Manifest("C", "u/C", srv.URL)})
	m2, _, err := l.Load(context.Background(), "config.json")
	require.NoError(t, err)

	assert.Equal(t, "A", m1.Experiment.Name)
	assert.Equal(t, "C", m2.Experiment.Name)
}
