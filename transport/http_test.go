package transport

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildClient_Defaults(t *testing.T) {
	client, err := BuildClient(Config{})
	require.NoError(t, err)
	require.NotNil(t, client.Jar)
	assert.Zero(t, client.Timeout)

	tr, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Empty(t, tr.TLSClientConfig.Certificates)
	assert.Nil(t, tr.TLSClientConfig.RootCAs)
}

func TestBuildClient_HTTP2(t *testing.T) {
	client, err := BuildClient(Config{HTTP2: true})
	require.NoError(t, err)

	tr := client.Transport.(*http.Transport)
	assert.Contains(t, tr.TLSClientConfig.NextProtos, "h2")
}

func TestBuildClient_IncompleteKeyPair(t *testing.T) {
	_, err := BuildClient(Config{CertFile: "client.cert.pem"})
	assert.ErrorIs(t, err, ErrKeyPairIncomplete)
}

func TestBuildClient_BadCAFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0o600))

	_, err := BuildClient(Config{CAFile: path})
	assert.ErrorContains(t, err, "failed to parse CA certificate")

	_, err = BuildClient(Config{CAFile: filepath.Join(t.TempDir(), "missing.pem")})
	assert.ErrorContains(t, err, "failed to read CA certificate")
}

func TestBuildClient_KeepsCookies(t *testing.T) {
	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("sid"); err == nil {
			seen = c.Value
		}
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc", Path: "/"})
	}))
	defer srv.Close()

	client, err := BuildClient(Config{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
	}
	assert.Equal(t, "abc", seen)

	u, _ := url.Parse(srv.URL)
	assert.Len(t, client.Jar.Cookies(u), 1)
}
