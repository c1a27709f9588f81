// Package testserver runs a fake experiment server for tests.
package testserver

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
)

// ExperimentPath is where the fake server hosts the experiment page and its config.json.
const ExperimentPath = "/experiment/"

// DefaultOpenBody is the open-session reply used unless a test overrides it.
const DefaultOpenBody = `{"token":"T1","status":"OK","experiment":{"status2":"RUNNING","saveFormat":"CSV"}}`

// Reply is a canned response.
type Reply struct {
	Status int
	Body   string
}

// Call is one request received by the fake server.
type Call struct {
	Method      string
	Path        string
	FullPath    string
	Token       string
	ContentType string
	Values      map[string]string
	RequestID   string
}

// Server is an httptest server speaking the session API.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	manifest Reply
	open     Reply
	upload   Reply
	close    Reply
	calls    []Call
}

// New starts a server serving a valid manifest that points back at itself.
// It is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		open:   Reply{Status: http.StatusOK, Body: DefaultOpenBody},
		upload: Reply{Status: http.StatusOK, Body: `{"status":"ok"}`},
		close:  Reply{Status: http.StatusOK, Body: `{"status":"ok"}`},
	}

	r := chi.NewRouter()
	r.Get(ExperimentPath+"config.json", s.handleManifest)
	r.Post("/api/v2/experiments/{fullpath}/sessions", s.handle(&s.open))
	r.Post("/api/v2/experiments/{fullpath}/sessions/{token}/results", s.handle(&s.upload))
	r.Delete("/api/v2/experiments/{fullpath}/sessions/{token}", s.handle(&s.close))

	s.Server = httptest.NewServer(r)
	s.manifest = Reply{Status: http.StatusOK, Body: Manifest("A", "u/A", s.URL)}
	t.Cleanup(s.Close)
	return s
}

// Manifest returns a canonical manifest body.
func Manifest(name, fullpath, baseURL string) string {
	return fmt.Sprintf(`{"experiment":{"name":%q,"fullpath":%q},"endpoint":{"baseUrl":%q}}`, name, fullpath, baseURL)
}

// LegacyManifest returns a manifest carrying the deprecated manager block.
func LegacyManifest(name, fullpath string) string {
	return fmt.Sprintf(`{"experiment":{"name":%q,"fullpath":%q},"psychoJsManager":{"URL":"https://pavlovia.org/server"}}`, name, fullpath)
}

// PageURL returns the experiment page URL with the given query string.
func (s *Server) PageURL(query string) string {
	u := s.URL + ExperimentPath
	if query != "" {
		u += "?" + query
	}
	return u
}

func (s *Server) SetManifest(r Reply) { s.set(&s.manifest, r) }
func (s *Server) SetOpen(r Reply)     { s.set(&s.open, r) }
func (s *Server) SetUpload(r Reply)   { s.set(&s.upload, r) }
func (s *Server) SetClose(r Reply)    { s.set(&s.close, r) }

func (s *Server) set(dst *Reply, r Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*dst = r
}

// Calls returns the session API calls received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsTo returns the calls with the given method whose path ends with suffix.
func (s *Server) CallsTo(method, suffix string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Method == method && strings.HasSuffix(c.Path, suffix) {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	reply := s.manifest
	s.mu.Unlock()
	write(w, reply)
}

func (s *Server) handle(reply *Reply) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		call := Call{
			Method:    r.Method,
			Path:      r.URL.EscapedPath(),
			Token:     chi.URLParam(r, "token"),
			RequestID: r.Header.Get("X-Request-Id"),
		}
		call.FullPath, _ = url.PathUnescape(chi.URLParam(r, "fullpath"))
		call.ContentType, _, _ = mime.ParseMediaType(r.Header.Get("Content-Type"))
		call.Values = decodeBody(r, call.ContentType)

		s.mu.Lock()
		s.calls = append(s.calls, call)
		out := *reply
		s.mu.Unlock()

		write(w, out)
	}
}

// decodeBody reads form or JSON bodies for every method; net/http only
// parses form bodies of POST, PUT and PATCH.
func decodeBody(r *http.Request, contentType string) map[string]string {
	values := map[string]string{}
	data, err := io.ReadAll(r.Body)
	if err != nil || len(data) == 0 {
		return values
	}
	if contentType == "application/json" {
		var obj map[string]any
		if err := json.Unmarshal(data, &obj); err == nil {
			for k, v := range obj {
				values[k] = fmt.Sprint(v)
			}
		}
		return values
	}
	form, err := url.ParseQuery(string(data))
	if err != nil {
		return values
	}
	for k := range form {
		values[k] = form.Get(k)
	}
	return values
}

func write(w http.ResponseWriter, r Reply) {
	if r.Status == 0 {
		r.Status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(r.Status)
	_, _ = io.WriteString(w, r.Body)
}
