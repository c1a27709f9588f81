package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/st-keller/pavlovia-client/chain"
	"github.com/st-keller/pavlovia-client/manifest"
)

const apiPrefix = "/api/v2/experiments/"

// encodeComponent escapes s the way browsers' encodeURIComponent does for
// path use: spaces become %20 and slashes are escaped.
func encodeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func sessionsURL(m *manifest.Manifest) string {
	return m.Endpoint.BaseURL + apiPrefix + encodeComponent(m.Experiment.FullPath) + "/sessions"
}

func sessionURL(m *manifest.Manifest, s *Session) string {
	return sessionsURL(m) + "/" + url.PathEscape(s.Token())
}

func resultsURL(m *manifest.Manifest, s *Session) string {
	return sessionURL(m, s) + "/results"
}

// openReply is the open-session response. Fields are raw so that presence
// can be checked separately from content.
type openReply struct {
	Token      *string          `json:"token"`
	Status     string           `json:"status"`
	Experiment *json.RawMessage `json:"experiment"`
}

type experimentEcho struct {
	Status2    string `json:"status2"`
	SaveFormat string `json:"saveFormat"`
}

// serverError turns a non-success response into a terminal of the given kind,
// preferring the error the server reported in its body.
func serverError(kind chain.Kind, status int, body []byte) *chain.Terminal {
	return &chain.Terminal{
		Kind:    kind,
		Message: serverMessage(status, body),
		Status:  status,
		Body:    string(body),
	}
}

func serverMessage(status int, body []byte) string {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err == nil {
		for _, key := range []string{"error", "message"} {
			if v, ok := obj[key].(string); ok && v != "" {
				return v
			}
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return fmt.Sprintf("HTTP %d", status)
}

func isSuccess(status int) bool {
	return status >= 200 && status <= 299
}
