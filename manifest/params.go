package manifest

import (
	"net/url"
	"strings"
)

// ServerParamPrefix marks query parameters injected by the server.
const ServerParamPrefix = "__"

const paramPilotToken = "__pilotToken"

// ServerParams holds the server-injected query parameters of the page URL.
type ServerParams map[string]string

// ExtractServerParams returns every query parameter of pageURL whose name
// starts with ServerParamPrefix. The first value wins for repeated names.
func ExtractServerParams(pageURL string) ServerParams {
	params := ServerParams{}
	if pageURL == "" {
		return params
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return params
	}
	for key, values := range u.Query() {
		if strings.HasPrefix(key, ServerParamPrefix) && len(values) > 0 {
			params[key] = values[0]
		}
	}
	return params
}

// PilotToken returns the pilot-mode token, if the server supplied one.
func (p ServerParams) PilotToken() (string, bool) {
	v, ok := p[paramPilotToken]
	return v, ok
}
