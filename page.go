package pavlovia

// Page is the document hosting the experiment.
type Page interface {
	// URL returns the page URL. Relative manifest URLs resolve against it and
	// its "__"-prefixed query parameters are passed to the server.
	URL() string

	// OnBeforeUnload and OnUnload register teardown hooks. The page calls each
	// registered hook when it is about to go away.
	OnBeforeUnload(func())
	OnUnload(func())

	// SetContent replaces the visible content with html.
	SetContent(html string)
}
