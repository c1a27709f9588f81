// Package chain provides the nestable error context used by every pavlovia component.
//
// A chain is a list of frames, each naming the operation (origin) and the
// situation (context) a failure passed through, terminated by a single
// terminal carrying the human-readable message and the error kind.
// The outermost frame is the most recent call site.
package chain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies the terminal failure of a chain.
type Kind string

const (
	KindConfigFetch  Kind = "CONFIG_FETCH"
	KindConfigShape  Kind = "CONFIG_SHAPE"
	KindProtocol     Kind = "PROTOCOL"
	KindTransport    Kind = "TRANSPORT"
	KindUpload       Kind = "UPLOAD"
	KindIllegalState Kind = "ILLEGAL_STATE"
	KindUsage        Kind = "USAGE"

	// KindInternal marks a foreign error that reached Wrap without a kind.
	KindInternal Kind = "INTERNAL"
)

// Link is one element of a chain: either a *Frame or a *Terminal.
type Link interface {
	error
	link()
}

// Frame records one operation a failure propagated through.
type Frame struct {
	Origin  string
	Context string
	Err     Link
}

func (*Frame) link() {}

// Error renders the whole chain below this frame on one line.
func (f *Frame) Error() string {
	if f.Err == nil {
		return f.Context
	}
	return f.Context + ": " + f.Err.Error()
}

// Unwrap returns the next link so errors.As and errors.Is can walk the chain.
func (f *Frame) Unwrap() error {
	if f.Err == nil {
		return nil
	}
	return f.Err
}

// MarshalJSON emits the nested {origin, context, error} record.
func (f *Frame) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Origin  string `json:"origin"`
		Context string `json:"context"`
		Error   Link   `json:"error"`
	}{f.Origin, f.Context, f.Err})
}

// Terminal ends a chain.
type Terminal struct {
	Kind    Kind
	Message string

	// Status and Body are set when the failure came from an HTTP response.
	Status int
	Body   string

	// Cause is the underlying Go error, if any.
	Cause error
}

func (*Terminal) link() {}

func (t *Terminal) Error() string {
	return t.Message
}

func (t *Terminal) Unwrap() error {
	return t.Cause
}

// MarshalJSON emits the terminal message as a JSON string.
func (t *Terminal) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Message)
}

// New creates a terminal of the given kind.
func New(kind Kind, message string) *Terminal {
	return &Terminal{Kind: kind, Message: message}
}

// Newf creates a terminal with a formatted message.
func Newf(kind Kind, format string, args ...any) *Terminal {
	return &Terminal{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// FromError turns a Go error into a terminal, keeping it as the cause.
func FromError(kind Kind, err error) *Terminal {
	if err == nil {
		return nil
	}
	return &Terminal{Kind: kind, Message: err.Error(), Cause: err}
}

// Wrap prepends a frame to err. A nil err yields nil; an err that is not
// already a Link becomes a KindInternal terminal.
func Wrap(origin, context string, err error) error {
	if err == nil {
		return nil
	}
	return &Frame{Origin: origin, Context: context, Err: asLink(err)}
}

func asLink(err error) Link {
	if l, ok := err.(Link); ok {
		return l
	}
	return FromError(KindInternal, err)
}

// Frames returns the frames of err from outermost to innermost.
func Frames(err error) []*Frame {
	var frames []*Frame
	for err != nil {
		f, ok := err.(*Frame)
		if !ok {
			break
		}
		frames = append(frames, f)
		if f.Err == nil {
			break
		}
		err = f.Err
	}
	return frames
}

// Root returns the terminal that ends err. Errors outside this package are
// reported as a KindInternal terminal.
func Root(err error) *Terminal {
	if err == nil {
		return nil
	}
	frames := Frames(err)
	if n := len(frames); n > 0 {
		err = frames[n-1].Err
		if err == nil {
			return New(KindInternal, frames[n-1].Context)
		}
	}
	var t *Terminal
	if errors.As(err, &t) {
		return t
	}
	return FromError(KindInternal, err)
}

// Lines lists every frame context, outer to inner, followed by the terminal message.
func Lines(err error) []string {
	if err == nil {
		return nil
	}
	frames := Frames(err)
	lines := make([]string, 0, len(frames)+1)
	for _, f := range frames {
		lines = append(lines, f.Context)
	}
	return append(lines, Root(err).Message)
}

// KindOf returns the kind of the terminal that ends err, or "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Root(err).Kind
}

// IsKind reports whether err ends in a terminal of the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
