package chain

import (
	"encoding/json"
	"errors"
	"io"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap_Nil(t *testing.T) {
	assert.Nil(t, Wrap("origin", "context", nil))
	assert.Nil(t, FromError(KindTransport, nil))
	assert.Nil(t, Lines(nil))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestWrap_ThreeLevels(t *testing.T) {
	err := Wrap("a", "when doing a", Wrap("b", "when doing b", Wrap("c", "when doing c", New(KindProtocol, "no token"))))

	frames := Frames(err)
	require.Len(t, frames, 3)
	assert.Equal(t, "a", frames[0].Origin)
	assert.Equal(t, "c", frames[2].Origin)

	assert.Equal(t, []string{"when doing a", "when doing b", "when doing c", "no token"}, Lines(err))
	assert.Equal(t, "when doing a: when doing b: when doing c: no token", err.Error())
	assert.Equal(t, KindProtocol, KindOf(err))
	assert.True(t, IsKind(err, KindProtocol))
	assert.False(t, IsKind(err, KindTransport))
}

func TestWrap_DoesNotMutateInnerFrame(t *testing.T) {
	inner := Wrap("inner", "when inside", New(KindUsage, "bad"))
	before := inner.Error()

	_ = Wrap("outer", "when outside", inner)

	assert.Equal(t, before, inner.Error())
	assert.Len(t, Frames(inner), 1)
}

func TestWrap_ForeignError(t *testing.T) {
	err := Wrap("op", "when calling", io.ErrUnexpectedEOF)

	root := Root(err)
	require.NotNil(t, root)
	assert.Equal(t, KindInternal, root.Kind)
	assert.Equal(t, io.ErrUnexpectedEOF.Error(), root.Message)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestRoot_ReachesGoCause(t *testing.T) {
	cause := &url.Error{Op: "Get", URL: "https://x", Err: io.EOF}
	err := Wrap("open", "when opening", FromError(KindTransport, cause))

	var urlErr *url.Error
	require.True(t, errors.As(err, &urlErr))
	assert.Equal(t, "https://x", urlErr.URL)

	var term *Terminal
	require.True(t, errors.As(err, &term))
	assert.Equal(t, KindTransport, term.Kind)
}

func TestRoot_PlainError(t *testing.T) {
	root := Root(errors.New("boom"))
	assert.Equal(t, KindInternal, root.Kind)
	assert.Equal(t, []string{"boom"}, Lines(errors.New("boom")))
}

func TestMarshalJSON_NestedShape(t *testing.T) {
	err := Wrap("_configure", "when configuring the plugin",
		Wrap("_getConfiguration", "when reading the configuration file: config.json",
			Newf(KindConfigFetch, "HTTP %d", 404)))

	data, mErr := json.Marshal(err)
	require.NoError(t, mErr)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "_configure", decoded["origin"])
	assert.Equal(t, "when configuring the plugin", decoded["context"])

	inner, ok := decoded["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "when reading the configuration file: config.json", inner["context"])
	assert.Equal(t, "HTTP 404", inner["error"])
}
