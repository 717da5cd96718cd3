package agent

import "strings"

// CaptureStream is a decorator over a host OutputStream: it forwards every
// EmitMarkdown call to the wrapped stream while also accumulating the text
// into a buffer, so the Dispatcher (and delegate/chain) can retrieve the
// full rendered response after Handle returns without re-parsing host
// events.
type CaptureStream struct {
	inner OutputStream
	buf   strings.Builder
}

// NewCaptureStream wraps inner. inner may be nil, in which case emitted
// text is only accumulated, never forwarded (the case for dispatches that
// carry no host stream, such as Dispatcher.ExecuteAgent and HTTP requests;
// delegate, parallel and chain wrap the host stream and forward to it).
func NewCaptureStream(inner OutputStream) *CaptureStream {
	return &CaptureStream{inner: inner}
}

// EmitMarkdown forwards to the inner stream (if any) and appends to the buffer.
func (c *CaptureStream) EmitMarkdown(text string) error {
	c.buf.WriteString(text)
	if c.inner != nil {
		return c.inner.EmitMarkdown(text)
	}
	return nil
}

// GetCapturedText returns everything accumulated so far.
func (c *CaptureStream) GetCapturedText() string {
	return c.buf.String()
}
