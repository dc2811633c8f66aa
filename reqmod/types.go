package reqmod

import (
	"context"
	"net/http"
)

// RunState is a mutable progress record shared with the caller across one
// adaptation. Marks are monotonic: once set, a mark is never cleared.
type RunState struct {
	upstreamSentHeader bool
	upstreamSentAll    bool
}

// MarkUpstreamSendHeader records that the adapted request's header block
// has been written to the upstream connection.
func (s *RunState) MarkUpstreamSendHeader() { s.upstreamSentHeader = true }

// MarkUpstreamSendAll records that the adapted request's entire body has
// been written to the upstream connection.
func (s *RunState) MarkUpstreamSendAll() { s.upstreamSentAll = true }

// UpstreamSentHeader reports whether MarkUpstreamSendHeader has fired.
func (s *RunState) UpstreamSentHeader() bool { return s.upstreamSentHeader }

// UpstreamSentAll reports whether MarkUpstreamSendAll has fired.
func (s *RunState) UpstreamSentAll() bool { return s.upstreamSentAll }

// OriginalRequest is the client's request as received, before adaptation.
type OriginalRequest struct {
	HTTPRequest *http.Request
}

// AdaptedRequest is the header block the ICAP server returned for an
// adapted request: the parsed HTTP request line and headers, plus the
// declared body framing. ContentLength is nil when the body is
// EOF-framed chunked data rather than length-delimited.
type AdaptedRequest struct {
	HTTPRequest   *http.Request
	ContentLength *int64
	Chunked       bool
}

// FinalRequest is the original request mutated to carry the adapted
// header set and body framing, ready to forward upstream.
type FinalRequest struct {
	HTTPRequest *http.Request
}

// AdaptWithBody derives a FinalRequest from the original request and the
// ICAP server's adapted headers: the adapted header block replaces the
// original one, while body framing is handled separately by the streaming
// transfer rather than buffered onto the returned value.
func (o *OriginalRequest) AdaptWithBody(adapted *AdaptedRequest) *FinalRequest {
	return &FinalRequest{HTTPRequest: adapted.HTTPRequest}
}

// EndState is the terminal outcome of one adaptation. A nil Err with a
// non-nil Result means AdaptedTransferred succeeded; any non-nil Err is
// one of the tagged errors in errors.go.
type EndState struct {
	Result *FinalRequest
	Err    error
}

// AdaptedTransferred builds a successful EndState.
func AdaptedTransferred(final *FinalRequest) EndState {
	return EndState{Result: final}
}

// Failed builds a failing EndState.
func Failed(err error) EndState {
	return EndState{Err: err}
}

// UpstreamWriter is the upstream origin collaborator: it accepts the
// adapted request's header block, then the raw body bytes on the
// io.Writer it also satisfies.
type UpstreamWriter interface {
	// SendRequestHeader writes the adapted request line and headers.
	SendRequestHeader(ctx context.Context, req *FinalRequest) error

	Write(p []byte) (int, error)
}

// CopyConfig tunes the upstream-side stream copier.
type CopyConfig struct {
	// BufferSize is the copy buffer size in bytes; <= 0 selects the
	// package default.
	BufferSize int
}

// AdapterConfig configures BidirectionalAdapter.Transfer.
type AdapterConfig struct {
	// HTTPBodyLineMaxSize bounds a single chunk-size line while decoding
	// the adapted body from the ICAP reader.
	HTTPBodyLineMaxSize int

	// HTTPReqAddNoViaHeader, when true, makes the adapted request parser
	// remove any Via header the adapted request carries. The parser never
	// adds a Via header itself, whatever this flag says.
	HTTPReqAddNoViaHeader bool

	// CopyConfig tunes the upstream-side stream copier.
	CopyConfig CopyConfig

	// HTTPHeaderSize caps the adapted request's header block.
	HTTPHeaderSize int

	// ICAPReadFinished is an output-only flag: true once the chunked
	// trailer (or EOF terminator) was cleanly consumed, meaning the ICAP
	// connection may be reused for another adaptation.
	ICAPReadFinished bool
}
