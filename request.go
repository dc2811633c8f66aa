package icapclient

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
)

// Request represents an ICAP request, wrapping the encapsulated HTTP
// request or response that is being adapted.
type Request struct {
	ctx context.Context

	Method       string
	URL          *url.URL
	Header       http.Header
	HTTPRequest  *http.Request
	HTTPResponse *http.Response

	// PreviewBytes is the number of body bytes that were sent in the
	// preview portion of the request, set by SetPreview.
	PreviewBytes int

	previewSet            bool
	bodyFittedInPreview   bool
	remainingPreviewBytes []byte
}

// NewRequest builds an ICAP request for the given method and icap:// URL,
// validating the method/URL and the presence of the encapsulated HTTP
// message the method requires.
func NewRequest(ctx context.Context, method, urlStr string, httpReq *http.Request, httpResp *http.Response) (*Request, error) {
	if ctx == nil {
		return nil, ErrNoContext
	}

	switch method {
	case MethodOPTIONS, MethodREQMOD, MethodRESPMOD:
	default:
		return nil, ErrMethodNotAllowed
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, err
	}

	if u.Scheme != schemeICAP {
		return nil, ErrInvalidScheme
	}

	if u.Host == "" {
		return nil, ErrInvalidHost
	}

	if method == MethodREQMOD {
		if httpReq == nil {
			return nil, ErrREQMODWithoutReq
		}
		if httpResp != nil {
			return nil, ErrREQMODWithResp
		}
	}

	if method == MethodRESPMOD && httpResp == nil {
		return nil, ErrRESPMODWithoutResp
	}

	return &Request{
		ctx:          ctx,
		Method:       method,
		URL:          u,
		Header:       make(http.Header),
		HTTPRequest:  httpReq,
		HTTPResponse: httpResp,
	}, nil
}

// setDefaultRequestHeaders fills in the Allow and Host headers if the
// caller hasn't already set them explicitly.
func (r *Request) setDefaultRequestHeaders() {
	if _, exists := r.Header["Allow"]; !exists {
		r.Header.Set("Allow", "204")
	}

	if _, exists := r.Header["Host"]; !exists {
		hostname, _ := os.Hostname()
		r.Header.Set("Host", hostname)
	}
}

// extendHeader merges the given header set into the request, appending to
// any existing values rather than overwriting them.
func (r *Request) extendHeader(h http.Header) error {
	for name, vals := range h {
		for _, val := range vals {
			r.Header.Add(name, val)
		}
	}
	return nil
}

// SetPreview reads the full encapsulated body, records how many bytes fit
// within previewBytes, and restores the body so later serialization
// (toICAPMessage) can still access the complete content. The remaining
// bytes beyond the preview window are kept so the client can send them if
// the ICAP server asks for the rest with "100 Continue".
func (r *Request) SetPreview(previewBytes int) error {
	var body io.ReadCloser
	switch r.Method {
	case MethodREQMOD:
		if r.HTTPRequest == nil {
			return nil
		}
		body = r.HTTPRequest.Body
	case MethodRESPMOD:
		if r.HTTPResponse == nil {
			return nil
		}
		body = r.HTTPResponse.Body
	default:
		return nil
	}

	if body == nil {
		return nil
	}

	full, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	if len(full) <= previewBytes {
		r.PreviewBytes = len(full)
		r.bodyFittedInPreview = true
		r.remainingPreviewBytes = nil
	} else {
		r.PreviewBytes = previewBytes
		r.bodyFittedInPreview = false
		r.remainingPreviewBytes = full[previewBytes:]
	}

	r.previewSet = true
	r.Header.Set(previewHeader, strconv.Itoa(r.PreviewBytes))

	restored := io.NopCloser(bytes.NewReader(full))
	switch r.Method {
	case MethodREQMOD:
		r.HTTPRequest.Body = restored
	case MethodRESPMOD:
		r.HTTPResponse.Body = restored
	}

	return nil
}
