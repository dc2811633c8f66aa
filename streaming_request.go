package icapclient

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// WriteStreamingRequestHeader writes the ICAP request line, Host and
// Encapsulated headers, and the encapsulated HTTP request's own header
// block to w, committing to REQMOD streaming mode: body bytes are not
// buffered here, they are written afterward as ICAP chunked data by the
// caller (bodytransfer.ClientBodyTransfer). This bypasses the
// preview/100-continue negotiation Request/toICAPMessage implements for
// the whole-message path, since the streaming engine never buffers a full
// body to begin with.
func WriteStreamingRequestHeader(w io.Writer, icapURL *url.URL, httpReq *http.Request) error {
	httpHeader, err := dumpRequestHeader(httpReq)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s %s\r\n", MethodREQMOD, icapURL.String(), icapVersion)
	fmt.Fprintf(&buf, "Host: %s\r\n", icapURL.Host)
	fmt.Fprintf(&buf, "Allow: 204\r\n")
	fmt.Fprintf(&buf, "Encapsulated: req-hdr=0, req-body=%d\r\n", len(httpHeader))
	buf.WriteString(crlf)
	buf.Write(httpHeader)

	_, err = w.Write(buf.Bytes())
	return err
}

// dumpRequestHeader renders httpReq's request line and header block
// (terminated by the blank line), without its body.
func dumpRequestHeader(httpReq *http.Request) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", httpReq.Method, httpReq.URL.RequestURI())
	if err := httpReq.Header.WriteSubset(&buf, nil); err != nil {
		return nil, err
	}
	buf.WriteString(crlf)
	return buf.Bytes(), nil
}
