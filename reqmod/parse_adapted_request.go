package reqmod

import (
	"bufio"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

const crlf = "\r\n"

// ParseAdaptedRequest reads one HTTP request-line-plus-headers block from
// r (the ICAP reader, already positioned at the start of the embedded
// http_request block) and reports the declared body framing. It never
// reads body bytes; the caller decodes those separately once it knows
// whether the body is length-delimited or EOF-framed chunked.
//
// maxHeaderSize bounds the total bytes consumed; 0 means unbounded.
// noViaHeader, when true, strips any Via header the parsed request
// carries, mirroring AdapterConfig.HTTPReqAddNoViaHeader.
func ParseAdaptedRequest(r *bufio.Reader, maxHeaderSize int, noViaHeader bool) (*AdaptedRequest, error) {
	consumed := 0
	var raw strings.Builder

	readLine := func() (string, error) {
		line, err := r.ReadString('\n')
		consumed += len(line)
		if maxHeaderSize > 0 && consumed > maxHeaderSize {
			return "", fmt.Errorf("reqmod: adapted request header exceeds %d bytes", maxHeaderSize)
		}
		raw.WriteString(line)
		return line, err
	}

	requestLine, err := readLine()
	if err != nil {
		return nil, err
	}
	if len(strings.Fields(requestLine)) < 3 {
		return nil, fmt.Errorf("reqmod: malformed adapted request line %q", requestLine)
	}

	var chunked bool
	var contentLength *int64
	for {
		line, err := readLine()
		if err != nil {
			return nil, err
		}
		if line == crlf || line == "\n" {
			break
		}

		name, val := splitHeaderLine(line)
		switch http.CanonicalHeaderKey(name) {
		case "Content-Length":
			n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("reqmod: invalid Content-Length %q: %w", val, err)
			}
			contentLength = &n
		case "Transfer-Encoding":
			if strings.Contains(strings.ToLower(val), "chunked") {
				chunked = true
			}
		}
	}

	if contentLength != nil && *contentLength == 0 && chunked {
		return nil, NewInvalidHTTPBodyError("Content-Length is 0 but the ICAP server response contains http-body")
	}

	httpReq, err := http.ReadRequest(bufio.NewReader(strings.NewReader(raw.String())))
	if err != nil {
		return nil, err
	}
	if noViaHeader {
		httpReq.Header.Del("Via")
	}

	return &AdaptedRequest{
		HTTPRequest:   httpReq,
		ContentLength: contentLength,
		Chunked:       chunked,
	}, nil
}

func splitHeaderLine(line string) (string, string) {
	parts := strings.SplitN(line, ":", 2)
	name := parts[0]
	val := ""
	if len(parts) == 2 {
		val = strings.TrimSpace(parts[1])
	}
	return name, val
}
