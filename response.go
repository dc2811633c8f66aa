package icapclient

import (
	"bufio"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// ErrHeaderTooLarge is returned when an ICAP response's header block (ICAP
// headers plus any encapsulated HTTP header block) exceeds the configured
// maximum size.
var ErrHeaderTooLarge = errors.New("icap response header exceeds maximum size")

// Response represents the icap server response data.
type Response struct {
	StatusCode      int
	Status          string
	PreviewBytes    int
	Header          http.Header
	ContentRequest  *http.Request
	ContentResponse *http.Response

	// Shared carries header values the caller asked to propagate from the
	// ICAP response via SharedNames, keyed by the original header name.
	Shared map[string]string
}

// readResponse reads a complete, already-buffered ICAP response, such as
// the in-memory byte blob returned by ICAPConn.Send's whole-message mode.
// It relies on the reader reaching EOF to know the message is complete, so
// it must not be used against a persistent, streamed connection; use
// ParseResponse for that.
func readResponse(b *bufio.Reader) (*Response, error) {
	resp := &Response{
		Header: make(http.Header),
	}

	scheme := ""
	httpMsg := ""
	for currentMsg, err := b.ReadString('\n'); err == nil || currentMsg != ""; currentMsg, err = b.ReadString('\n') {
		if isRequestLine(currentMsg) {
			ss := strings.Split(currentMsg, " ")

			if len(ss) < 3 {
				return nil, fmt.Errorf("%w: %s", ErrInvalidTCPMsg, currentMsg)
			}

			if ss[0] == icapVersion {
				scheme = schemeICAP
				resp.StatusCode, resp.Status, err = getStatusWithCode(ss[1], strings.Join(ss[2:], " "))
				if err != nil {
					return nil, err
				}
				continue
			}

			if ss[0] == httpVersion {
				scheme = schemeHTTPResp
				httpMsg = ""
			}

			if strings.TrimSpace(ss[2]) == httpVersion {
				scheme = schemeHTTPReq
				httpMsg = ""
			}
		}

		if scheme == schemeICAP {
			if currentMsg == lf || currentMsg == crlf {
				continue
			}

			header, val := getHeaderVal(currentMsg)
			if header == previewHeader {
				pb, _ := strconv.Atoi(val)
				resp.PreviewBytes = pb
			}

			resp.Header.Add(header, val)
		}

		if scheme == schemeHTTPReq {
			httpMsg += strings.TrimSpace(currentMsg) + crlf
			bufferEmpty := b.Buffered() == 0

			if currentMsg == crlf || bufferEmpty {
				var erR error
				resp.ContentRequest, erR = http.ReadRequest(bufio.NewReader(strings.NewReader(httpMsg)))
				if erR != nil {
					return nil, erR
				}
				continue
			}
		}

		if scheme == schemeHTTPResp {
			httpMsg += strings.TrimSpace(currentMsg) + crlf
			bufferEmpty := b.Buffered() == 0
			if currentMsg == crlf || bufferEmpty {
				var erR error
				resp.ContentResponse, erR = http.ReadResponse(bufio.NewReader(strings.NewReader(httpMsg)), resp.ContentRequest)
				if erR != nil {
					return nil, erR
				}
				continue
			}
		}
	}

	return resp, nil
}

// ParseResponse reads one ICAP response header block from a live,
// persistent connection reader. Unlike readResponse it never relies on
// EOF: it stops at the blank line terminating the ICAP headers, then - if
// the Encapsulated header names an embedded HTTP request/response header
// block with no body following - reads that block too, bounded the same
// way. maxHeaderSize bounds the total bytes consumed; exceeding it returns
// ErrHeaderTooLarge. sharedNames lists header names whose values should
// also be copied into Response.Shared for the caller to propagate
// elsewhere (e.g. onto the forwarded request).
func ParseResponse(r *bufio.Reader, maxHeaderSize int, sharedNames []string) (*Response, error) {
	resp := &Response{
		Header: make(http.Header),
		Shared: make(map[string]string),
	}
	shared := make(map[string]bool, len(sharedNames))
	for _, n := range sharedNames {
		shared[http.CanonicalHeaderKey(n)] = true
	}

	consumed := 0
	readLine := func() (string, error) {
		line, err := r.ReadString('\n')
		consumed += len(line)
		if maxHeaderSize > 0 && consumed > maxHeaderSize {
			return "", ErrHeaderTooLarge
		}
		return line, err
	}

	statusLine, err := readLine()
	if err != nil {
		return nil, err
	}
	ss := strings.Split(strings.TrimSpace(statusLine), " ")
	if len(ss) < 2 || ss[0] != icapVersion {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTCPMsg, statusLine)
	}
	resp.StatusCode, resp.Status, err = getStatusWithCode(ss[1], strings.Join(ss[2:], " "))
	if err != nil {
		return nil, err
	}

	var encapsulated string
	for {
		line, err := readLine()
		if err != nil {
			return nil, err
		}
		if line == crlf || line == lf {
			break
		}

		header, val := getHeaderVal(line)
		if header == previewHeader {
			pb, _ := strconv.Atoi(val)
			resp.PreviewBytes = pb
		}
		if http.CanonicalHeaderKey(header) == encapsulatedHeader {
			encapsulated = val
		}
		resp.Header.Add(header, val)
		if shared[http.CanonicalHeaderKey(header)] {
			resp.Shared[header] = val
		}
	}

	if hasEmbeddedHeaderBlockOnly(encapsulated) {
		var httpMsg string
		for {
			line, err := readLine()
			if err != nil {
				return nil, err
			}
			httpMsg += line
			if line == crlf || line == lf {
				break
			}
		}

		if strings.Contains(encapsulated, "req-hdr") {
			resp.ContentRequest, err = http.ReadRequest(bufio.NewReader(strings.NewReader(httpMsg)))
		} else {
			resp.ContentResponse, err = http.ReadResponse(bufio.NewReader(strings.NewReader(httpMsg)), nil)
		}
		if err != nil {
			return nil, err
		}
	}

	return resp, nil
}

// hasEmbeddedHeaderBlockOnly reports whether the Encapsulated header value
// names a req-hdr/res-hdr offset with no accompanying body offset, meaning
// an embedded HTTP header block follows with nothing else after it.
func hasEmbeddedHeaderBlockOnly(encapsulated string) bool {
	if encapsulated == "" {
		return false
	}
	hasHeaderOffset := strings.Contains(encapsulated, "req-hdr") || strings.Contains(encapsulated, "res-hdr")
	hasBodyOffset := strings.Contains(encapsulated, "req-body") || strings.Contains(encapsulated, "res-body") ||
		strings.Contains(encapsulated, "opt-body")
	return hasHeaderOffset && !hasBodyOffset
}
