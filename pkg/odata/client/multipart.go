package client

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/diwise/odata-client/pkg/odata/errors"
	"github.com/google/uuid"
)

const (
	MultipartMixed  string = "multipart/mixed"
	ApplicationHTTP string = "application/http"
)

func newBoundary(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

func mixedContentType(boundary string) string {
	return MultipartMixed + "; boundary=" + boundary
}

func httpPartHeader() textproto.MIMEHeader {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", ApplicationHTTP)
	h.Set("Content-Transfer-Encoding", "binary")
	return h
}

// renderRequest writes r the way it would appear on the wire, for use as the body of an
// application/http part
func renderRequest(r *request) []byte {
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "%s %s HTTP/1.1\r\n", r.method, r.url)

	header := r.header.Clone()
	if len(r.body) > 0 {
		header.Set("Content-Length", strconv.Itoa(len(r.body)))
	}
	header.Write(buf)

	buf.WriteString("\r\n")
	buf.Write(r.body)

	return buf.Bytes()
}

// partResponse is one part of a multipart response, either a complete http response or a
// nested multipart body
type partResponse struct {
	header    textproto.MIMEHeader
	mediaType string
	params    map[string]string

	status       int
	statusHeader http.Header
	body         []byte
}

func (p *partResponse) isMultipart() bool {
	return strings.HasPrefix(p.mediaType, "multipart/")
}

func (p *partResponse) contentID() string {
	if id := p.header.Get("Content-ID"); id != "" {
		return id
	}
	if p.statusHeader != nil {
		return p.statusHeader.Get("Content-ID")
	}
	return ""
}

func (p *partResponse) parts() *multipart.Reader {
	return multipart.NewReader(bytes.NewReader(p.body), p.params["boundary"])
}

func readPart(part *multipart.Part) (*partResponse, error) {
	pr := &partResponse{header: part.Header}

	mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("malformed part content type: %s (%w)", err.Error(), errors.ErrBadResponse)
	}

	pr.mediaType = mediaType
	pr.params = params

	switch {
	case mediaType == ApplicationHTTP:
		resp, err := http.ReadResponse(bufio.NewReader(part), nil)
		if err != nil {
			return nil, fmt.Errorf("malformed response part: %s (%w)", err.Error(), errors.ErrBadResponse)
		}
		defer resp.Body.Close()

		pr.status = resp.StatusCode
		pr.statusHeader = resp.Header

		pr.body, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response part: %s (%w)", err.Error(), errors.ErrBadResponse)
		}
	case pr.isMultipart():
		if params["boundary"] == "" {
			return nil, fmt.Errorf("multipart part without boundary (%w)", errors.ErrBadResponse)
		}

		pr.body, err = io.ReadAll(part)
		if err != nil {
			return nil, fmt.Errorf("failed to read multipart part: %s (%w)", err.Error(), errors.ErrBadResponse)
		}
	default:
		return nil, errors.NewUnexpectedResponseError(fmt.Sprintf("unexpected part of type %s in batch response", mediaType))
	}

	return pr, nil
}
