package stream

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// DefaultBoundary separates the parts of a stream response.
const DefaultBoundary = "123456789000000000000987654321"

// ErrTransmit wraps any failure writing to a client. It ends only that
// client's session.
var ErrTransmit = errors.New("stream: transmit error")

// PartWriter writes frames as parts of a multipart/x-mixed-replace body. Each
// part is
//
//	\r\n--<boundary>\r\n
//	Content-Type: image/jpeg\r\n
//	Content-Length: <n>\r\n
//	X-Timestamp: <sec>.<usec>\r\n
//	\r\n
//	<n bytes>
//
// The payload is written straight from the caller's slice.
type PartWriter struct {
	Boundary string

	// Header scratch space, reused between parts.
	header []byte
}

func NewPartWriter(boundary string) *PartWriter {
	if boundary == "" {
		boundary = DefaultBoundary
	}
	return &PartWriter{Boundary: boundary}
}

// ContentType is the value for the response's Content-Type header.
func (pw *PartWriter) ContentType() string {
	return "multipart/x-mixed-replace;boundary=" + pw.Boundary
}

// Header returns the delimiter and header block that precede a payload of n
// bytes captured at ts. The result is only valid until the next call.
func (pw *PartWriter) Header(n int, ts time.Time) []byte {
	usec := ts.Nanosecond() / 1000
	h := pw.header[:0]
	h = append(h, "\r\n--"...)
	h = append(h, pw.Boundary...)
	h = append(h, "\r\nContent-Type: image/jpeg\r\nContent-Length: "...)
	h = strconv.AppendInt(h, int64(n), 10)
	h = append(h, "\r\nX-Timestamp: "...)
	h = strconv.AppendInt(h, ts.Unix(), 10)
	h = append(h, fmt.Sprintf(".%06d", usec)...)
	h = append(h, "\r\n\r\n"...)
	pw.header = h
	return h
}

// WritePart writes one part and flushes w if it buffers.
func (pw *PartWriter) WritePart(w io.Writer, payload []byte, ts time.Time) error {
	if _, err := w.Write(pw.Header(len(payload), ts)); err != nil {
		return errors.Wrapf(ErrTransmit, "header: %v", err)
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrapf(ErrTransmit, "payload: %v", err)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
