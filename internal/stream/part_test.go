package stream

import (
	"bytes"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartWireFormat(t *testing.T) {
	pw := NewPartWriter("")
	ts := time.Unix(1565000000, 42000)

	var buf bytes.Buffer
	require.NoError(t, pw.WritePart(&buf, []byte{0xff, 0xd8, 0xff, 0xd9}, ts))

	want := "\r\n--123456789000000000000987654321\r\n" +
		"Content-Type: image/jpeg\r\n" +
		"Content-Length: 4\r\n" +
		"X-Timestamp: 1565000000.000042\r\n" +
		"\r\n" +
		"\xff\xd8\xff\xd9"
	assert.Equal(t, want, buf.String())
	assert.Equal(t, "multipart/x-mixed-replace;boundary=123456789000000000000987654321", pw.ContentType())
}

func TestPartConsecutive(t *testing.T) {
	pw := NewPartWriter("frame")
	var buf bytes.Buffer
	require.NoError(t, pw.WritePart(&buf, []byte("ab"), time.Unix(1, 999999000)))
	require.NoError(t, pw.WritePart(&buf, []byte("cde"), time.Unix(2, 0)))

	assert.Equal(t,
		"\r\n--frame\r\nContent-Type: image/jpeg\r\nContent-Length: 2\r\nX-Timestamp: 1.999999\r\n\r\nab"+
			"\r\n--frame\r\nContent-Type: image/jpeg\r\nContent-Length: 3\r\nX-Timestamp: 2.000000\r\n\r\ncde",
		buf.String())
}

type brokenWriter struct{ after int }

func (w *brokenWriter) Write(p []byte) (int, error) {
	if w.after <= 0 {
		return 0, errors.New("connection reset by peer")
	}
	w.after--
	return len(p), nil
}

func TestPartWriteError(t *testing.T) {
	pw := NewPartWriter("")
	err := pw.WritePart(&brokenWriter{after: 0}, []byte("x"), time.Now())
	assert.True(t, errors.Is(err, ErrTransmit))

	err = pw.WritePart(&brokenWriter{after: 1}, []byte("x"), time.Now())
	assert.True(t, errors.Is(err, ErrTransmit))
	assert.Contains(t, err.Error(), "payload")
}
