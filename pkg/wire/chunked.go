package wire

import (
	"bufio"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"cloudemu/pkg/awserr"
)

const maxChunkHeader = 4096

// IsAWSChunked reports whether the request body uses the aws-chunked framing of streaming SigV4
// uploads.
func IsAWSChunked(h http.Header) bool {
	if strings.Contains(h.Get("Content-Encoding"), "aws-chunked") {
		return true
	}
	return strings.HasPrefix(h.Get("X-Amz-Content-Sha256"), "STREAMING-")
}

// DecodedLength returns x-amz-decoded-content-length, or -1 when absent.
func DecodedLength(h http.Header) int64 {
	n, err := strconv.ParseInt(h.Get("X-Amz-Decoded-Content-Length"), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// ChunkedReader strips aws-chunked framing:
//
//	<hex-size>;chunk-signature=<sig>\r\n<data>\r\n ... 0;chunk-signature=<sig>\r\n[trailers]\r\n
//
// Chunk signatures are not verified.
type ChunkedReader struct {
	r         *bufio.Reader
	remaining int64
	done      bool
}

// NewChunkedReader wraps r.
func NewChunkedReader(r io.Reader) *ChunkedReader {
	return &ChunkedReader{r: bufio.NewReader(r)}
}

func (c *ChunkedReader) Read(p []byte) (int, error) {
	for c.remaining == 0 {
		if c.done {
			return 0, io.EOF
		}
		if err := c.nextChunk(); err != nil {
			return 0, err
		}
	}
	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	if c.remaining == 0 && err == nil {
		// Each chunk's data is followed by CRLF.
		if _, lineErr := c.readLine(); lineErr != nil && !errors.Is(lineErr, io.EOF) {
			return n, lineErr
		}
	}
	if errors.Is(err, io.EOF) && c.remaining > 0 {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

func (c *ChunkedReader) nextChunk() error {
	line, err := c.readLine()
	if err != nil {
		if errors.Is(err, io.EOF) {
			c.done = true
			return io.EOF
		}
		return err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return c.nextChunk()
	}
	sizePart, _, _ := strings.Cut(line, ";")
	size, err := strconv.ParseInt(sizePart, 16, 64)
	if err != nil || size < 0 {
		return awserr.InvalidArgument("malformed aws-chunked body").WithCode("IncompleteBody")
	}
	if size == 0 {
		c.done = true
		// Drain trailers up to the blank line.
		for {
			trailer, err := c.readLine()
			if err != nil || strings.TrimSpace(trailer) == "" {
				break
			}
		}
		return nil
	}
	c.remaining = size
	return nil
}

func (c *ChunkedReader) readLine() (string, error) {
	var sb strings.Builder
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && sb.Len() > 0 {
				return sb.String(), nil
			}
			return "", err
		}
		if b == '\n' {
			return strings.TrimSuffix(sb.String(), "\r"), nil
		}
		if sb.Len() >= maxChunkHeader {
			return "", awserr.InvalidArgument("aws-chunked header too long").WithCode("IncompleteBody")
		}
		sb.WriteByte(b)
	}
}
