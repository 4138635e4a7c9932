package http

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// ErrUnsupportedEncoding is returned for a Content-Encoding the proxy cannot decode.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// DecodeReader wraps r with the decoders named by a Content-Encoding header value. Encodings listed
// as "gzip, br" were applied in that order, so they are removed in reverse.
// Closing the returned reader releases the decoders but not r.
func DecodeReader(contentEncoding string, r io.Reader) (io.ReadCloser, error) {
	decoded := &chainReader{Reader: r}

	codings := strings.Split(contentEncoding, ",")
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))

		next, closer, decodeErr := decodeOne(coding, decoded.Reader)
		if decodeErr != nil {
			_ = decoded.Close()
			return nil, decodeErr
		}

		decoded.Reader = next
		if closer != nil {
			decoded.closers = append(decoded.closers, closer)
		}
	}

	return decoded, nil
}

// IsSupportedEncoding reports whether DecodeReader understands every coding in contentEncoding.
func IsSupportedEncoding(contentEncoding string) bool {
	for _, coding := range strings.Split(contentEncoding, ",") {
		switch strings.ToLower(strings.TrimSpace(coding)) {
		case "", "identity", "gzip", "x-gzip", "deflate", "br", "zstd":
		default:
			return false
		}
	}

	return true
}

func decodeOne(coding string, r io.Reader) (io.Reader, io.Closer, error) {
	switch coding {
	case "", "identity":
		return r, nil, nil
	case "gzip", "x-gzip":
		decompressor, newReaderErr := gzip.NewReader(r)
		if newReaderErr != nil {
			return nil, nil, fmt.Errorf("unable to create new gzip reader to read contents: %w", newReaderErr)
		}
		return decompressor, decompressor, nil
	case "br":
		return brotli.NewReader(r), nil, nil
	case "deflate":
		return decodeDeflate(r)
	case "zstd":
		decompressor, newReaderErr := zstd.NewReader(r)
		if newReaderErr != nil {
			return nil, nil, fmt.Errorf("unable to create new zstd reader to read contents: %w", newReaderErr)
		}
		rc := decompressor.IOReadCloser()
		return rc, rc, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, coding)
	}
}

// decodeDeflate handles both zlib-wrapped streams (what RFC 9110 calls deflate) and the raw deflate
// streams some servers send instead.
func decodeDeflate(r io.Reader) (io.Reader, io.Closer, error) {
	buffered := bufio.NewReader(r)
	header, peekErr := buffered.Peek(2)
	if peekErr != nil && !errors.Is(peekErr, io.EOF) {
		return nil, nil, fmt.Errorf("unable to read deflate header: %w", peekErr)
	}

	if isZlibHeader(header) {
		decompressor, newReaderErr := zlib.NewReader(buffered)
		if newReaderErr != nil {
			return nil, nil, fmt.Errorf("unable to create new zlib reader to read contents: %w", newReaderErr)
		}
		return decompressor, decompressor, nil
	}

	decompressor := flate.NewReader(buffered)
	return decompressor, decompressor, nil
}

func isZlibHeader(header []byte) bool {
	if len(header) < 2 {
		return false
	}

	cmf, flg := header[0], header[1]
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}

// chainReader reads from the outermost decoder and closes every decoder it holds.
type chainReader struct {
	io.Reader
	closers []io.Closer
}

func (c *chainReader) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if closeErr := c.closers[i].Close(); closeErr != nil {
			errs = append(errs, closeErr)
		}
	}
	c.closers = nil

	return errors.Join(errs...)
}
