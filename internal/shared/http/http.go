package http

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrBodyTooLarge is returned by ReadBody when the body exceeds the allowed size.
var ErrBodyTooLarge = errors.New("body exceeds the maximum size")

// ReadBody reads at most limit bytes from r.
// A body of exactly limit bytes is accepted. When r holds more, the bytes already read are returned
// together with ErrBodyTooLarge, so the caller can still relay them followed by the rest of r.
func ReadBody(r io.Reader, limit int64) ([]byte, error) {
	if r == nil || r == http.NoBody {
		return nil, nil
	}

	var buf bytes.Buffer
	n, readErr := buf.ReadFrom(io.LimitReader(r, limit+1))
	if readErr != nil {
		return nil, fmt.Errorf("unable to read body: %w", readErr)
	}
	if n > limit {
		return buf.Bytes(), fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, limit)
	}

	return buf.Bytes(), nil
}

// BodyAllowedForStatus reports whether a given response status code permits a body.
// See RFC 7230, section 3.3.
func BodyAllowedForStatus(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == 204:
		return false
	case status == 304:
		return false
	}
	return true
}

// IsRedirect reports whether status is one of the redirect codes that carry a Location to follow.
func IsRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}
