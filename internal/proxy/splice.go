package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// splice copies bytes between left and right in both directions until either side ends or ctx is done.
// Both connections are closed together on the way out. Ordinary disconnects are not reported as errors.
func splice(ctx context.Context, left, right net.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	copyHalf := func(dst, src net.Conn) func() error {
		return func() error {
			_, copyErr := io.Copy(dst, src)
			// One side finished; unblock the other copy and the watcher
			closeBoth()
			cancel()
			if copyErr != nil && !isDisconnect(copyErr) {
				return copyErr
			}
			return nil
		}
	}

	g.Go(copyHalf(left, right))
	g.Go(copyHalf(right, left))

	// If the context is canceled, close both sides to unblock the copies
	g.Go(func() error {
		<-gctx.Done()
		closeBoth()
		return nil
	})

	return g.Wait()
}

// isDisconnect reports whether err is one of the ways a peer normally goes away.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
