package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Copy relays src to w in writes of at most chunkSize bytes, flushing after
// each one so the client sees bytes as they arrive. It stops as soon as ctx
// is done and returns the number of bytes written. The caller owns src and
// closes it.
func Copy(ctx context.Context, w io.Writer, src io.Reader, chunkSize int) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	flush := flusherFor(w)
	buf := make([]byte, chunkSize)

	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			wn, err := w.Write(buf[:n])
			written += int64(wn)
			if err != nil {
				return written, fmt.Errorf("writing to client: %w", err)
			}
			if wn != n {
				return written, io.ErrShortWrite
			}
			if err := flush(); err != nil {
				return written, fmt.Errorf("flushing to client: %w", err)
			}
		}

		if errors.Is(readErr, io.EOF) {
			return written, nil
		}
		if readErr != nil {
			// A read that failed because the request went away is reported
			// as the cancellation, not as an upstream fault.
			if ctxErr := ctx.Err(); ctxErr != nil {
				return written, ctxErr
			}
			return written, fmt.Errorf("reading upstream: %w", readErr)
		}
	}
}

func flusherFor(w io.Writer) func() error {
	rw, ok := w.(http.ResponseWriter)
	if !ok {
		return func() error { return nil }
	}
	rc := http.NewResponseController(rw)
	return func() error {
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		return nil
	}
}
