package testserver

import (
	"errors"
	"io"
	"net"
	"time"
)

// DefaultRequestTimeout is how long ConsumeSocketContent waits for more
// data before deciding the peer has finished sending.
const DefaultRequestTimeout = 500 * time.Millisecond

const readChunkSize = 65536

// ConsumeSocketContent reads everything the peer sends until it either
// closes its side of the connection or stays silent for timeout. The
// bytes read so far are returned in both cases. Any other read error is
// returned as is, together with whatever was read before it.
func ConsumeSocketContent(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	defer conn.SetReadDeadline(time.Time{}) //nolint:errcheck // best-effort reset

	var content []byte
	buf := make([]byte, readChunkSize)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return content, err
		}
		n, err := conn.Read(buf)
		content = append(content, buf[:n]...)
		switch {
		case err == nil && n > 0:
			continue
		case err == nil, errors.Is(err, io.EOF):
			return content, nil
		case isTimeout(err):
			// Idle peer: treat as done sending for now.
			return content, nil
		default:
			return content, err
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
