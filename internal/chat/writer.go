package chat

import (
	"bufio"
	"net"
	"time"
)

const writeTimeout = 10 * time.Second

// StartOutboundWriter drains a client's outbound queue onto the socket.
// The writer owns the conn's teardown: it closes the conn once the queue is
// closed, the server releases it via done, or a write fails, which unblocks
// the reader and lets the handler run its normal disconnect path.
func StartOutboundWriter(conn net.Conn, out <-chan string, done <-chan struct{}) {
	go func() {
		defer func() {
			_ = conn.Close()
		}()
		w := bufio.NewWriter(conn)
		write := func(msg string) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := w.WriteString(msg + "\n"); err != nil {
				return false
			}
			return w.Flush() == nil
		}
		for {
			select {
			case msg, ok := <-out:
				if !ok || !write(msg) {
					return
				}
			case <-done:
				// Flush whatever is already queued, then close.
				for {
					select {
					case msg, ok := <-out:
						if !ok || !write(msg) {
							return
						}
					default:
						return
					}
				}
			}
		}
	}()
}
