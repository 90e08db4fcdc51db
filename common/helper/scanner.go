package helper

import (
	"bufio"
	"io"
)

// SSE scanner buffer sizing. A single event can carry a whole base64 image
// delta, so the ceiling is deliberately generous.
const (
	sseScannerInitialBuffer = 64 * 1024
	sseScannerMaxEvent      = 32 * 1024 * 1024
)

// NewSSEScanner builds a line scanner sized for server-sent event streams.
func NewSSEScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, sseScannerInitialBuffer), sseScannerMaxEvent)
	return scanner
}
