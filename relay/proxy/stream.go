package proxy

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/causewayapi/causeway/common"
	"github.com/causewayapi/causeway/common/helper"
	relaymodel "github.com/causewayapi/causeway/relay/model"
	"github.com/causewayapi/causeway/relay/usage"
)

// eventQueueSize bounds the decoupling between the upstream reader and the
// downstream writer; a full queue blocks the reader, which is the
// back-pressure path.
const eventQueueSize = 64

// Result is what one relayed response body yielded.
type Result struct {
	Usage        *relaymodel.Usage
	TTFTMs       *int64
	BytesWritten int64
	// Truncated marks a body that ended before its natural end: a reader
	// error, an upstream abort or a client disconnect mid-stream.
	Truncated bool
}

// sseEvent is one wire-complete SSE event block.
type sseEvent struct {
	raw       []byte
	heartbeat bool
}

// RelayStream pipes an SSE body downstream verbatim. A reader goroutine
// parses event blocks and extracts usage; the calling goroutine drains the
// queue, writes and flushes per event. The first non-heartbeat event stamps
// the time to first token.
func RelayStream(c *gin.Context, body io.Reader, startedAt time.Time) (*Result, error) {
	common.SetEventStreamHeaders(c)

	result := &Result{Usage: &relaymodel.Usage{}}
	events := make(chan sseEvent, eventQueueSize)

	g, ctx := errgroup.WithContext(c.Request.Context())

	g.Go(func() error {
		defer close(events)
		scanner := helper.NewSSEScanner(body)

		var block bytes.Buffer
		blockHasData := false
		publish := func() error {
			if block.Len() == 0 {
				return nil
			}
			ev := sseEvent{
				raw:       append([]byte(nil), block.Bytes()...),
				heartbeat: !blockHasData,
			}
			block.Reset()
			blockHasData = false
			select {
			case events <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				block.WriteString("\n")
				if err := publish(); err != nil {
					return err
				}
				continue
			}
			block.WriteString(line)
			block.WriteString("\n")
			if payload, ok := strings.CutPrefix(line, "data:"); ok {
				blockHasData = true
				payload = strings.TrimSpace(payload)
				if payload != "" && payload != "[DONE]" {
					result.Usage.Merge(usage.Extract([]byte(payload)))
				}
			}
		}
		if err := publish(); err != nil {
			return err
		}
		if err := scanner.Err(); err != nil {
			return errors.Wrap(err, "read upstream stream")
		}
		return nil
	})

	var writeErr error
	for ev := range events {
		if writeErr != nil {
			// Keep draining so the reader never blocks on a full queue.
			continue
		}
		if !ev.heartbeat && result.TTFTMs == nil {
			ttft := time.Since(startedAt).Milliseconds()
			result.TTFTMs = &ttft
		}
		n, err := c.Writer.Write(ev.raw)
		result.BytesWritten += int64(n)
		if err != nil {
			writeErr = errors.Wrap(err, "write downstream")
			continue
		}
		c.Writer.Flush()
	}

	readErr := g.Wait()
	switch {
	case writeErr != nil:
		result.Truncated = true
		return result, writeErr
	case readErr != nil:
		result.Truncated = true
		return result, readErr
	}
	return result, nil
}
