package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultIdleTimeout and DefaultMaxEventSize are the spec.md §4.J defaults.
const (
	DefaultIdleTimeout  = 300 * time.Second
	DefaultMaxEventSize = 2 << 20 // 2 MiB
)

// frameReader accumulates raw bytes and yields complete SSE events,
// tolerant to both "\n\n" and "\r\n\r\n" terminators (spec.md §4.J). Unlike
// a plain bufio.Scanner split on lines, it buffers across partial reads so
// event boundaries never depend on how the underlying Read() chunks bytes.
type frameReader struct {
	idleTimeout time.Duration
	maxEvent    int

	lines   chan lineResult
	done    chan struct{}
	started bool
	r       *bufio.Reader
}

type lineResult struct {
	line string
	err  error
}

// rawFrame is one unparsed SSE event: accumulated "event:" and "data:"
// lines, joined per the SSE spec (multiple data: lines join with "\n").
type rawFrame struct {
	event string
	data  string
}

func newFrameReader(r io.Reader, idleTimeout time.Duration, maxEvent int) *frameReader {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if maxEvent <= 0 {
		maxEvent = DefaultMaxEventSize
	}
	return &frameReader{
		r:           bufio.NewReaderSize(r, 32*1024),
		idleTimeout: idleTimeout,
		maxEvent:    maxEvent,
		lines:       make(chan lineResult, 16),
		done:        make(chan struct{}),
	}
}

// stop releases the pump goroutine if it is blocked on a send. Call at
// most once, after the last next().
func (fr *frameReader) stop() {
	close(fr.done)
}

// pump reads lines off the underlying reader into fr.lines until EOF or
// error, then closes the channel. It runs in its own goroutine for the
// lifetime of the stream so idle-timeout detection never needs to spawn a
// fresh goroutine per line.
func (fr *frameReader) pump() {
	for {
		line, err := fr.r.ReadString('\n')
		select {
		case fr.lines <- lineResult{line: line, err: err}:
		case <-fr.done:
			return
		}
		if err != nil {
			close(fr.lines)
			return
		}
	}
}

// next reads bytes until one complete frame is available (terminated by a
// blank line, "\n\n" or "\r\n\r\n") or ctx/idle timeout fires. Comment
// lines (starting with ':') are dropped; unrecognized field names are
// ignored per the SSE spec.
func (fr *frameReader) next(ctx context.Context) (rawFrame, error) {
	if !fr.started {
		fr.started = true
		go fr.pump()
	}

	var event strings.Builder
	var data strings.Builder
	sawAny := false

	idle := time.NewTimer(fr.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return rawFrame{}, ctx.Err()
		case <-idle.C:
			return rawFrame{}, errIdleTimeout
		case res, ok := <-fr.lines:
			if !ok {
				if sawAny {
					return rawFrame{event: event.String(), data: data.String()}, nil
				}
				return rawFrame{}, io.EOF
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(fr.idleTimeout)

			line := strings.TrimRight(res.line, "\r\n")
			if line == "" {
				if sawAny {
					return rawFrame{event: event.String(), data: data.String()}, nil
				}
				if res.err != nil {
					return rawFrame{}, res.err
				}
				continue
			}

			if data.Len()+event.Len()+len(line) > fr.maxEvent {
				return rawFrame{}, &eventTooLargeErr{size: data.Len() + len(line), limit: fr.maxEvent}
			}

			if strings.HasPrefix(line, ":") {
				// comment line, ignore
			} else if name, val, ok := strings.Cut(line, ":"); ok {
				val = strings.TrimPrefix(val, " ")
				switch name {
				case "event":
					event.Reset()
					event.WriteString(val)
				case "data":
					if data.Len() > 0 {
						data.WriteByte('\n')
					}
					data.WriteString(val)
				}
				sawAny = true
			}

			if res.err != nil {
				if sawAny {
					return rawFrame{event: event.String(), data: data.String()}, nil
				}
				return rawFrame{}, res.err
			}
		}
	}
}

type eventTooLargeErr struct{ size, limit int }

func (e *eventTooLargeErr) Error() string {
	return fmt.Sprintf("sse event too large: %d bytes (limit %d)", e.size, e.limit)
}

var errIdleTimeout = fmt.Errorf("stream idle timeout")

// parseEvent converts a rawFrame into an Event: extracts type/error/usage
// fields via gjson (zero-alloc field extraction, matching the gateway's
// SSE hot path) without a full unmarshal, then applies alias rewriting.
func parseEvent(f rawFrame) Event {
	raw := []byte(f.data)
	t := f.event
	if t == "" {
		if tv := gjson.GetBytes(raw, "type"); tv.Exists() {
			t = tv.String()
		}
	}
	normalized := normalizeEventType(t)
	if normalized != t && len(raw) > 0 {
		raw = rewriteTypeField(raw, normalized)
	}

	ev := Event{Type: normalized, Raw: raw}

	if code := gjson.GetBytes(raw, "error.code"); code.Exists() {
		ev.ErrorCode = code.String()
	} else if code := gjson.GetBytes(raw, "code"); code.Exists() && ev.IsFailure() {
		ev.ErrorCode = code.String()
	}
	if msg := gjson.GetBytes(raw, "error.message"); msg.Exists() {
		ev.ErrorMessage = msg.String()
	} else if msg := gjson.GetBytes(raw, "message"); msg.Exists() && ev.IsFailure() {
		ev.ErrorMessage = msg.String()
	}

	if u := gjson.GetBytes(raw, "response.usage"); u.Exists() {
		var usage Usage
		if json.Unmarshal([]byte(u.Raw), &usage) == nil {
			ev.Usage = &usage
		}
	}
	return ev
}

// rewriteTypeField patches the top-level "type" field of raw to newType,
// used when an alias was rewritten so downstream consumers see the
// canonical name on the wire.
func rewriteTypeField(raw []byte, newType string) []byte {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw
	}
	encoded, err := json.Marshal(newType)
	if err != nil {
		return raw
	}
	obj["type"] = encoded
	patched, err := json.Marshal(obj)
	if err != nil {
		return raw
	}
	return patched
}

// EncodeEvent re-serializes ev back onto the wire as a "data: ...\n\n"
// frame (with an optional "event: " line), used by the server's SSE writer
// to forward events to the client.
func EncodeEvent(ev Event) []byte {
	var b bytes.Buffer
	if ev.Type != "" {
		b.WriteString("event: ")
		b.WriteString(ev.Type)
		b.WriteByte('\n')
	}
	b.WriteString("data: ")
	b.Write(ev.Raw)
	b.WriteString("\n\n")
	return b.Bytes()
}
