package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/corvane/keyrelay/internal/telemetry"
)

// Classification tags an outcome for the pipeline's retry decision and the
// circuit breaker's failure accounting.
type Classification string

const (
	ConnectionError Classification = "connection_error"
	Timeout         Classification = "timeout"
	Upstream4xx     Classification = "upstream_4xx"
	Upstream5xx     Classification = "upstream_5xx"
	BodyDecodeError Classification = "body_decode_error"
	TranslationError Classification = "translation_error"
	Success         Classification = "success"
)

// Retryable reports whether the pipeline's forward loop should try the
// next provider rather than surfacing this outcome to the client.
func (c Classification) Retryable() bool {
	switch c {
	case ConnectionError, Timeout, Upstream5xx:
		return true
	}
	return false
}

// Error wraps a classified forwarding failure with the upstream status
// code when one exists.
type Error struct {
	Class      Classification
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Timeouts bounds one call's phases, sourced from the provider record.
type Timeouts struct {
	FirstByte time.Duration
	Idle      time.Duration
	NonStream time.Duration
}

// Request is everything the forwarder needs to perform one outbound call.
type Request struct {
	ProviderID  int64
	Method      string
	URL         string
	Headers     http.Header
	Body        []byte
	Stream      bool
	Timeouts    Timeouts
	Proxy       ProxyConfig
}

// Forwarder sends outbound calls through the shared connection pool.
type Forwarder struct {
	pool *Pool
}

func New(pool *Pool) *Forwarder {
	return &Forwarder{pool: pool}
}

// Response carries either a fully-buffered non-streaming body or a
// streaming reader the caller must close.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser // always set; caller closes
	Stream     bool
}

// pickTimeout returns the bound on connect+headers: first-byte for a
// streaming call, the absolute non-stream timeout otherwise.
func pickTimeout(req Request) time.Duration {
	if req.Stream {
		return req.Timeouts.FirstByte
	}
	return req.Timeouts.NonStream
}

// Send performs the call. On a non-2xx status it still returns the body
// (for error-body propagation) alongside a classified *Error.
func (f *Forwarder) Send(ctx context.Context, req Request) (*Response, error) {
	transport, err := f.pool.Transport(req.ProviderID, req.Proxy)
	if err != nil {
		return nil, &Error{Class: ConnectionError, Err: err}
	}

	// callCtx bounds connect+headers for streaming calls (first-byte
	// timeout) or the whole call for non-streaming ones (absolute
	// timeout); once headers arrive on a streaming call, body reads are
	// governed solely by idleTimeoutReader, not by this context, so a long
	// but healthily-ticking SSE stream is never killed by a first-byte
	// deadline meant only for the initial round trip.
	callCtx, cancel := context.WithCancel(ctx)
	firstByteTimer := time.AfterFunc(pickTimeout(req), cancel)

	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		firstByteTimer.Stop()
		cancel()
		return nil, &Error{Class: ConnectionError, Err: err}
	}
	httpReq.Header = req.Headers

	client := &http.Client{Transport: transport}
	resp, err := client.Do(httpReq)
	timerFired := !firstByteTimer.Stop()
	if err != nil {
		cancel()
		if timerFired || errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			telemetry.ForwarderRetryTotal.WithLabelValues("timeout").Inc()
			return nil, &Error{Class: Timeout, Err: err}
		}
		telemetry.ForwarderRetryTotal.WithLabelValues("connection_error").Inc()
		return nil, &Error{Class: ConnectionError, Err: err}
	}

	if resp.StatusCode >= 500 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		telemetry.ForwarderRetryTotal.WithLabelValues("upstream_5xx").Inc()
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: io.NopCloser(bytes.NewReader(body))},
			&Error{Class: Upstream5xx, StatusCode: resp.StatusCode, Err: fmt.Errorf("upstream returned %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: io.NopCloser(bytes.NewReader(body))},
			&Error{Class: Upstream4xx, StatusCode: resp.StatusCode, Err: fmt.Errorf("upstream returned %d", resp.StatusCode)}
	}

	if !req.Stream {
		bodyTimer := time.AfterFunc(req.Timeouts.NonStream, cancel)
		defer bodyTimer.Stop()
		defer cancel()
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			if errors.Is(callCtx.Err(), context.Canceled) {
				telemetry.ForwarderRetryTotal.WithLabelValues("timeout").Inc()
				return nil, &Error{Class: Timeout, Err: err}
			}
			return nil, &Error{Class: BodyDecodeError, Err: err}
		}
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: io.NopCloser(bytes.NewReader(body))}, nil
	}

	// Streaming: hand back a body that enforces the idle timeout between
	// reads and cancels the outbound call when the caller closes it (client
	// disconnect) or the body is fully drained.
	idleBody := &idleTimeoutReader{
		rc:      resp.Body,
		idle:    req.Timeouts.Idle,
		cancel:  cancel,
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: idleBody, Stream: true}, nil
}

// idleTimeoutReader resets a per-read deadline on every Read so an upstream
// that stops sending SSE events for longer than the idle timeout is
// classified as a timeout instead of hanging forever, and cancels the
// outbound call as soon as the caller stops reading (client disconnect).
type idleTimeoutReader struct {
	rc     io.ReadCloser
	idle   time.Duration
	cancel context.CancelFunc
	done   bool
}

func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, io.EOF
	}
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := r.rc.Read(p)
		ch <- result{n, err}
	}()

	timer := time.NewTimer(r.idle)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			r.done = true
		}
		return res.n, res.err
	case <-timer.C:
		r.done = true
		r.cancel()
		return 0, &Error{Class: Timeout, Err: fmt.Errorf("idle timeout after %s", r.idle)}
	}
}

func (r *idleTimeoutReader) Close() error {
	r.cancel()
	return r.rc.Close()
}

// DecodeJSONBody is a convenience for non-streaming error-body inspection.
func DecodeJSONBody(body io.Reader) (map[string]any, error) {
	var out map[string]any
	dec := json.NewDecoder(body)
	if err := dec.Decode(&out); err != nil {
		return nil, &Error{Class: BodyDecodeError, Err: err}
	}
	return out, nil
}
