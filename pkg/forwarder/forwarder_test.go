package forwarder

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClassificationRetryable(t *testing.T) {
	cases := map[Classification]bool{
		ConnectionError:  true,
		Timeout:          true,
		Upstream5xx:      true,
		Upstream4xx:      false,
		BodyDecodeError:  false,
		TranslationError: false,
	}
	for class, want := range cases {
		if got := class.Retryable(); got != want {
			t.Errorf("%s.Retryable() = %v, want %v", class, got, want)
		}
	}
}

func TestSendSuccessReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f := New(NewPool(DefaultPoolConfig()))
	resp, err := f.Send(context.Background(), Request{
		ProviderID: 1,
		Method:     http.MethodPost,
		URL:        srv.URL,
		Headers:    http.Header{},
		Timeouts:   Timeouts{NonStream: 2 * time.Second},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"ok":true}` {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestSendClassifiesUpstream5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srv.Close()

	f := New(NewPool(DefaultPoolConfig()))
	_, err := f.Send(context.Background(), Request{
		ProviderID: 2,
		Method:     http.MethodPost,
		URL:        srv.URL,
		Headers:    http.Header{},
		Timeouts:   Timeouts{NonStream: 2 * time.Second},
	})
	var classified *Error
	if !errors.As(err, &classified) || classified.Class != Upstream5xx {
		t.Fatalf("expected Upstream5xx classification, got %v", err)
	}
	if classified.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected status 502 recorded, got %d", classified.StatusCode)
	}
}

func TestSendClassifiesUpstream4xxAsNonRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	f := New(NewPool(DefaultPoolConfig()))
	_, err := f.Send(context.Background(), Request{
		ProviderID: 3,
		Method:     http.MethodPost,
		URL:        srv.URL,
		Headers:    http.Header{},
		Timeouts:   Timeouts{NonStream: 2 * time.Second},
	})
	var classified *Error
	if !errors.As(err, &classified) || classified.Class != Upstream4xx {
		t.Fatalf("expected Upstream4xx classification, got %v", err)
	}
	if classified.Class.Retryable() {
		t.Fatal("expected 4xx to be non-retryable")
	}
}

func TestIdleTimeoutReaderCancelsOnStall(t *testing.T) {
	pr, pw := io.Pipe()
	cancelled := false
	r := &idleTimeoutReader{rc: pr, idle: 20 * time.Millisecond, cancel: func() { cancelled = true }}

	buf := make([]byte, 16)
	_, err := r.Read(buf)
	var classified *Error
	if !errors.As(err, &classified) || classified.Class != Timeout {
		t.Fatalf("expected timeout classification on stall, got %v", err)
	}
	if !cancelled {
		t.Fatal("expected cancel to be called on idle timeout")
	}
	pw.Close()
}
