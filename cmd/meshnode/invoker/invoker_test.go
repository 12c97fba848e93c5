package invoker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/praxisworks/meshflow/common/fault"
	"github.com/praxisworks/meshflow/common/logger"
	"github.com/praxisworks/meshflow/common/sdk"
	"github.com/praxisworks/meshflow/common/token"
)

func testToken() *token.Token {
	return &token.Token{
		ID:        5001000,
		Version:   "v005",
		Base:      5001000,
		Service:   "triage",
		Operation: "assess",
		Attrs:     map[string]string{"patientRef": "P-19"},
	}
}

func TestHTTPInvokeSuccess(t *testing.T) {
	var got sdk.Invocation
	handler := sdk.Handler(func(_ context.Context, in *sdk.Invocation) (map[string]string, error) {
		got = *in
		return map[string]string{"severity": "urgent"}, nil
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.Header.Get("X-Token-ID") != "5001000" {
			t.Errorf("X-Token-ID = %q", r.Header.Get("X-Token-ID"))
		}
		handler.ServeHTTP(w, r)
	}))
	defer srv.Close()

	inv, err := NewHTTP(srv.URL, 5*time.Second, logger.New("error", "text"))
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	attrs, err := inv.Invoke(context.Background(), testToken())
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if attrs["severity"] != "urgent" {
		t.Fatalf("attrs = %v", attrs)
	}
	if got.TokenID != 5001000 || got.Operation != "assess" || got.Attrs["patientRef"] != "P-19" {
		t.Fatalf("request body = %+v", got)
	}
}

func TestHTTPInvokeEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	inv, err := NewHTTP(srv.URL, 5*time.Second, logger.New("error", "text"))
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	attrs, err := inv.Invoke(context.Background(), testToken())
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(attrs) != 0 {
		t.Fatalf("attrs = %v, want none", attrs)
	}
}

func TestHTTPInvokeServerErrorIsTransient(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	inv, err := NewHTTP(srv.URL, 5*time.Second, logger.New("error", "text"))
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	_, err = inv.Invoke(context.Background(), testToken())
	if !fault.IsKind(err, fault.KindTransient) {
		t.Fatalf("5xx error = %v, want Transient", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("invoker retried on its own: %d calls", calls.Load())
	}
}

func TestHTTPInvokeTooManyRequestsIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	inv, _ := NewHTTP(srv.URL, 5*time.Second, logger.New("error", "text"))
	_, err := inv.Invoke(context.Background(), testToken())
	if !fault.IsKind(err, fault.KindTransient) {
		t.Fatalf("429 error = %v, want Transient", err)
	}
}

func TestHTTPInvokeClientErrorIsFinal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such operation", http.StatusNotFound)
	}))
	defer srv.Close()

	inv, _ := NewHTTP(srv.URL, 5*time.Second, logger.New("error", "text"))
	_, err := inv.Invoke(context.Background(), testToken())
	if err == nil {
		t.Fatalf("expected error for 4xx")
	}
	if fault.IsKind(err, fault.KindTransient) {
		t.Fatalf("4xx classified transient: %v", err)
	}
}

func TestHTTPInvokeConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listens any more

	inv, _ := NewHTTP(srv.URL, time.Second, logger.New("error", "text"))
	_, err := inv.Invoke(context.Background(), testToken())
	if !fault.IsKind(err, fault.KindTransient) {
		t.Fatalf("connection error = %v, want Transient", err)
	}
}

func TestHTTPInvokeServiceReportedFailure(t *testing.T) {
	srv := httptest.NewServer(sdk.Handler(func(context.Context, *sdk.Invocation) (map[string]string, error) {
		return nil, errors.New("validation failed")
	}))
	defer srv.Close()

	inv, _ := NewHTTP(srv.URL, 5*time.Second, logger.New("error", "text"))
	_, err := inv.Invoke(context.Background(), testToken())
	if err == nil || fault.IsKind(err, fault.KindTransient) {
		t.Fatalf("service-reported failure = %v, want final error", err)
	}
}

func TestNewHTTPRejectsBadEndpoints(t *testing.T) {
	for _, endpoint := range []string{
		"ftp://files.example.com/drop",
		"file:///etc/passwd",
		"",
		"http://",
	} {
		if _, err := NewHTTP(endpoint, time.Second, logger.New("error", "text")); err == nil {
			t.Errorf("endpoint %q accepted, want error", endpoint)
		}
	}
	if _, err := NewHTTP("http://127.0.0.1:9090/invoke", time.Second, logger.New("error", "text")); err != nil {
		t.Errorf("loopback endpoint rejected: %v", err)
	}
}

func TestFuncAndPass(t *testing.T) {
	f := Func(func(_ context.Context, tok *token.Token) (map[string]string, error) {
		return map[string]string{"echo": tok.Attrs["patientRef"]}, nil
	})
	attrs, err := f.Invoke(context.Background(), testToken())
	if err != nil || attrs["echo"] != "P-19" {
		t.Fatalf("Func invoke = %v, %v", attrs, err)
	}

	attrs, err = Pass{}.Invoke(context.Background(), testToken())
	if err != nil || attrs != nil {
		t.Fatalf("Pass invoke = %v, %v", attrs, err)
	}
}
