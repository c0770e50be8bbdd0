package telemetry

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func decideFor(t *testing.T, sampler, arg string) sdktrace.SamplingDecision {
	t.Helper()
	t.Setenv("OTEL_TRACES_SAMPLER", sampler)
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", arg)
	return samplerFromEnv().ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       oteltrace.TraceID{0xaa, 0xbb, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14},
		Name:          "session-resolve",
	}).Decision
}

func TestSamplerFromEnv(t *testing.T) {
	cases := []struct {
		sampler, arg string
		want         sdktrace.SamplingDecision
	}{
		{"always_off", "", sdktrace.Drop},
		{"always_on", "", sdktrace.RecordAndSample},
		{"traceidratio", "5", sdktrace.RecordAndSample}, // clamps to 1
		{"traceidratio", "-3", sdktrace.Drop},           // clamps to 0
		{"parentbased_traceidratio", "0", sdktrace.Drop},
		{"", "", sdktrace.RecordAndSample}, // default samples everything
	}
	for _, tc := range cases {
		if got := decideFor(t, tc.sampler, tc.arg); got != tc.want {
			t.Fatalf("sampler %q arg %q: got %v want %v", tc.sampler, tc.arg, got, tc.want)
		}
	}
}

func TestHeaderMap(t *testing.T) {
	t.Parallel()

	got := headerMap("authorization=Bearer abc, x-tenant = home ,noequals")
	if len(got) != 2 {
		t.Fatalf("expected 2 headers, got %#v", got)
	}
	if got["authorization"] != "Bearer abc" {
		t.Fatalf("authorization header mangled: %q", got["authorization"])
	}
	if got["x-tenant"] != "home" {
		t.Fatalf("x-tenant header mangled: %q", got["x-tenant"])
	}
	if headerMap("  ") != nil {
		t.Fatal("blank header list must map to nil")
	}
	if got := headerMap("=orphan,ok=1"); len(got) != 1 || got["ok"] != "1" {
		t.Fatalf("keyless entries must be dropped, got %#v", got)
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("OTLP_TIMEOUT_TEST_SEC", "9")
	if got := envInt("OTLP_TIMEOUT_TEST_SEC", 5); got != 9 {
		t.Fatalf("expected 9, got %d", got)
	}
	t.Setenv("OTLP_TIMEOUT_TEST_SEC", "not-a-number")
	if got := envInt("OTLP_TIMEOUT_TEST_SEC", 5); got != 5 {
		t.Fatalf("expected fallback 5, got %d", got)
	}
}

func TestInitRunsLocallyWithoutCollector(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_REQUIRED", "false")

	shutdown, err := Init(context.Background(), "gateway-under-test")
	if err != nil {
		t.Fatalf("Init without a collector must succeed: %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected a shutdown function")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInstrumentClient(t *testing.T) {
	client := InstrumentClient(nil)
	if client == nil || client.Transport == nil {
		t.Fatal("nil client must come back wired with a transport")
	}
	own := &http.Client{Transport: http.DefaultTransport}
	if InstrumentClient(own) != own {
		t.Fatal("existing client must be wrapped in place")
	}
}

func TestTagSession(t *testing.T) {
	t.Parallel()

	// Must not panic without an active span or with an empty id.
	TagSession(context.Background(), "")
	TagSession(context.Background(), "a1b2c3d4")
}

func TestHTTPMiddleware(t *testing.T) {
	for _, name := range []string{"eblocker-gateway", "   "} {
		handler := HTTPMiddleware(name)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusNoContent {
			t.Fatalf("service name %q: expected 204, got %d", name, rr.Code)
		}
	}
}

func TestInitExporterFailureHonorsRequired(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")

	t.Setenv("OTEL_REQUIRED", "false")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	shutdown, err := Init(ctx, "gateway-optional-export")
	if err != nil {
		t.Fatalf("optional export must degrade to local tracing, got %v", err)
	}
	_ = shutdown(context.Background())

	t.Setenv("OTEL_REQUIRED", "true")
	ctx2, cancel2 := context.WithCancel(context.Background())
	cancel2()
	if _, err := Init(ctx2, "gateway-required-export"); err == nil {
		t.Fatal("required export must fail startup when the exporter cannot come up")
	}
}

func TestInitExportsToCollector(t *testing.T) {
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/traces") {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer collector.Close()

	u, err := url.Parse(collector.URL)
	if err != nil {
		t.Fatalf("parse collector url: %v", err)
	}
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", u.Host)
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "x-trace-auth=1")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", "1")
	t.Setenv("OTEL_REQUIRED", "true")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	shutdown, err := Init(ctx, "   ")
	if err != nil {
		t.Fatalf("exporter against live collector must start: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitRejectsMalformedEndpointWhenRequired(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host := ln.Addr().String()
	_ = ln.Close()

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://"+host)
	t.Setenv("OTEL_REQUIRED", "true")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Init(ctx, "gateway-bad-endpoint"); err == nil {
		t.Fatal("scheme-bearing endpoint must be rejected when export is required")
	}
}
