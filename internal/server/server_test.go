package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestNewRouter_RecoversPanics(t *testing.T) {
	h := NewRouter(func(r chi.Router) {
		r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestNewRouter_ContinuesIncomingTrace(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	var seen trace.SpanContext
	h := NewRouter(func(r chi.Router) {
		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
			seen = trace.SpanContextFromContext(r.Context())
			WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, traceID, seen.TraceID().String())
}

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) attribute.Value {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value
		}
	}
	return attribute.Value{}
}

func TestNewRouter_SpanRecordsStatus(t *testing.T) {
	spans := recordSpans(t)
	h := NewRouter(func(r chi.Router) {
		r.Get("/ok/{id}", func(w http.ResponseWriter, _ *http.Request) {
			WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		r.Get("/fail", func(w http.ResponseWriter, _ *http.Request) {
			WriteError(w, http.StatusInternalServerError, "internal", "")
		})
		r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	})

	for _, path := range []string{"/ok/1", "/fail", "/boom"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	ended := spans.Ended()
	require.Len(t, ended, 3)

	assert.Equal(t, int64(200), spanAttr(ended[0], semconv.HTTPResponseStatusCodeKey).AsInt64())
	assert.Equal(t, "/ok/{id}", spanAttr(ended[0], semconv.HTTPRouteKey).AsString())
	assert.Equal(t, codes.Unset, ended[0].Status().Code)

	for _, span := range ended[1:] {
		assert.Equal(t, int64(500), spanAttr(span, semconv.HTTPResponseStatusCodeKey).AsInt64())
		assert.Equal(t, codes.Error, span.Status().Code)
	}
}

func TestWriteError_Shape(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusNotFound, "cart_not_found", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"cart_not_found"}`, rec.Body.String())
}

func TestHealth_ServingAfterBootstrap(t *testing.T) {
	h := NewHealth()
	ctx := context.Background()

	resp, err := h.srv.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	h.SetServing(true)
	resp, err = h.srv.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
