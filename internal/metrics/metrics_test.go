package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET", "/test", 200, 100*time.Millisecond)
	RecordRequest("POST", "/test", 201, 50*time.Millisecond)
	RecordRequest("GET", "/test", 404, 10*time.Millisecond)
}

func TestRecordEmailsScheduled(t *testing.T) {
	RecordEmailsScheduled(3)
	RecordEmailsScheduled(0)
}

func TestRecordDispatch(t *testing.T) {
	RecordDispatch("sent")
	RecordDispatch("failed")
	RecordDispatch("rescheduled")
}

func TestRecordEmailsCanceled(t *testing.T) {
	RecordEmailsCanceled(2)
	RecordEmailsCanceled(0)
}

func TestRecordQuotaDeferral(t *testing.T) {
	RecordQuotaDeferral()
	RecordQuotaDeferral()
}

func TestRecordSendLatency(t *testing.T) {
	RecordSendLatency(500 * time.Millisecond)
	RecordSendLatency(50 * time.Millisecond)
}

func TestSetJobsPending(t *testing.T) {
	SetJobsPending(10)
	SetJobsPending(0)
}

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Error("Handler should not return nil")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	if len(body) == 0 {
		t.Error("metrics response should not be empty")
	}
}

func TestMiddleware(t *testing.T) {
	innerCalled := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest("GET", "/wrapped", nil)
	rec := httptest.NewRecorder()

	Middleware(inner).ServeHTTP(rec, req)

	if !innerCalled {
		t.Error("middleware should call the wrapped handler")
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("expected status 418, got %d", rec.Code)
	}
}
