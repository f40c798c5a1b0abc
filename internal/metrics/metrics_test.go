package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSnapMirrorsCounters(t *testing.T) {
	before := Snap()
	IncBind()
	IncTx()
	IncRx()
	IncRxTimeout()
	IncError(ErrSend)
	LoopStarted()
	after := Snap()
	LoopStopped()
	if after.Binds != before.Binds+1 || after.Tx != before.Tx+1 || after.Rx != before.Rx+1 {
		t.Fatalf("counters not mirrored: before=%+v after=%+v", before, after)
	}
	if after.RxTimeouts != before.RxTimeouts+1 {
		t.Fatalf("timeouts not mirrored")
	}
	if after.Errors != before.Errors+1 {
		t.Fatalf("errors not mirrored")
	}
	if after.RxLoops != before.RxLoops+1 {
		t.Fatalf("loop gauge not mirrored")
	}
	if Snap().RxLoops != before.RxLoops {
		t.Fatalf("loop gauge not decremented")
	}
}

func TestReadiness(t *testing.T) {
	t.Cleanup(func() { SetReadinessFunc(nil) })
	SetReadinessFunc(nil)
	if !IsReady() {
		t.Fatalf("expected ready without a readiness func")
	}
	SetReadinessFunc(func() bool { return false })
	if IsReady() {
		t.Fatalf("expected not ready")
	}
}

func TestReadyHandlerStatus(t *testing.T) {
	t.Cleanup(func() { SetReadinessFunc(nil) })
	srv := StartHTTP("127.0.0.1:0")
	defer srv.Close()
	h := srv.Handler
	SetReadinessFunc(func() bool { return false })
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	SetReadinessFunc(func() bool { return true })
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
