package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchyard/internal/catalog"
	"github.com/zulandar/switchyard/internal/compliance"
	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/db"
	"github.com/zulandar/switchyard/internal/engine"
	"github.com/zulandar/switchyard/internal/gateway"
	"github.com/zulandar/switchyard/internal/outbound"
	"github.com/zulandar/switchyard/internal/session"
)

const testCatalog = `
rules:
  - {channel: sms, priority: 10, matcher: session-active}
  - {channel: sms, priority: 100, matcher: fallback, flow: hello}
  - {channel: ussd, priority: 10, matcher: session-active}
  - {channel: ussd, priority: 100, matcher: fallback, flow: hello}
flows:
  - id: hello
    version: 1
    start: ask
    nodes:
      - id: ask
        kind: capture
        prompt: "What is your name?"
        capture: name
        default: bye
      - id: bye
        kind: terminal
        prompt: "Bye {name}"
`

type testServer struct {
	router *gin.Engine
	gw     *gateway.MockClient
	locker *session.KeyedMutex
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gormDB, err := db.OpenMemory(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	cat, err := db.ParseCatalog([]byte(testCatalog))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.SeedCatalog(gormDB, cat); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Dispatch.BaseBackoff = time.Millisecond
	cfg.Dispatch.MaxBackoff = time.Millisecond
	cfg.Session.LockTimeout = 20 * time.Millisecond

	store, err := session.NewStore(session.StoreOpts{DB: gormDB})
	if err != nil {
		t.Fatal(err)
	}
	gate, err := compliance.NewGate(compliance.GateOpts{DB: gormDB, Sessions: store, Config: cfg.Compliance})
	if err != nil {
		t.Fatal(err)
	}
	gw := gateway.NewMockClient()
	disp, err := outbound.NewDispatcher(outbound.DispatcherOpts{Client: gw, DB: gormDB, Config: cfg.Dispatch})
	if err != nil {
		t.Fatal(err)
	}
	loader := catalog.NewLoader(gormDB, time.Minute)
	locker := session.NewKeyedMutex()
	eng, err := engine.New(engine.Opts{
		DB: gormDB, Catalog: loader, Gate: gate, Sessions: store,
		Locker: locker, Dispatcher: disp, Config: cfg,
	})
	if err != nil {
		t.Fatal(err)
	}

	router, err := NewRouter(StartOpts{Engine: eng, DB: gormDB, Catalog: loader, Sessions: store, Token: token})
	if err != nil {
		t.Fatal(err)
	}
	return &testServer{router: router, gw: gw, locker: locker}
}

func (s *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if str, ok := body.(string); ok {
			buf.WriteString(str)
		} else {
			json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestNewRouter_Validation(t *testing.T) {
	if _, err := NewRouter(StartOpts{}); err == nil || !strings.Contains(err.Error(), "engine is required") {
		t.Errorf("err = %v", err)
	}
}

func TestStart_RequiresEngine(t *testing.T) {
	err := Start(context.Background(), StartOpts{})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestInboundSMS(t *testing.T) {
	s := newTestServer(t, "")
	w := s.do(http.MethodPost, "/v1/inbound/sms", "", gateway.SMSEvent{From: "+254700000001", Text: "hi", MessageID: "m1"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["outcome"] != "entered" || body["flow_id"] != "hello" || body["node_id"] != "ask" {
		t.Errorf("body = %v", body)
	}
	if last, _ := s.gw.Last(); last.Text != "What is your name?" {
		t.Errorf("reply = %q", last.Text)
	}

	w = s.do(http.MethodPost, "/v1/inbound/sms", "", gateway.SMSEvent{From: "+254700000001", Text: "hi", MessageID: "m1"})
	if body := decode(t, w); body["outcome"] != "duplicate" {
		t.Errorf("redelivery body = %v", body)
	}

	w = s.do(http.MethodPost, "/v1/inbound/sms", "", gateway.SMSEvent{From: "+254700000001", Text: "Ada", MessageID: "m2"})
	if body := decode(t, w); body["outcome"] != "completed" {
		t.Errorf("body = %v", body)
	}
	if last, _ := s.gw.Last(); last.Text != "Bye Ada" {
		t.Errorf("reply = %q", last.Text)
	}
}

func TestInboundUSSD(t *testing.T) {
	s := newTestServer(t, "")
	ev := gateway.USSDEvent{SessionID: "S1", PhoneNumber: "+254700000002", ServiceCode: "*384#"}
	if w := s.do(http.MethodPost, "/v1/inbound/ussd", "", ev); w.Code != http.StatusOK {
		t.Fatalf("dial: status = %d body=%s", w.Code, w.Body.String())
	}
	ev.Text = "Ada"
	w := s.do(http.MethodPost, "/v1/inbound/ussd", "", ev)
	if body := decode(t, w); body["outcome"] != "completed" {
		t.Errorf("body = %v", body)
	}
}

func TestInbound_BadRequests(t *testing.T) {
	s := newTestServer(t, "")
	tests := []struct {
		name string
		path string
		body any
	}{
		{"malformed json", "/v1/inbound/sms", "{"},
		{"missing message id", "/v1/inbound/sms", map[string]string{"from": "+254700000001", "text": "hi"}},
		{"bad phone", "/v1/inbound/sms", gateway.SMSEvent{From: "0700", Text: "hi", MessageID: "m1"}},
		{"missing session id", "/v1/inbound/ussd", map[string]string{"phone_number": "+254700000001"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(http.MethodPost, tt.path, "", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body=%s)", w.Code, w.Body.String())
			}
		})
	}
}

func TestInbound_TransientIs503(t *testing.T) {
	s := newTestServer(t, "")
	unlock, err := s.locker.Lock(context.Background(), session.Key("+254700000001", "sms"))
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	w := s.do(http.MethodPost, "/v1/inbound/sms", "", gateway.SMSEvent{From: "+254700000001", Text: "hi", MessageID: "m1"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
}

func TestInbound_DispatchErrorReported(t *testing.T) {
	s := newTestServer(t, "")
	s.gw.FailAll(errors.New("down"))
	w := s.do(http.MethodPost, "/v1/inbound/sms", "", gateway.SMSEvent{From: "+254700000001", Text: "hi", MessageID: "m1"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decode(t, w); body["dispatch_error"] == nil {
		t.Errorf("body = %v, want dispatch_error", body)
	}
}

func TestAuth(t *testing.T) {
	s := newTestServer(t, "s3cret")
	ev := gateway.SMSEvent{From: "+254700000001", Text: "hi", MessageID: "m1"}

	if w := s.do(http.MethodPost, "/v1/inbound/sms", "", ev); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", w.Code)
	}
	if w := s.do(http.MethodPost, "/v1/inbound/sms", "wrong", ev); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d", w.Code)
	}
	if w := s.do(http.MethodPost, "/v1/inbound/sms", "s3cret", ev); w.Code != http.StatusOK {
		t.Errorf("good token: status = %d", w.Code)
	}
	if w := s.do(http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Errorf("healthz should not need a token: status = %d", w.Code)
	}
}

func TestReceipts(t *testing.T) {
	s := newTestServer(t, "")
	s.do(http.MethodPost, "/v1/inbound/sms", "", gateway.SMSEvent{From: "+254700000001", Text: "hi", MessageID: "m1"})
	last, _ := s.gw.Last()

	tests := []struct {
		name string
		body any
		want int
	}{
		{"delivered", gateway.Receipt{CorrelationID: last.CorrelationID, Status: "delivered"}, http.StatusOK},
		{"repeat is accepted", gateway.Receipt{CorrelationID: last.CorrelationID, Status: "delivered"}, http.StatusOK},
		{"unknown status", gateway.Receipt{CorrelationID: last.CorrelationID, Status: "read"}, http.StatusBadRequest},
		{"unknown message", gateway.Receipt{CorrelationID: "nope", Status: "delivered"}, http.StatusNotFound},
		{"missing fields", map[string]string{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(http.MethodPost, "/v1/receipts", "", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body=%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestMessages(t *testing.T) {
	s := newTestServer(t, "")
	s.do(http.MethodPost, "/v1/inbound/sms", "", gateway.SMSEvent{From: "+254700000001", Text: "hi", MessageID: "m1"})
	s.do(http.MethodPost, "/v1/inbound/sms", "", gateway.SMSEvent{From: "+254700000009", Text: "hi", MessageID: "m2"})

	w := s.do(http.MethodGet, "/v1/messages?phone=%2B254700000001&direction=in", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	if body["total"] != float64(1) {
		t.Errorf("total = %v, want 1", body["total"])
	}
	msgs := body["messages"].([]any)
	if len(msgs) != 1 || msgs[0].(map[string]any)["status"] != "processed" {
		t.Errorf("messages = %v", msgs)
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, "")
	s.do(http.MethodPost, "/v1/inbound/sms", "", gateway.SMSEvent{From: "+254700000001", Text: "hi", MessageID: "m1"})

	w := s.do(http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	if body["status"] != "ok" || body["sessions"] != float64(1) {
		t.Errorf("body = %v", body)
	}
	if errs, ok := body["catalog_errors"].([]any); !ok || len(errs) != 0 {
		t.Errorf("catalog_errors = %v", body["catalog_errors"])
	}
}
