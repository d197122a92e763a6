package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"miniapp-relay/pkg/subscription"
	"miniapp-relay/relay"
	"miniapp-relay/telegram"
)

// fakeDeliverer records records and answers with a fixed outcome.
type fakeDeliverer struct {
	mu      sync.Mutex
	records []*subscription.Record
	outcome subscription.Outcome
	panics  bool
}

func (f *fakeDeliverer) Deliver(_ context.Context, rec *subscription.Record) subscription.Outcome {
	if f.panics {
		panic("spreadsheet exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return f.outcome
}

func (f *fakeDeliverer) calls() []*subscription.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*subscription.Record(nil), f.records...)
}

// fakeMessenger records outbound chat messages.
type fakeMessenger struct {
	mu   sync.Mutex
	sent []*telegram.OutgoingMessage
	err  error
}

func (f *fakeMessenger) SendMessage(_ context.Context, msg *telegram.OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.err
}

func (f *fakeMessenger) messages() []*telegram.OutgoingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*telegram.OutgoingMessage(nil), f.sent...)
}

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestServer(cfg *Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	cfg.Now = func() time.Time { return fixedNow }
	return New(cfg).Router()
}

func do(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return got
}

func TestHealth(t *testing.T) {
	h := newTestServer(&Config{})
	rec := do(t, h, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != `{"status":"healthy"}` {
		t.Errorf("body = %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(&Config{})
	rec := do(t, h, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("metrics output missing default collectors")
	}
}

func TestSubscribeMethods(t *testing.T) {
	h := newTestServer(&Config{
		Deliverer: &fakeDeliverer{},
		HasEnv:    map[string]bool{"SHEETS_URL": true, "SHEETS_SECRET": false},
	})

	t.Run("options", func(t *testing.T) {
		rec := do(t, h, http.MethodOptions, "/api/subscribe", "", nil)
		if rec.Code != http.StatusNoContent {
			t.Errorf("status = %d, want 204", rec.Code)
		}
		if rec.Body.Len() != 0 {
			t.Errorf("body = %q, want empty", rec.Body.String())
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("Access-Control-Allow-Origin = %q", got)
		}
	})

	t.Run("browser preflight", func(t *testing.T) {
		rec := do(t, h, http.MethodOptions, "/api/subscribe", "", map[string]string{
			"Origin":                         "https://miniapp.example.com",
			"Access-Control-Request-Method":  "POST",
			"Access-Control-Request-Headers": "content-type",
		})
		if rec.Code != http.StatusNoContent {
			t.Errorf("status = %d, want 204", rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("Access-Control-Allow-Origin = %q", got)
		}
	})

	t.Run("get healthcheck", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/subscribe", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		got := decodeBody(t, rec)
		if got["ok"] != true || got["expects"] != "POST" {
			t.Errorf("body = %v", got)
		}
		env, ok := got["has_env"].(map[string]any)
		if !ok || env["SHEETS_URL"] != true || env["SHEETS_SECRET"] != false {
			t.Errorf("has_env = %v", got["has_env"])
		}
	})

	t.Run("put not allowed", func(t *testing.T) {
		rec := do(t, h, http.MethodPut, "/api/subscribe", "{}", nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", rec.Code)
		}
		if got := decodeBody(t, rec); got["error"] != "method not allowed" {
			t.Errorf("body = %v", got)
		}
	})
}

func TestSubscribePost(t *testing.T) {
	tests := []struct {
		name       string
		deliverer  *fakeDeliverer
		noSheets   bool
		body       string
		wantStatus int
		wantError  string
		wantCalls  int
	}{
		{
			name:       "bad json",
			deliverer:  &fakeDeliverer{},
			body:       `{"email":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "bad json",
		},
		{
			name:       "empty object",
			deliverer:  &fakeDeliverer{},
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "email required",
		},
		{
			name:       "blank email",
			deliverer:  &fakeDeliverer{},
			body:       `{"email":"   "}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "email required",
		},
		{
			name:       "no spreadsheet configured",
			noSheets:   true,
			body:       `{"email":"a@b.co"}`,
			wantStatus: http.StatusInternalServerError,
			wantError:  "SHEETS_URL missing",
		},
		{
			name:       "delivered",
			deliverer:  &fakeDeliverer{outcome: subscription.DeliveredOutcome()},
			body:       `{"email":"a@b.co"}`,
			wantStatus: http.StatusOK,
			wantCalls:  1,
		},
		{
			name:       "delivered via redirect",
			deliverer:  &fakeDeliverer{outcome: subscription.RedirectOutcome(1)},
			body:       `{"email":"a@b.co"}`,
			wantStatus: http.StatusOK,
			wantCalls:  1,
		},
		{
			name:       "delivery failed",
			deliverer:  &fakeDeliverer{outcome: subscription.FailedOutcome(subscription.StageFirstHop, 500, "quota exceeded")},
			body:       `{"email":"a@b.co"}`,
			wantStatus: http.StatusBadGateway,
			wantError:  "first_hop 500: quota exceeded",
			wantCalls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			if !tt.noSheets {
				cfg.Deliverer = tt.deliverer
			}
			h := newTestServer(cfg)

			rec := do(t, h, http.MethodPost, "/api/subscribe", tt.body, map[string]string{"Content-Type": "application/json"})
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
				t.Errorf("Access-Control-Allow-Origin = %q", got)
			}

			got := decodeBody(t, rec)
			if tt.wantError == "" {
				if got["ok"] != true {
					t.Errorf("body = %v, want ok", got)
				}
			} else if got["ok"] != false || got["error"] != tt.wantError {
				t.Errorf("body = %v, want error %q", got, tt.wantError)
			}

			if tt.deliverer != nil {
				if n := len(tt.deliverer.calls()); n != tt.wantCalls {
					t.Errorf("deliveries = %d, want %d", n, tt.wantCalls)
				}
			}
		})
	}
}

func TestSubscribeRecordFields(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		wantUserID   string
		wantUsername string
		wantSource   string
	}{
		{
			name:       "numeric user id",
			body:       `{"email":" a@b.co ","tg_user_id":12345}`,
			wantUserID: "12345",
			wantSource: subscription.SourceMiniApp,
		},
		{
			name:         "string user id and explicit source",
			body:         `{"email":"a@b.co","tg_user_id":"777","tg_username":"ana_p","source":"landing"}`,
			wantUserID:   "777",
			wantUsername: "ana_p",
			wantSource:   "landing",
		},
		{
			name:       "null optional fields",
			body:       `{"email":"a@b.co","tg_user_id":null,"tg_username":null}`,
			wantSource: subscription.SourceMiniApp,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDeliverer{outcome: subscription.DeliveredOutcome()}
			h := newTestServer(&Config{Deliverer: d, SheetsSecret: "s3cret"})

			rec := do(t, h, http.MethodPost, "/api/subscribe", tt.body, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
			}

			calls := d.calls()
			if len(calls) != 1 {
				t.Fatalf("deliveries = %d, want 1", len(calls))
			}
			r := calls[0]
			if r.Email() != "a@b.co" {
				t.Errorf("email = %q", r.Email())
			}
			if r.ExternalUserID() != tt.wantUserID {
				t.Errorf("user id = %q, want %q", r.ExternalUserID(), tt.wantUserID)
			}
			if r.ExternalUsername() != tt.wantUsername {
				t.Errorf("username = %q, want %q", r.ExternalUsername(), tt.wantUsername)
			}
			if r.Source() != tt.wantSource {
				t.Errorf("source = %q, want %q", r.Source(), tt.wantSource)
			}
			if r.Timestamp() != "2025-03-01T12:00:00.000Z" {
				t.Errorf("timestamp = %q", r.Timestamp())
			}
			payload, err := r.Payload()
			if err != nil {
				t.Fatalf("Payload() error = %v", err)
			}
			if !strings.Contains(string(payload), `"secret":"s3cret"`) {
				t.Errorf("payload %s missing shared secret", payload)
			}
		})
	}
}

func TestSubscribeBodyTooLarge(t *testing.T) {
	d := &fakeDeliverer{}
	h := newTestServer(&Config{Deliverer: d})

	body := `{"email":"a@b.co","tg_username":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	rec := do(t, h, http.MethodPost, "/api/subscribe", body, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
	if len(d.calls()) != 0 {
		t.Error("oversized body reached the spreadsheet")
	}
}

func TestSubscribeUnreachableEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL + "/macros/s/AKfy/exec"
	srv.Close()

	r := relay.New(&http.Client{Timeout: 2 * time.Second}, testLogger())
	h := newTestServer(&Config{Deliverer: r.For(endpoint)})

	rec := do(t, h, http.MethodPost, "/api/subscribe", `{"email":"a@b.co"}`, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	msg, _ := decodeBody(t, rec)["error"].(string)
	if !strings.HasPrefix(msg, "transport ") && !strings.HasPrefix(msg, "first_hop ") {
		t.Errorf("error = %q, want transport or first_hop diagnostic", msg)
	}
}

func TestSubscribeThroughRelayRedirect(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	mux := http.NewServeMux()
	mux.HandleFunc("/exec", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		w.Header().Set("Location", "/echo?user_content_key=k")
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		w.Write([]byte(`{"ok":true}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := relay.New(srv.Client(), testLogger())
	h := newTestServer(&Config{Deliverer: r.For(srv.URL + "/exec")})

	rec := do(t, h, http.MethodPost, "/api/subscribe", `{"email":"a@b.co","tg_user_id":5}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 {
		t.Fatalf("endpoint calls = %d, want 2", len(bodies))
	}
	if bodies[0] != bodies[1] {
		t.Errorf("redirect body differs:\n%s\n%s", bodies[0], bodies[1])
	}
}

// newEchoRelay points a relay at an endpoint that fails and echoes the posted body.
func newEchoRelay(t *testing.T) *relay.Endpoint {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Script error. Received: " + string(b)))
	}))
	t.Cleanup(srv.Close)
	return relay.New(srv.Client(), testLogger()).For(srv.URL + "/exec")
}

func TestSubscribeFailureRedactsSecret(t *testing.T) {
	h := newTestServer(&Config{Deliverer: newEchoRelay(t), SheetsSecret: "s3cret-XYZ"})

	rec := do(t, h, http.MethodPost, "/api/subscribe", `{"email":"a@b.com"}`, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "s3cret-XYZ") {
		t.Errorf("response echoes the shared secret: %s", body)
	}
	if !strings.Contains(body, subscription.RedactedSecret) {
		t.Errorf("response = %s, want redacted echo", body)
	}
}
