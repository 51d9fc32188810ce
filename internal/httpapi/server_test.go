package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/nimbleshop/remindsync/internal/remindsync"
)

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *remindsync.Store) {
	t.Helper()
	store, err := remindsync.NewStoreWithOptions(remindsync.StoreOptions{
		Cache: remindsync.NewInMemoryCacheBackend(),
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	dispatcher := remindsync.NewDispatcher(store, remindsync.DispatcherOptions{})
	return NewServerWithConfig(store, dispatcher, cfg), store
}

func doRequest(t *testing.T, server *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	server.ServeHTTP(recorder, req)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return out
}

func createAppointment(t *testing.T, server *Server, name, date, at string) int64 {
	t.Helper()
	body := fmt.Sprintf(`{"client_name":%q,"phone_number":"+1555","appointment_date":%q,"appointment_time":%q}`, name, date, at)
	recorder := doRequest(t, server, http.MethodPost, "/v1/appointments", body, nil)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", recorder.Code, recorder.Body.String())
	}
	resp := decodeBody(t, recorder)
	appointment, ok := resp["appointment"].(map[string]any)
	if !ok {
		t.Fatalf("missing appointment in response %v", resp)
	}
	return int64(appointment["id"].(float64))
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	recorder := doRequest(t, server, http.MethodGet, "/health", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status %d", recorder.Code)
	}
	if resp := decodeBody(t, recorder); resp["status"] != "ok" {
		t.Fatalf("unexpected body %v", resp)
	}
}

func TestAppointmentLifecycleOverHTTP(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})

	late := createAppointment(t, server, "Late", "2025-03-02", "09:00")
	early := createAppointment(t, server, "Early", "2025-03-01", "10:00")

	recorder := doRequest(t, server, http.MethodGet, "/v1/appointments", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("list: status %d", recorder.Code)
	}
	resp := decodeBody(t, recorder)
	listed := resp["appointments"].([]any)
	if len(listed) != 2 {
		t.Fatalf("expected 2 appointments, got %d", len(listed))
	}
	first := listed[0].(map[string]any)
	if int64(first["id"].(float64)) != early {
		t.Fatalf("expected date ordering, first is %v", first)
	}

	recorder = doRequest(t, server, http.MethodDelete, fmt.Sprintf("/v1/appointments/%d", late), "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("delete: status %d body %s", recorder.Code, recorder.Body.String())
	}
	recorder = doRequest(t, server, http.MethodDelete, fmt.Sprintf("/v1/appointments/%d", late), "", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("second delete must 404, got %d", recorder.Code)
	}
	if resp := decodeBody(t, recorder); resp["code"] != "not_found" {
		t.Fatalf("unexpected error body %v", resp)
	}
}

func TestCreateAppointmentValidation(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	cases := []struct {
		name string
		body string
	}{
		{"missing client name", `{"phone_number":"+1","appointment_date":"2025-03-01","appointment_time":"09:00"}`},
		{"empty client name", `{"client_name":"","phone_number":"+1","appointment_date":"2025-03-01","appointment_time":"09:00"}`},
		{"bad date format", `{"client_name":"Ana","phone_number":"+1","appointment_date":"March 1","appointment_time":"09:00"}`},
		{"bad time format", `{"client_name":"Ana","phone_number":"+1","appointment_date":"2025-03-01","appointment_time":"9am"}`},
		{"unknown field", `{"client_name":"Ana","phone_number":"+1","appointment_date":"2025-03-01","appointment_time":"09:00","color":"red"}`},
		{"not json", `{{{`},
	}
	for _, tc := range cases {
		recorder := doRequest(t, server, http.MethodPost, "/v1/appointments", tc.body, nil)
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d body %s", tc.name, recorder.Code, recorder.Body.String())
		}
	}
	recorder := doRequest(t, server, http.MethodGet, "/v1/appointments", "", nil)
	if listed := decodeBody(t, recorder)["appointments"]; listed != nil {
		if arr := listed.([]any); len(arr) != 0 {
			t.Fatalf("rejected creates must not persist, found %d records", len(arr))
		}
	}
}

func TestAppointmentIDMustBeInteger(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	recorder := doRequest(t, server, http.MethodDelete, "/v1/appointments/abc", "", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	for _, path := range []string{"/v1/unknown", "/v2/appointments", "/"} {
		recorder := doRequest(t, server, http.MethodGet, path, "", nil)
		if recorder.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, recorder.Code)
		}
	}
}

func TestSettingsRoundTripOverHTTP(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})

	recorder := doRequest(t, server, http.MethodPut, "/v1/settings",
		`{"webhook_url":"https://hooks.example/wa","use_remote":false}`, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("put settings: status %d body %s", recorder.Code, recorder.Body.String())
	}

	recorder = doRequest(t, server, http.MethodGet, "/v1/settings", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("get settings: status %d", recorder.Code)
	}
	if resp := decodeBody(t, recorder); resp["webhook_url"] != "https://hooks.example/wa" {
		t.Fatalf("settings not applied: %v", resp)
	}
}

func TestIncompleteRemoteSettingsRejected(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	recorder := doRequest(t, server, http.MethodPut, "/v1/settings",
		`{"use_remote":true,"remote_repo":"acme/appointments"}`, nil)
	if recorder.Code != http.StatusPreconditionFailed {
		t.Fatalf("expected 412, got %d body %s", recorder.Code, recorder.Body.String())
	}
	if resp := decodeBody(t, recorder); resp["code"] != "misconfigured" {
		t.Fatalf("unexpected error body %v", resp)
	}
}

func TestRemindOverHTTP(t *testing.T) {
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer webhook.Close()

	server, _ := newTestServer(t, ServerConfig{})
	doRequest(t, server, http.MethodPut, "/v1/settings", fmt.Sprintf(`{"webhook_url":%q}`, webhook.URL), nil)
	id := createAppointment(t, server, "Ana", "2025-03-01", "09:00")

	recorder := doRequest(t, server, http.MethodPost, fmt.Sprintf("/v1/appointments/%d/remind", id), "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("remind: status %d body %s", recorder.Code, recorder.Body.String())
	}
	resp := decodeBody(t, recorder)
	appointment := resp["appointment"].(map[string]any)
	if appointment["status"] != remindsync.StatusSent {
		t.Fatalf("expected sent status, got %v", appointment["status"])
	}
}

func TestRemindMapsDownstreamRejection(t *testing.T) {
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer webhook.Close()

	server, _ := newTestServer(t, ServerConfig{})
	doRequest(t, server, http.MethodPut, "/v1/settings", fmt.Sprintf(`{"webhook_url":%q}`, webhook.URL), nil)
	id := createAppointment(t, server, "Ana", "2025-03-01", "09:00")

	recorder := doRequest(t, server, http.MethodPost, fmt.Sprintf("/v1/appointments/%d/remind", id), "", nil)
	if recorder.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d body %s", recorder.Code, recorder.Body.String())
	}
	resp := decodeBody(t, recorder)
	if resp["code"] != "downstream_rejected" {
		t.Fatalf("unexpected error code %v", resp["code"])
	}
	if int(resp["downstreamStatus"].(float64)) != http.StatusServiceUnavailable {
		t.Fatalf("downstream status missing from %v", resp)
	}
}

func TestRemindWithoutWebhookIs412(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	id := createAppointment(t, server, "Ana", "2025-03-01", "09:00")

	recorder := doRequest(t, server, http.MethodPost, fmt.Sprintf("/v1/appointments/%d/remind", id), "", nil)
	if recorder.Code != http.StatusPreconditionFailed {
		t.Fatalf("expected 412, got %d", recorder.Code)
	}
}

func TestSyncStatusEndpoint(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	recorder := doRequest(t, server, http.MethodGet, "/v1/sync/status", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status %d", recorder.Code)
	}
	resp := decodeBody(t, recorder)
	collections := resp["collections"].([]any)
	if len(collections) != 2 {
		t.Fatalf("expected two collections, got %v", resp)
	}
	first := collections[0].(map[string]any)
	if first["key"] != "appointments" || first["remoteEnabled"] != false {
		t.Fatalf("unexpected collection status %v", first)
	}
}

func TestBearerAuth(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{AuthToken: "sesame"})

	recorder := doRequest(t, server, http.MethodGet, "/v1/appointments", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", recorder.Code)
	}
	recorder = doRequest(t, server, http.MethodGet, "/v1/appointments", "", map[string]string{"Authorization": "Bearer wrong"})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: expected 401, got %d", recorder.Code)
	}
	recorder = doRequest(t, server, http.MethodGet, "/v1/appointments", "", map[string]string{"Authorization": "Bearer sesame"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("valid token: expected 200, got %d", recorder.Code)
	}
	// Liveness stays reachable for probes without credentials.
	recorder = doRequest(t, server, http.MethodGet, "/health", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("health must bypass auth, got %d", recorder.Code)
	}
}

func TestRateLimiting(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})

	for i := 0; i < 2; i++ {
		recorder := doRequest(t, server, http.MethodGet, "/v1/appointments", "", nil)
		if recorder.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, recorder.Code)
		}
	}
	recorder := doRequest(t, server, http.MethodGet, "/v1/appointments", "", nil)
	if recorder.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", recorder.Code)
	}
	if recorder.Header().Get("Retry-After") == "" {
		t.Fatalf("429 must carry Retry-After")
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{MaxBodyBytes: 64})
	big := fmt.Sprintf(`{"client_name":%q,"phone_number":"+1","appointment_date":"2025-03-01","appointment_time":"09:00"}`,
		strings.Repeat("x", 256))
	recorder := doRequest(t, server, http.MethodPost, "/v1/appointments", big, nil)
	if recorder.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", recorder.Code)
	}
}

func TestCorrelationIDEchoedOnErrors(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	recorder := doRequest(t, server, http.MethodDelete, "/v1/appointments/999", "",
		map[string]string{"X-Correlation-Id": "trace-42"})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
	if resp := decodeBody(t, recorder); resp["correlationId"] != "trace-42" {
		t.Fatalf("correlation id not echoed: %v", resp)
	}
}

func TestEventStreamDeliversStoreEvents(t *testing.T) {
	server, store := newTestServer(t, ServerConfig{})
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/v1/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The handler subscribes right after the handshake; give it a beat so
	// the mutation below cannot slip in before the subscription exists.
	time.Sleep(100 * time.Millisecond)

	appointment, _, err := store.CreateAppointment(ctx, remindsync.CreateAppointmentRequest{
		ClientName: "Ana", PhoneNumber: "+1555", AppointmentDate: "2025-03-01", AppointmentTime: "09:00",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	messageType, payload, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if messageType != websocket.MessageText {
		t.Fatalf("expected text message, got %v", messageType)
	}
	var event remindsync.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		t.Fatalf("decode event %q: %v", payload, err)
	}
	if event.Type != remindsync.EventAppointmentCreated || event.AppointmentID != appointment.ID {
		t.Fatalf("unexpected event %+v", event)
	}
}
