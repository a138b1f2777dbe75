package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/matheus3301/wpphub/internal/bus"
	"github.com/matheus3301/wpphub/internal/chatedit"
	"github.com/matheus3301/wpphub/internal/chatlist"
	"github.com/matheus3301/wpphub/internal/driver"
	"github.com/matheus3301/wpphub/internal/driver/drivertest"
	"github.com/matheus3301/wpphub/internal/instance"
	"github.com/matheus3301/wpphub/internal/metrics"
	"github.com/matheus3301/wpphub/internal/outbox"
	"github.com/matheus3301/wpphub/internal/session"
	"github.com/matheus3301/wpphub/internal/store"
	wsync "github.com/matheus3301/wpphub/internal/sync"
)

const chatID = "5511999998888@c.us"

type fixture struct {
	srv     *httptest.Server
	factory *drivertest.Factory
	reg     *instance.Registry
	db      *store.DB
	bus     *bus.Bus
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func setup(t *testing.T, db *store.DB, prepare func(c *drivertest.Client)) *fixture {
	t.Helper()
	b := bus.New()
	f := &drivertest.Factory{Prepare: prepare}
	reg := instance.NewRegistry(f.New, session.NewPaths(t.TempDir()), db, b, nil, instance.Options{RestartCooldown: time.Millisecond})
	s := NewServer(Services{
		Instances: reg,
		Chats:     chatlist.NewEngine(reg, db, nil, chatlist.Options{Warmup: time.Millisecond, RetryDelay: time.Millisecond, RestartSettle: time.Millisecond}),
		History:   wsync.NewHistory(reg, db, nil),
		Edits:     chatedit.NewService(reg, db, nil),
		Sender:    outbox.NewSender(reg, db, nil),
		Metrics:   metrics.NewAggregator(db, nil),
		Bus:       b,
	}, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return &fixture{srv: srv, factory: f, reg: reg, db: db, bus: b}
}

func (fx *fixture) connect(t *testing.T, id string) {
	t.Helper()
	if _, err := fx.reg.GetOrCreate(context.Background(), id, fx.bus); err != nil {
		t.Fatal(err)
	}
}

// ready connects id and reports a ready session.
func (fx *fixture) ready(t *testing.T, id string) {
	t.Helper()
	fx.connect(t, id)
	fx.factory.Last().Emit(driver.Ready{})
}

func (fx *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, fx.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealth(t *testing.T) {
	fx := setup(t, nil, nil)
	resp := fx.do(t, http.MethodGet, "/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body := decode[map[string]any](t, resp); body["ok"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestUnknownInstanceIsUnavailable(t *testing.T) {
	fx := setup(t, nil, nil)
	for _, path := range []string{
		"/api/instances/wa9",
		"/api/instances/wa9/chats",
		"/api/instances/wa9/chats/" + chatID + "/messages",
	} {
		resp := fx.do(t, http.MethodGet, path, nil, nil)
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("GET %s status = %d, want 503", path, resp.StatusCode)
		}
		if body := decode[errorBody](t, resp); body.Error != notInitializedHint {
			t.Errorf("GET %s error = %q", path, body.Error)
		}
	}
}

func TestConnectAndList(t *testing.T) {
	fx := setup(t, nil, nil)

	resp := fx.do(t, http.MethodPost, "/api/instances/wa1/connect", nil, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("connect status = %d", resp.StatusCode)
	}
	if info := decode[instance.Info](t, resp); info.ID != "wa1" || info.Status != "connecting" {
		t.Errorf("info = %+v", info)
	}
	// A second connect reuses the runtime.
	fx.do(t, http.MethodPost, "/api/instances/wa1/connect", nil, nil)
	if n := len(fx.factory.Clients()); n != 1 {
		t.Errorf("driver built %d times", n)
	}

	list := decode[[]instance.Info](t, fx.do(t, http.MethodGet, "/api/instances", nil, nil))
	if len(list) != 1 || list[0].ID != "wa1" {
		t.Errorf("instances = %+v", list)
	}

	if resp := fx.do(t, http.MethodPost, "/api/instances/bad.id/connect", nil, nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid id status = %d, want 400", resp.StatusCode)
	}
}

func TestConnectWait(t *testing.T) {
	fx := setup(t, nil, nil)

	resp := fx.do(t, http.MethodPost, "/api/instances/wa1/connect?wait=20ms", nil, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("connect before ready = %d, want 202", resp.StatusCode)
	}
	_ = resp.Body.Close()

	fx.factory.Last().Emit(driver.Ready{})
	resp = fx.do(t, http.MethodPost, "/api/instances/wa1/connect?wait=1s", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("connect after ready = %d, want 200", resp.StatusCode)
	}
	if info := decode[instance.Info](t, resp); info.Status != "ready" || info.ReadyAt.IsZero() {
		t.Errorf("info = %+v", info)
	}

	if resp := fx.do(t, http.MethodPost, "/api/instances/wa1/connect?wait=soon", nil, nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad wait status = %d, want 400", resp.StatusCode)
	}
}

func TestChats(t *testing.T) {
	fx := setup(t, nil, func(c *drivertest.Client) {
		c.SetChats(
			driver.Chat{ID: chatID, Name: "Maria Silva", LastMessage: &driver.Preview{Body: "oi", Timestamp: 20}},
			driver.Chat{ID: "5511888887777@c.us", Name: "João Pereira", LastMessage: &driver.Preview{Body: "tchau", Timestamp: 10}},
		)
	})
	fx.ready(t, "wa1")

	resp := fx.do(t, http.MethodGet, "/api/instances/wa1/chats", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	chats := decode[[]store.ChatSummary](t, resp)
	var names []string
	for _, c := range chats {
		names = append(names, c.Name)
	}
	if diff := cmp.Diff([]string{"Maria Silva", "João Pereira"}, names); diff != "" {
		t.Errorf("chat order (-want +got):\n%s", diff)
	}
}

func TestTransientDriverFailureIs503(t *testing.T) {
	fx := setup(t, nil, func(c *drivertest.Client) {
		c.ChatsFunc = func(context.Context) ([]driver.Chat, error) {
			return nil, errors.New("Runtime.callFunctionOn timed out")
		}
	})
	fx.ready(t, "wa1")
	if resp := fx.do(t, http.MethodGet, "/api/instances/wa1/chats", nil, nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestMessagesLimit(t *testing.T) {
	var (
		mu     sync.Mutex
		limits []int
	)
	fx := setup(t, nil, func(c *drivertest.Client) {
		c.FetchFunc = func(_ context.Context, _ string, limit int) ([]driver.Message, error) {
			mu.Lock()
			defer mu.Unlock()
			limits = append(limits, limit)
			return []driver.Message{{ID: "m1", ChatID: chatID, Body: "oi", Timestamp: 1}}, nil
		}
	})
	fx.connect(t, "wa1")

	for _, q := range []string{"", "?limit=20", "?limit=5000", "?limit=abc"} {
		resp := fx.do(t, http.MethodGet, "/api/instances/wa1/chats/"+chatID+"/messages"+q, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("limit %q status = %d", q, resp.StatusCode)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]int{1000, 20, 1000, 1000}, limits); diff != "" {
		t.Errorf("limits (-want +got):\n%s", diff)
	}
}

func TestSendAndOwnership(t *testing.T) {
	db := testDB(t)
	fx := setup(t, db, nil)
	fx.connect(t, "wa1")
	ana := map[string]string{headerUserID: "u1", headerUserRole: "employee"}
	bia := map[string]string{headerUserID: "u2", headerUserRole: "employee"}

	resp := fx.do(t, http.MethodPost, "/api/instances/wa1/send", sendRequest{ChatID: chatID, Text: "bom dia"}, ana)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send status = %d", resp.StatusCode)
	}
	if res := decode[outbox.Result](t, resp); res.ID == "" || res.ClientMsgID == "" {
		t.Errorf("result = %+v", res)
	}

	resp = fx.do(t, http.MethodPost, "/api/instances/wa1/send", sendRequest{ChatID: chatID, Text: "oi"}, bia)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("other employee send status = %d, want 403", resp.StatusCode)
	}
	resp = fx.do(t, http.MethodPatch, "/api/instances/wa1/chats/"+chatID+"/tags", map[string]any{"tags": []string{"VIP"}}, bia)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("other employee tags status = %d, want 403", resp.StatusCode)
	}

	resp = fx.do(t, http.MethodPatch, "/api/instances/wa1/chats/"+chatID+"/owner", map[string]string{"userId": "u2"},
		map[string]string{headerUserID: "root", headerUserRole: "admin"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reassign status = %d", resp.StatusCode)
	}
	if chat := decode[store.ChatSummary](t, resp); chat.OwnerUserID != "u2" {
		t.Errorf("owner = %q, want u2", chat.OwnerUserID)
	}
}

func TestSendValidation(t *testing.T) {
	fx := setup(t, nil, nil)
	fx.connect(t, "wa1")

	tests := []struct {
		name string
		body any
	}{
		{"missing chat", sendRequest{Text: "oi"}},
		{"empty message", sendRequest{ChatID: chatID}},
		{"bad media", sendRequest{ChatID: chatID, MediaURL: "data:image/png,zzz"}},
		{"malformed json", "not an object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := fx.do(t, http.MethodPost, "/api/instances/wa1/send", tt.body, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestSendMedia(t *testing.T) {
	fx := setup(t, nil, nil)
	fx.connect(t, "wa1")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("chatId", chatID)
	_ = mw.WriteField("text", "segue o contrato")
	part, err := mw.CreateFormFile("file", "contrato.pdf")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = part.Write([]byte("%PDF-1.4"))
	_ = mw.Close()

	req, _ := http.NewRequest(http.MethodPost, fx.srv.URL+"/api/instances/wa1/send-media", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	sent := fx.factory.Last().SentMessages()
	if len(sent) != 1 || sent[0].Content.Media == nil || string(sent[0].Content.Media.Data) != "%PDF-1.4" || sent[0].Content.Text != "segue o contrato" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestStageValidationAndPersistence(t *testing.T) {
	fx := setup(t, nil, nil)
	fx.connect(t, "wa1")

	resp := fx.do(t, http.MethodPatch, "/api/instances/wa1/chats/"+chatID+"/stage", map[string]string{"stage": "Bogus"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus stage status = %d, want 400", resp.StatusCode)
	}
	resp = fx.do(t, http.MethodPatch, "/api/instances/wa1/chats/"+chatID+"/stage", map[string]string{"stage": "Ganho"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stage status = %d", resp.StatusCode)
	}
	if chat := decode[store.ChatSummary](t, resp); chat.Stage != store.StageWon {
		t.Errorf("stage = %q", chat.Stage)
	}
	resp = fx.do(t, http.MethodPatch, "/api/instances/wa1/chats/"+chatID+"/owner", map[string]string{"userId": "u1"},
		map[string]string{headerUserRole: "admin"})
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("owner without store status = %d, want 501", resp.StatusCode)
	}
}

func TestMissingChatIs404(t *testing.T) {
	fx := setup(t, testDB(t), nil)
	fx.connect(t, "wa1")
	resp := fx.do(t, http.MethodPatch, "/api/instances/wa1/chats/nope@c.us/tags", map[string]any{"tags": []string{"x"}}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestMetricsRequiresAdmin(t *testing.T) {
	fx := setup(t, nil, nil)
	if resp := fx.do(t, http.MethodGet, "/api/metrics", nil, map[string]string{headerUserRole: "employee"}); resp.StatusCode != http.StatusForbidden {
		t.Errorf("employee status = %d, want 403", resp.StatusCode)
	}
	resp := fx.do(t, http.MethodGet, "/api/metrics", nil, map[string]string{headerUserRole: "admin"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin status = %d", resp.StatusCode)
	}
	if snap := decode[metrics.Snapshot](t, resp); snap.TotalChats != 0 || snap.ChatsByStage == nil {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	fx := setup(t, nil, nil)
	resp := fx.do(t, http.MethodGet, "/metrics", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), "go_goroutines") {
		t.Error("default collectors missing")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{instance.ErrNotInitialized, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: instance wa1 is qr", instance.ErrNotReady), http.StatusServiceUnavailable},
		{fmt.Errorf("wrap: %w", driver.Transient("list", errors.New("x"))), http.StatusServiceUnavailable},
		{driver.ContextLost("list", errors.New("x")), http.StatusServiceUnavailable},
		{&chatedit.ValidationError{Field: "stage"}, http.StatusBadRequest},
		{outbox.ErrEmptyMessage, http.StatusBadRequest},
		{fmt.Errorf("chat x: %w", store.ErrNotFound), http.StatusNotFound},
		{chatedit.ErrNotOwner, http.StatusForbidden},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func dialStream(t *testing.T, fx *fixture, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(fx.srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type wireEvent struct {
	Type       string          `json:"type"`
	InstanceID string          `json:"instanceId"`
	Payload    json.RawMessage `json:"payload"`
	OK         bool            `json:"ok"`
}

// readUntil reads stream frames until one matches.
func readUntil(t *testing.T, conn *websocket.Conn, match func(wireEvent) bool) wireEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var evt wireEvent
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if match(evt) {
			return evt
		}
	}
}

func TestStreamConnectAction(t *testing.T) {
	fx := setup(t, nil, nil)
	conn := dialStream(t, fx, "")

	if err := conn.WriteJSON(Action{Action: "connect", InstanceID: "wa2"}); err != nil {
		t.Fatal(err)
	}
	status := readUntil(t, conn, func(e wireEvent) bool { return e.Type == bus.KindStatus })
	if status.InstanceID != "wa2" || !strings.Contains(string(status.Payload), "connecting") {
		t.Errorf("status event = %+v", status)
	}
	ack := readUntil(t, conn, func(e wireEvent) bool { return e.Type == "connect" })
	if !ack.OK || ack.InstanceID != "wa2" {
		t.Errorf("ack = %+v", ack)
	}
	if _, ok := fx.reg.Get("wa2"); !ok {
		t.Error("instance not created")
	}
}

func TestStreamFiltersByInstance(t *testing.T) {
	fx := setup(t, nil, nil)
	conn := dialStream(t, fx, "?instanceId=wa1")
	// Give the server a moment to subscribe.
	time.Sleep(50 * time.Millisecond)

	bus.Emit(fx.bus, bus.KindChatUpdated, "other", bus.ChatUpdated{ChatID: "x"})
	bus.Emit(fx.bus, bus.KindChatUpdated, "wa1", bus.ChatUpdated{ChatID: chatID})
	bus.Emit(fx.bus, bus.KindDriverMessage, "wa1", bus.DriverMessage{})

	evt := readUntil(t, conn, func(wireEvent) bool { return true })
	if evt.Type != bus.KindChatUpdated || evt.InstanceID != "wa1" {
		t.Errorf("first event = %+v, want wa1 chat_updated", evt)
	}
}
