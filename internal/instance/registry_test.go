package instance

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/wpphub/internal/bus"
	"github.com/matheus3301/wpphub/internal/driver"
	"github.com/matheus3301/wpphub/internal/driver/drivertest"
	"github.com/matheus3301/wpphub/internal/session"
	"github.com/matheus3301/wpphub/internal/status"
	"github.com/matheus3301/wpphub/internal/store"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recorder) Publish(evt bus.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if st, ok := e.Payload.(bus.Status); ok {
			out = append(out, st.Status)
		}
	}
	return out
}

func (r *recorder) ofKind(kind string) []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func newTestRegistry(t *testing.T, f *drivertest.Factory, db *store.DB, events bus.Sink) *Registry {
	t.Helper()
	return NewRegistry(f.New, session.NewPaths(t.TempDir()), db, events, nil, Options{
		RestartCooldown: time.Millisecond,
		PollInterval:    5 * time.Millisecond,
	})
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

func TestConcurrentGetOrCreateInitializesOnce(t *testing.T) {
	f := &drivertest.Factory{Prepare: func(c *drivertest.Client) {
		c.InitializeFunc = func(context.Context) error {
			time.Sleep(50 * time.Millisecond)
			return nil
		}
	}}
	reg := newTestRegistry(t, f, nil, nil)

	const n = 16
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]*Runtime, n)
		errs    = make([]error, n)
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i], errs[i] = reg.GetOrCreate(context.Background(), "wa1", nil)
		}()
	}
	close(start)
	wg.Wait()

	for i := range n {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("caller %d got a different runtime", i)
		}
	}
	if got := f.Builds.Load(); got != 1 {
		t.Errorf("driver builds = %d, want 1", got)
	}
	if got := f.Last().Initializes.Load(); got != 1 {
		t.Errorf("initializations = %d, want 1", got)
	}
}

func TestGetOrCreateFailureRemovesEntry(t *testing.T) {
	boom := errors.New("browser crashed")
	fail := true
	f := &drivertest.Factory{Prepare: func(c *drivertest.Client) {
		if fail {
			c.InitializeFunc = func(context.Context) error { return boom }
		}
	}}
	reg := newTestRegistry(t, f, nil, nil)

	_, err := reg.GetOrCreate(context.Background(), "wa1", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if _, ok := reg.Get("wa1"); ok {
		t.Fatal("failed instance left in registry")
	}
	if !f.Last().Destroyed.Load() {
		t.Error("failed driver not destroyed")
	}

	fail = false
	rt, err := reg.GetOrCreate(context.Background(), "wa1", nil)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if rt.Status() != status.Connecting {
		t.Errorf("status = %s, want connecting", rt.Status())
	}
	if f.Builds.Load() != 2 {
		t.Errorf("builds = %d, want 2", f.Builds.Load())
	}
}

func TestGetOrCreateRejectsBadID(t *testing.T) {
	reg := newTestRegistry(t, &drivertest.Factory{}, nil, nil)
	if _, err := reg.GetOrCreate(context.Background(), "../etc", nil); err == nil {
		t.Fatal("expected invalid id error")
	}
}

func TestLookupUnknown(t *testing.T) {
	reg := newTestRegistry(t, &drivertest.Factory{}, nil, nil)
	if _, err := reg.Lookup("nope"); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("err = %v, want ErrNotInitialized", err)
	}
}

func TestLifecycleEvents(t *testing.T) {
	db := testDB(t)
	f := &drivertest.Factory{}
	reg := newTestRegistry(t, f, db, nil)
	rec := &recorder{}

	rt, err := reg.GetOrCreate(context.Background(), "wa1", rec)
	if err != nil {
		t.Fatal(err)
	}
	client := f.Last()
	client.Emit(driver.QR{Code: "2@pair"})
	if rt.Info().QR != "2@pair" {
		t.Errorf("qr = %q, want 2@pair", rt.Info().QR)
	}
	_, gen, _ := rt.CachedChats(time.Hour)
	rt.StoreChats(gen, []store.ChatSummary{{ID: "stale"}})
	client.Emit(driver.Authenticated{})
	client.Emit(driver.Ready{})

	want := []string{"connecting", "qr", "authenticated", "ready"}
	got := rec.statuses()
	if len(got) != len(want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", got, want)
		}
	}
	if len(rec.ofKind(bus.KindQR)) != 1 {
		t.Error("qr event not emitted")
	}
	if rt.ReadyAt().IsZero() {
		t.Error("ready timestamp not recorded")
	}
	if _, _, ok := rt.CachedChats(time.Hour); ok {
		t.Error("ready did not clear the cache")
	}
	in, err := db.GetInstance("wa1")
	if err != nil {
		t.Fatal(err)
	}
	if in == nil || in.Status != "ready" {
		t.Errorf("persisted instance = %+v, want ready", in)
	}

	client.Emit(driver.Disconnected{Reason: "phone offline"})
	if rt.Status() != status.Disconnected || !rt.ReadyAt().IsZero() {
		t.Errorf("after disconnect: status=%s readyAt=%v", rt.Status(), rt.ReadyAt())
	}
	client.Emit(driver.AuthFailure{})
	if rt.Status() != status.Error {
		t.Errorf("status = %s, want error", rt.Status())
	}
}

func TestInboundGoesToInternalBus(t *testing.T) {
	events := &recorder{}
	f := &drivertest.Factory{}
	reg := newTestRegistry(t, f, nil, events)
	if _, err := reg.GetOrCreate(context.Background(), "wa1", nil); err != nil {
		t.Fatal(err)
	}
	f.Last().Emit(driver.Inbound{Message: driver.Message{ID: "m1", ChatID: "a@c.us"}})

	got := events.ofKind(bus.KindDriverMessage)
	if len(got) != 1 {
		t.Fatalf("driver messages = %d, want 1", len(got))
	}
	if got[0].InstanceID != "wa1" || got[0].Payload.(bus.DriverMessage).Message.ID != "m1" {
		t.Errorf("event = %+v", got[0])
	}
}

func TestCacheGeneration(t *testing.T) {
	reg := newTestRegistry(t, &drivertest.Factory{}, nil, nil)
	rt, err := reg.GetOrCreate(context.Background(), "wa1", nil)
	if err != nil {
		t.Fatal(err)
	}
	_, gen, ok := rt.CachedChats(time.Hour)
	if ok {
		t.Fatal("cache should start empty")
	}
	rt.InvalidateCache()
	rt.StoreChats(gen, []store.ChatSummary{{ID: "old"}})
	if _, _, ok := rt.CachedChats(time.Hour); ok {
		t.Error("stale generation was cached")
	}
	_, gen, _ = rt.CachedChats(time.Hour)
	rt.StoreChats(gen, []store.ChatSummary{{ID: "new"}})
	chats, _, ok := rt.CachedChats(time.Hour)
	if !ok || chats[0].ID != "new" {
		t.Errorf("cache = %v, %v", chats, ok)
	}
	if _, _, ok := rt.CachedChats(0); ok {
		t.Error("zero ttl should miss")
	}
}

func TestRestartInPlace(t *testing.T) {
	f := &drivertest.Factory{}
	reg := newTestRegistry(t, f, nil, nil)
	rt, err := reg.GetOrCreate(context.Background(), "wa1", nil)
	if err != nil {
		t.Fatal(err)
	}
	client := f.Last()
	client.Emit(driver.Ready{})

	if err := rt.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if client.Initializes.Load() != 2 {
		t.Errorf("initializes = %d, want 2", client.Initializes.Load())
	}
	if f.Builds.Load() != 1 {
		t.Errorf("builds = %d, want 1", f.Builds.Load())
	}
	if client.ListenerCount() != 1 {
		t.Errorf("listeners = %d, want 1 after re-registration", client.ListenerCount())
	}
	if rt.Status() != status.Connecting || !rt.ReadyAt().IsZero() {
		t.Errorf("status=%s readyAt=%v, want connecting with cleared ready time", rt.Status(), rt.ReadyAt())
	}
}

func TestRestartRecreatesDriver(t *testing.T) {
	f := &drivertest.Factory{Prepare: func(c *drivertest.Client) {
		c.InitializeFunc = func(context.Context) error {
			if c.Initializes.Load() > 1 {
				return errors.New("execution context was destroyed")
			}
			return nil
		}
	}}
	reg := newTestRegistry(t, f, nil, nil)
	rt, err := reg.GetOrCreate(context.Background(), "wa1", nil)
	if err != nil {
		t.Fatal(err)
	}
	first := f.Last()

	if err := rt.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if !first.Destroyed.Load() {
		t.Error("old driver not destroyed")
	}
	second := f.Last()
	if second == first || rt.Client() != driver.Client(second) {
		t.Fatal("runtime did not switch to the fresh driver")
	}
	if second.CredentialsPath != first.CredentialsPath {
		t.Errorf("credentials = %q, want %q", second.CredentialsPath, first.CredentialsPath)
	}
	if second.ListenerCount() != 1 || first.ListenerCount() != 0 {
		t.Errorf("listeners old=%d new=%d", first.ListenerCount(), second.ListenerCount())
	}
}

func TestRestartFatal(t *testing.T) {
	f := &drivertest.Factory{Prepare: func(c *drivertest.Client) {
		c.InitializeFunc = func(context.Context) error {
			if c.Initializes.Load() > 1 {
				return errors.New("target closed")
			}
			return nil
		}
	}}
	reg := newTestRegistry(t, f, nil, nil)
	rt, err := reg.GetOrCreate(context.Background(), "wa1", nil)
	if err != nil {
		t.Fatal(err)
	}
	// Every later handle fails too.
	f.Prepare = func(c *drivertest.Client) {
		c.InitializeFunc = func(context.Context) error { return errors.New("target closed") }
	}

	if err := rt.Restart(context.Background()); err == nil {
		t.Fatal("Restart should fail")
	}
	if rt.Status() != status.Error {
		t.Errorf("status = %s, want error", rt.Status())
	}
}

func TestConcurrentRestartsShareOneRun(t *testing.T) {
	f := &drivertest.Factory{}
	reg := newTestRegistry(t, f, nil, nil)
	rt, err := reg.GetOrCreate(context.Background(), "wa1", nil)
	if err != nil {
		t.Fatal(err)
	}
	client := f.Last()
	gate := make(chan struct{})
	client.InitializeFunc = func(context.Context) error {
		<-gate
		return nil
	}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = rt.Restart(context.Background())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	// One from start, one shared restart.
	if got := client.Initializes.Load(); got != 2 {
		t.Errorf("initializes = %d, want 2", got)
	}
}

func TestWaitUntilReady(t *testing.T) {
	f := &drivertest.Factory{}
	reg := newTestRegistry(t, f, nil, nil)
	if reg.WaitUntilReady(context.Background(), "wa1", 20*time.Millisecond) {
		t.Fatal("unknown instance reported ready")
	}
	if _, err := reg.GetOrCreate(context.Background(), "wa1", nil); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		f.Last().Emit(driver.Ready{})
	}()
	if !reg.WaitUntilReady(context.Background(), "wa1", time.Second) {
		t.Fatal("WaitUntilReady = false, want true")
	}
}

func TestListAndShutdown(t *testing.T) {
	f := &drivertest.Factory{}
	reg := newTestRegistry(t, f, nil, nil)
	for _, id := range []string{"wa2", "wa1"} {
		if _, err := reg.GetOrCreate(context.Background(), id, nil); err != nil {
			t.Fatal(err)
		}
	}
	list := reg.List()
	if len(list) != 2 || list[0].ID != "wa1" || list[1].ID != "wa2" {
		t.Errorf("List = %+v", list)
	}
	if err := reg.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, c := range f.Clients() {
		if !c.Destroyed.Load() {
			t.Errorf("client %s not destroyed", c.ID)
		}
	}
}
