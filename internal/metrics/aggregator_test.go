package metrics

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/matheus3301/wpphub/internal/store"
)

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

func TestComputeWithoutStore(t *testing.T) {
	got, err := NewAggregator(nil, nil).Compute()
	if err != nil {
		t.Fatal(err)
	}
	want := &Snapshot{ChatsByStage: map[string]int{}, ChatsByUser: map[string]int{}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("snapshot (-want +got):\n%s", diff)
	}
}

func TestCompute(t *testing.T) {
	const now = int64(1_700_000_000)
	db := testDB(t)

	var snaps []store.ChatSnapshot
	for _, id := range []string{"c1", "c2", "c3", "c4"} {
		snaps = append(snaps, store.ChatSnapshot{ID: id})
	}
	if err := db.UpsertChats("wa1", "ready", snaps); err != nil {
		t.Fatal(err)
	}
	ana, err := db.CreateUser("Ana", store.RoleEmployee)
	if err != nil {
		t.Fatal(err)
	}
	for id, st := range map[string]store.Stage{"c2": store.StageContacted, "c3": store.StageWon, "c4": store.StageLost} {
		if err := db.UpdateChatStage(id, st, ""); err != nil {
			t.Fatal(err)
		}
	}
	for id, owner := range map[string]string{"c2": ana.ID, "c3": ana.ID, "c4": "ghost"} {
		if err := db.SetOwner(id, owner); err != nil {
			t.Fatal(err)
		}
	}

	msg := func(id, chat string, fromMe bool, ts int64) store.Message {
		return store.Message{ID: id, InstanceID: "wa1", ChatID: chat, FromMe: fromMe, Ts: ts}
	}
	eightDays := int64(8 * 24 * 3600)
	if _, err := db.InsertMessages([]store.Message{
		msg("c1-in", "c1", false, now-1000),
		msg("c1-out", "c1", true, now-880), // 120s
		msg("c2-in", "c2", false, now-5000),
		msg("c2-out1", "c2", true, now-4700), // 300s
		msg("c2-out2", "c2", true, now-4600), // 100s
		msg("c3-in", "c3", false, now-eightDays-100),
		msg("c3-out", "c3", true, now-eightDays), // outside the window
		msg("c4-in1", "c4", false, now-200000),
		msg("c4-out1", "c4", true, now-100000), // over a day
		msg("c4-in2", "c4", false, now-50),
		msg("c4-out2", "c4", true, now-50), // zero
	}); err != nil {
		t.Fatal(err)
	}

	a := NewAggregator(db, nil)
	a.now = func() time.Time { return time.Unix(now, 0) }
	got, err := a.Compute()
	if err != nil {
		t.Fatal(err)
	}
	want := &Snapshot{
		TotalChats:    4,
		TotalMessages: 11,
		TotalUsers:    1,
		ChatsByStage: map[string]int{
			"Entrada": 1, "Contatado": 1, "Ganho": 1, "Perdido": 1,
		},
		ChatsByUser:         map[string]int{"Ana": 2, "ghost": 1},
		AverageResponseTime: 3, // (120+300+100)/3 s ≈ 2.9 min
		ConversionRate:      33.33,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("snapshot (-want +got):\n%s", diff)
	}
}

func TestConversionRate(t *testing.T) {
	tests := []struct {
		won, worked int
		want        float64
	}{
		{0, 0, 0},
		{1, 3, 33.33},
		{2, 3, 66.67},
		{5, 5, 100},
	}
	for _, tt := range tests {
		if got := conversionRate(tt.won, tt.worked); got != tt.want {
			t.Errorf("conversionRate(%d, %d) = %v, want %v", tt.won, tt.worked, got, tt.want)
		}
	}
}
