// Package metrics computes dashboard rollups over the persisted store.
package metrics

import (
	"fmt"
	"math"
	"time"

	"github.com/matheus3301/wpphub/internal/store"
	"go.uber.org/zap"
)

const (
	responseWindow = 7 * 24 * time.Hour
	responseSample = 1000
	// Deltas of a day or more are treated as new conversations, not replies.
	maxResponseDelta = 86400
)

// Snapshot is a point-in-time rollup.
type Snapshot struct {
	TotalChats    int            `json:"totalChats"`
	TotalMessages int            `json:"totalMessages"`
	TotalUsers    int            `json:"totalUsers"`
	ChatsByStage  map[string]int `json:"chatsByStage"`
	ChatsByUser   map[string]int `json:"chatsByUser"`
	// AverageResponseTime is in whole minutes.
	AverageResponseTime int     `json:"averageResponseTime"`
	ConversionRate      float64 `json:"conversionRate"`
}

// Aggregator computes Snapshots.
type Aggregator struct {
	db     *store.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewAggregator creates an aggregator. db may be nil, in which case every
// snapshot is zeroed.
func NewAggregator(db *store.DB, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{db: db, logger: logger, now: time.Now}
}

// Compute reads the current rollup.
func (a *Aggregator) Compute() (*Snapshot, error) {
	snap := &Snapshot{
		ChatsByStage: map[string]int{},
		ChatsByUser:  map[string]int{},
	}
	if !a.db.Enabled() {
		return snap, nil
	}

	totals, err := a.db.CountTotals()
	if err != nil {
		return nil, fmt.Errorf("count totals: %w", err)
	}
	snap.TotalChats, snap.TotalMessages, snap.TotalUsers = totals.Chats, totals.Messages, totals.Users

	byStage, err := a.db.ChatsByStage()
	if err != nil {
		return nil, fmt.Errorf("chats by stage: %w", err)
	}
	for st, n := range byStage {
		snap.ChatsByStage[string(st)] = n
	}

	byOwner, err := a.db.ChatsByOwner()
	if err != nil {
		return nil, fmt.Errorf("chats by owner: %w", err)
	}
	names, err := a.db.UserNames()
	if err != nil {
		return nil, fmt.Errorf("user names: %w", err)
	}
	for id, n := range byOwner {
		label := names[id]
		if label == "" {
			label = id
		}
		snap.ChatsByUser[label] += n
	}

	snap.AverageResponseTime = a.averageResponse()

	won, err := a.db.CountChatsInStages(store.StageWon)
	if err != nil {
		return nil, fmt.Errorf("count won chats: %w", err)
	}
	worked, err := a.db.CountChatsInStages(store.StageContacted, store.StageNegotiating, store.StageWon, store.StageLost)
	if err != nil {
		return nil, fmt.Errorf("count worked chats: %w", err)
	}
	snap.ConversionRate = conversionRate(won, worked)
	return snap, nil
}

// averageResponse is best-effort: a failed sample yields zero.
func (a *Aggregator) averageResponse() int {
	since := a.now().Add(-responseWindow).Unix()
	deltas, err := a.db.ResponseDeltas(since, responseSample)
	if err != nil {
		a.logger.Warn("response time sample failed", zap.Error(err))
		return 0
	}
	var sum, n int64
	for _, d := range deltas {
		if d > 0 && d < maxResponseDelta {
			sum += d
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return int(math.Round(float64(sum) / float64(n) / 60))
}

func conversionRate(won, worked int) float64 {
	if worked == 0 {
		return 0
	}
	return math.Round(float64(won)/float64(worked)*100*100) / 100
}
