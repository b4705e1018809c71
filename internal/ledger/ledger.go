package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/0xtide/epochbot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// OUTCOME LEDGER - Decisions, outcomes, votes, performance
// ═══════════════════════════════════════════════════════════════════════════════
//
// SQLite in WAL mode by default (one writer, concurrent readers); Postgres
// when the DSN says so. Outcome insertion is an idempotent upsert keyed by
// (strategy, crypto, epoch).
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrAlreadyResolved reports an outcome row that already exists for the
// (strategy, crypto, epoch) triple.
var ErrAlreadyResolved = errors.New("ledger: outcome already resolved")

const writeRetries = 3

// StrategyRow registers a named strategy, production included.
type StrategyRow struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;size:64"`
	CreatedAt time.Time
}

// DecisionRow is one aggregator verdict for one strategy and snapshot.
type DecisionRow struct {
	ID          string `gorm:"primaryKey;size:36"`
	Strategy    string `gorm:"size:64;uniqueIndex:idx_decisions_sce,priority:1"`
	Crypto      string `gorm:"size:8;uniqueIndex:idx_decisions_sce,priority:2"`
	Epoch       int64  `gorm:"uniqueIndex:idx_decisions_sce,priority:3"`
	Direction   string `gorm:"size:8"`
	Score       float64
	Agreement   float64
	Vetoed      bool
	VetoReasons string `gorm:"size:256"`
	Reason      string `gorm:"size:64"`
	WouldTrade  bool
	EntryPrice  decimal.Decimal `gorm:"type:decimal(10,4)"`
	SizeUSD     decimal.Decimal `gorm:"type:decimal(12,2)"`
	CreatedAt   time.Time
}

// OutcomeRow links a resolved epoch to what a strategy predicted.
type OutcomeRow struct {
	ID         uint   `gorm:"primaryKey"`
	Strategy   string `gorm:"size:64;uniqueIndex:idx_outcomes_sce,priority:1;index:idx_outcomes_resolved,priority:1"`
	Crypto     string `gorm:"size:8;uniqueIndex:idx_outcomes_sce,priority:2"`
	Epoch      int64  `gorm:"uniqueIndex:idx_outcomes_sce,priority:3"`
	Resolved   string `gorm:"size:8"`
	Predicted  string `gorm:"size:8"`
	Confidence float64
	PnL        decimal.Decimal `gorm:"type:decimal(12,2)"`
	ResolvedAt time.Time       `gorm:"index:idx_outcomes_resolved,priority:2"`
}

// AgentVoteRow is one committee member's vote inside a decision.
type AgentVoteRow struct {
	ID         uint   `gorm:"primaryKey"`
	DecisionID string `gorm:"size:36;index"`
	AgentName  string `gorm:"size:32;index"`
	Crypto     string `gorm:"size:8"`
	Epoch      int64
	Direction  string `gorm:"size:8"`
	Confidence float64
	Quality    float64
	CreatedAt  time.Time
}

// PerformanceRow is the per-strategy rollup.
type PerformanceRow struct {
	ID             uint   `gorm:"primaryKey"`
	Strategy       string `gorm:"uniqueIndex;size:64"`
	Trades         int
	Wins           int
	Losses         int
	NetPnL         decimal.Decimal `gorm:"type:decimal(14,2)"`
	VirtualBalance decimal.Decimal `gorm:"type:decimal(14,2)"`
	UpdatedAt      time.Time
}

// Ledger wraps the database plus the failure spool.
type Ledger struct {
	db    *gorm.DB
	spool *Spool
}

// Open connects, migrates, and replays any spooled writes. A DSN beginning
// with postgres:// or host= selects Postgres; anything else is a SQLite
// file path.
func Open(dsn, spoolPath string) (*Ledger, error) {
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	var db *gorm.DB
	var err error
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "host=") {
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	} else {
		db, err = gorm.Open(sqlite.Open(dsn+"?_journal_mode=WAL&_busy_timeout=5000"), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", redactDSN(dsn), err)
	}

	if err := db.AutoMigrate(
		&StrategyRow{},
		&DecisionRow{},
		&OutcomeRow{},
		&AgentVoteRow{},
		&PerformanceRow{},
	); err != nil {
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}

	l := &Ledger{db: db, spool: NewSpool(spoolPath)}
	if n, err := l.replaySpool(); err != nil {
		log.Warn().Err(err).Msg("Spool replay incomplete")
	} else if n > 0 {
		log.Info().Int("rows", n).Msg("📼 Spooled outcomes replayed")
	}

	log.Info().Msg("🗄️ Outcome ledger ready")
	return l, nil
}

// redactDSN strips credentials from a DSN for logging.
func redactDSN(dsn string) string {
	if i := strings.Index(dsn, "@"); i >= 0 {
		if j := strings.Index(dsn, "://"); j >= 0 && j < i {
			return dsn[:j+3] + "…" + dsn[i:]
		}
	}
	return dsn
}

// EnsureStrategy registers a strategy name, once.
func (l *Ledger) EnsureStrategy(name string) error {
	row := StrategyRow{Name: name, CreatedAt: time.Now().UTC()}
	return l.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// RecordDecision persists one decision plus its full vote trace.
func (l *Ledger) RecordDecision(strategy string, snap *types.Snapshot, d types.Decision, wouldTrade bool, entry, sizeUSD decimal.Decimal) (string, error) {
	row := DecisionRow{
		ID:          uuid.NewString(),
		Strategy:    strategy,
		Crypto:      string(snap.Crypto),
		Epoch:       int64(snap.Epoch),
		Direction:   string(d.Direction),
		Score:       d.Score,
		Agreement:   d.Agreement,
		Vetoed:      d.Vetoed,
		VetoReasons: strings.Join(d.VetoReasons, ","),
		Reason:      d.Reason,
		WouldTrade:  wouldTrade,
		EntryPrice:  entry,
		SizeUSD:     sizeUSD,
		CreatedAt:   time.Now().UTC(),
	}

	err := l.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Second decision for the same (strategy, crypto, epoch):
			// keep the first, skip the votes.
			return nil
		}
		votes := make([]AgentVoteRow, 0, len(d.Votes))
		for _, v := range d.Votes {
			votes = append(votes, AgentVoteRow{
				DecisionID: row.ID,
				AgentName:  v.Agent,
				Crypto:     string(snap.Crypto),
				Epoch:      int64(snap.Epoch),
				Direction:  string(v.Direction),
				Confidence: v.Confidence,
				Quality:    v.Quality,
				CreatedAt:  row.CreatedAt,
			})
		}
		if len(votes) == 0 {
			return nil
		}
		return tx.Create(&votes).Error
	})
	if err != nil {
		return "", fmt.Errorf("ledger: record decision: %w", err)
	}
	return row.ID, nil
}

// InsertOutcome upserts one outcome row keyed (strategy, crypto, epoch).
// A duplicate returns ErrAlreadyResolved without touching the stored row.
func (l *Ledger) InsertOutcome(o types.Outcome) error {
	row := OutcomeRow{
		Strategy:   o.Strategy,
		Crypto:     string(o.Crypto),
		Epoch:      int64(o.Epoch),
		Resolved:   string(o.Resolved),
		Predicted:  string(o.Predicted),
		Confidence: o.Confidence,
		PnL:        o.PnL,
		ResolvedAt: o.ResolvedAt,
	}
	res := l.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return fmt.Errorf("ledger: insert outcome: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyResolved
	}
	return nil
}

// WriteOutcome retries the insertion up to three times; on persistent
// failure it escalates to CRITICAL and spools the event for later replay.
// ErrAlreadyResolved passes through untouched.
func (l *Ledger) WriteOutcome(o types.Outcome) error {
	var err error
	for attempt := 1; attempt <= writeRetries; attempt++ {
		err = l.InsertOutcome(o)
		if err == nil || errors.Is(err, ErrAlreadyResolved) {
			return err
		}
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}

	log.Error().
		Err(err).
		Str("strategy", o.Strategy).
		Str("crypto", string(o.Crypto)).
		Int64("epoch", int64(o.Epoch)).
		Msg("🚨 CRITICAL: outcome write failed, spooling")
	if serr := l.spool.Append(o); serr != nil {
		log.Error().Err(serr).Msg("🚨 CRITICAL: spool append failed, outcome lost")
	}
	return err
}

// Outcome fetches the stored row for a triple, if present.
func (l *Ledger) Outcome(strategy string, crypto types.Crypto, epoch types.Epoch) (*OutcomeRow, error) {
	var row OutcomeRow
	err := l.db.
		Where("strategy = ? AND crypto = ? AND epoch = ?", strategy, string(crypto), int64(epoch)).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read outcome: %w", err)
	}
	return &row, nil
}

// Decision fetches the stored verdict for a triple, if present.
func (l *Ledger) Decision(strategy string, crypto types.Crypto, epoch types.Epoch) (*DecisionRow, error) {
	var row DecisionRow
	err := l.db.
		Where("strategy = ? AND crypto = ? AND epoch = ?", strategy, string(crypto), int64(epoch)).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read decision: %w", err)
	}
	return &row, nil
}

// PendingDecisions returns the decisions for an epoch that would have traded
// and have no outcome row yet; this is the crash-recovery path for virtual
// positions.
func (l *Ledger) PendingDecisions(strategy string) ([]DecisionRow, error) {
	var rows []DecisionRow
	err := l.db.
		Where("strategy = ? AND would_trade = ?", strategy, true).
		Where("NOT EXISTS (SELECT 1 FROM outcome_rows o WHERE o.strategy = decision_rows.strategy AND o.crypto = decision_rows.crypto AND o.epoch = decision_rows.epoch)").
		Order("epoch asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: pending decisions: %w", err)
	}
	return rows, nil
}

// AgentAccuracy returns the per-agent directional hit rate over the last
// `window` resolved production outcomes, oldest data excluded. Feeds the
// adaptive consensus multipliers at startup.
func (l *Ledger) AgentAccuracy(agent string, window int) (float64, int, error) {
	type pair struct {
		Direction string
		Resolved  string
	}
	var pairs []pair
	err := l.db.
		Table("agent_vote_rows").
		Select("agent_vote_rows.direction, outcome_rows.resolved").
		Joins("JOIN outcome_rows ON outcome_rows.crypto = agent_vote_rows.crypto AND outcome_rows.epoch = agent_vote_rows.epoch AND outcome_rows.strategy = ?", "production").
		Where("agent_vote_rows.agent_name = ? AND agent_vote_rows.direction IN ?", agent, []string{"UP", "DOWN"}).
		Order("agent_vote_rows.epoch DESC").
		Limit(window).
		Scan(&pairs).Error
	if err != nil {
		return 0, 0, fmt.Errorf("ledger: agent accuracy: %w", err)
	}
	if len(pairs) == 0 {
		return 0, 0, nil
	}
	hits := 0
	for _, p := range pairs {
		if p.Direction == p.Resolved {
			hits++
		}
	}
	return float64(hits) / float64(len(pairs)), len(pairs), nil
}

// UpdatePerformance applies one resolved trade to a strategy's rollup.
func (l *Ledger) UpdatePerformance(strategy string, pnl, virtualBalance decimal.Decimal) error {
	return l.db.Transaction(func(tx *gorm.DB) error {
		var row PerformanceRow
		err := tx.Where("strategy = ?", strategy).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = PerformanceRow{Strategy: strategy}
		} else if err != nil {
			return err
		}
		row.Trades++
		if pnl.IsPositive() {
			row.Wins++
		} else if pnl.IsNegative() {
			row.Losses++
		}
		row.NetPnL = row.NetPnL.Add(pnl)
		row.VirtualBalance = virtualBalance
		row.UpdatedAt = time.Now().UTC()
		return tx.Save(&row).Error
	})
}

// Performance fetches a strategy's rollup, nil if none exists yet.
func (l *Ledger) Performance(strategy string) (*PerformanceRow, error) {
	var row PerformanceRow
	err := l.db.Where("strategy = ?", strategy).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read performance: %w", err)
	}
	return &row, nil
}

// replaySpool drains the on-disk spool into the database.
func (l *Ledger) replaySpool() (int, error) {
	outcomes, err := l.spool.Drain()
	if err != nil || len(outcomes) == 0 {
		return 0, err
	}
	replayed := 0
	for _, o := range outcomes {
		err := l.InsertOutcome(o)
		if err != nil && !errors.Is(err, ErrAlreadyResolved) {
			// Put it back; we will try again next startup.
			if serr := l.spool.Append(o); serr != nil {
				log.Error().Err(serr).Msg("🚨 CRITICAL: spool re-append failed")
			}
			continue
		}
		replayed++
	}
	return replayed, nil
}

// Close releases the underlying connection.
func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
