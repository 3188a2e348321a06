// Package budget implements the LLM spend governor: tracks per-hour and
// per-day cost against a configured ceiling, gates LLM calls on
// affordability, and suggests a degradation tier once the ceiling nears.
// A direct Go port of original_source/recall/utils/budget_manager.py
// (BudgetManager / BudgetConfig / UsageRecord), generalized from its
// dataclass persistence to the engine's atomic-rename JSON pattern.
package budget

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/recallsystems/recall/internal/errs"
)

// Period selects which rolling window a query applies to.
type Period string

const (
	PeriodHourly Period = "hourly"
	PeriodDaily  Period = "daily"
)

// modelPrice is a (input, output) per-1K-token price pair in dollars.
type modelPrice struct {
	in, out float64
}

// knownModelPrices mirrors budget_manager.py's hardcoded model_prices
// table; models absent here fall back to Config's default prices.
var knownModelPrices = map[string]modelPrice{
	"gpt-4o-mini":    {0.00015, 0.0006},
	"gpt-4o":         {0.005, 0.015},
	"gpt-4-turbo":    {0.01, 0.03},
	"gpt-3.5-turbo":  {0.0005, 0.0015},
	"deepseek-chat":  {0.00014, 0.00028},
	"qwen-turbo":     {0.0002, 0.0006},
}

// UsageRecord is one recorded (or replayed) LLM call.
type UsageRecord struct {
	Timestamp  float64 `json:"timestamp"` // unix seconds
	Operation  string  `json:"operation"`
	TokensIn   int     `json:"tokens_in"`
	TokensOut  int     `json:"tokens_out"`
	Cost       float64 `json:"cost"`
	Model      string  `json:"model"`
	Success    bool    `json:"success"`
}

// Config tunes the ceilings, warning threshold, and default model
// pricing. Zero-value Config is unusable; use DefaultConfig.
type Config struct {
	DailyBudget      float64
	HourlyBudget     float64
	WarningThreshold float64
	AutoDegrade      bool
	PricePer1kInput  float64
	PricePer1kOutput float64
	ReservedBudget   float64
}

// DefaultConfig mirrors BudgetConfig's dataclass defaults.
func DefaultConfig() Config {
	return Config{
		DailyBudget:      1.0,
		HourlyBudget:     0.1,
		WarningThreshold: 0.8,
		AutoDegrade:      true,
		PricePer1kInput:  0.0015,
		PricePer1kOutput: 0.006,
		ReservedBudget:   0.1,
	}
}

// WarningFunc is called once daily usage crosses WarningThreshold.
type WarningFunc func(dailyCost, dailyBudget float64)

// ExhaustedFunc is called once daily usage reaches DailyBudget.
type ExhaustedFunc func()

// Manager is the LLM spend governor: it tracks hourly/daily cost, gates
// affordability checks, and persists a rolling seven-day usage log.
// Thread-safe via a single mutex, per spec §5.
type Manager struct {
	mu   sync.Mutex
	path string
	log  zerolog.Logger
	cfg  Config

	records     []UsageRecord
	dailyCost   float64
	hourlyCost  float64
	currentDay  string // YYYY-MM-DD
	currentHour int

	onWarning   WarningFunc
	onExhausted ExhaustedFunc
}

type document struct {
	LastUpdated string        `json:"last_updated"`
	Records     []UsageRecord `json:"records"`
}

// Open loads (or creates) the usage log at <data_root>/budget/usage.json.
func Open(dataRoot string, cfg Config, log zerolog.Logger) (*Manager, error) {
	dir := filepath.Join(dataRoot, "budget")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.New(errs.KindIoError, "BudgetManager.Open", "mkdir", err)
	}
	now := time.Now()
	m := &Manager{
		path:        filepath.Join(dir, "usage.json"),
		log:         log.With().Str("component", "BudgetManager").Logger(),
		cfg:         cfg,
		currentDay:  now.Format("2006-01-02"),
		currentHour: now.Hour(),
	}
	m.load()
	return m, nil
}

// load replays today's records into the in-memory rollups; a malformed
// file starts empty rather than failing Open, matching budget_manager.py's
// best-effort _load.
func (m *Manager) load() {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		m.log.Warn().Err(err).Msg("usage.json unreadable, starting empty")
		return
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		m.log.Warn().Err(err).Msg("usage.json malformed, starting empty")
		return
	}
	today := m.currentDay
	for _, r := range doc.Records {
		t := time.Unix(int64(r.Timestamp), 0)
		if t.Format("2006-01-02") != today {
			continue
		}
		m.records = append(m.records, r)
		m.dailyCost += r.Cost
		if t.Hour() == m.currentHour {
			m.hourlyCost += r.Cost
		}
	}
}

// persistLocked rewrites usage.json, keeping only the last seven days of
// records, via the engine's atomic temp-file-rename pattern.
func (m *Manager) persistLocked() {
	cutoff := float64(time.Now().Add(-7 * 24 * time.Hour).Unix())
	recent := make([]UsageRecord, 0, len(m.records))
	for _, r := range m.records {
		if r.Timestamp > cutoff {
			recent = append(recent, r)
		}
	}
	doc := document{LastUpdated: time.Now().Format(time.RFC3339), Records: recent}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		m.log.Warn().Err(err).Msg("marshal usage records failed")
		return
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		m.log.Warn().Err(err).Msg("write usage.json temp failed")
		return
	}
	if err := os.Rename(tmp, m.path); err != nil {
		m.log.Warn().Err(err).Msg("rename usage.json failed")
	}
}

// refreshLocked resets the hourly/daily rollups when the wall clock has
// crossed into a new hour or day, mirroring _refresh_period.
func (m *Manager) refreshLocked() {
	now := time.Now()
	day := now.Format("2006-01-02")
	hour := now.Hour()

	if day != m.currentDay {
		m.dailyCost = 0
		m.hourlyCost = 0
		m.currentDay = day
		m.currentHour = hour
		kept := m.records[:0]
		for _, r := range m.records {
			if time.Unix(int64(r.Timestamp), 0).Format("2006-01-02") == day {
				kept = append(kept, r)
			}
		}
		m.records = kept
		return
	}
	if hour != m.currentHour {
		m.hourlyCost = 0
		m.currentHour = hour
	}
}

// EstimateCost estimates a dollar cost from token counts, using model's
// known price if recognized, else Config's default prices.
func (m *Manager) EstimateCost(tokensIn, tokensOut int, model string) float64 {
	priceIn, priceOut := m.cfg.PricePer1kInput, m.cfg.PricePer1kOutput
	if p, ok := knownModelPrices[model]; ok {
		priceIn, priceOut = p.in, p.out
	}
	return float64(tokensIn)/1000*priceIn + float64(tokensOut)/1000*priceOut
}

// CanAfford reports whether estimatedCost fits within both the remaining
// hourly and daily ceilings. useReserved lets an emergency caller dip
// into ReservedBudget's headroom on the daily side only.
func (m *Manager) CanAfford(estimatedCost float64, operation string, useReserved ...bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshLocked()

	reserved := len(useReserved) > 0 && useReserved[0]
	availableDaily := m.cfg.DailyBudget - m.dailyCost
	if reserved {
		availableDaily += m.cfg.ReservedBudget
	}
	availableHourly := m.cfg.HourlyBudget - m.hourlyCost

	if estimatedCost > availableDaily {
		return false
	}
	if estimatedCost > availableHourly {
		return false
	}
	return true
}

// GetRemaining returns the remaining budget (never negative) for period.
func (m *Manager) GetRemaining(period Period) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshLocked()

	if period == PeriodHourly {
		return maxFloat(0, m.cfg.HourlyBudget-m.hourlyCost)
	}
	return maxFloat(0, m.cfg.DailyBudget-m.dailyCost)
}

// GetUsagePct returns fraction (0-1) of period's budget consumed.
func (m *Manager) GetUsagePct(period Period) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshLocked()

	if period == PeriodHourly {
		if m.cfg.HourlyBudget <= 0 {
			return 0
		}
		return m.hourlyCost / m.cfg.HourlyBudget
	}
	if m.cfg.DailyBudget <= 0 {
		return 0
	}
	return m.dailyCost / m.cfg.DailyBudget
}

// RecordUsage appends a usage record, bumping both rollups, persisting,
// and firing the warning/exhausted callbacks as their thresholds cross.
// cost defaults to EstimateCost(tokensIn, tokensOut, model) when < 0.
func (m *Manager) RecordUsage(operation string, tokensIn, tokensOut int, cost float64, model string, success bool) UsageRecord {
	if cost < 0 {
		cost = m.EstimateCost(tokensIn, tokensOut, model)
	}
	rec := UsageRecord{
		Timestamp: float64(time.Now().Unix()),
		Operation: operation,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		Cost:      cost,
		Model:     model,
		Success:   success,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshLocked()

	m.records = append(m.records, rec)
	m.dailyCost += cost
	m.hourlyCost += cost

	var usagePct float64
	if m.cfg.DailyBudget > 0 {
		usagePct = m.dailyCost / m.cfg.DailyBudget
	}
	if usagePct >= m.cfg.WarningThreshold && m.onWarning != nil {
		m.onWarning(m.dailyCost, m.cfg.DailyBudget)
	}
	if m.dailyCost >= m.cfg.DailyBudget && m.onExhausted != nil {
		m.onExhausted()
	}

	m.persistLocked()
	return rec
}

// OperationStats is the per-operation rollup in Stats.
type OperationStats struct {
	Count         int     `json:"count"`
	TotalCost     float64 `json:"total_cost"`
	TotalTokensIn int     `json:"total_tokens_in"`
	TotalTokensOut int    `json:"total_tokens_out"`
}

// Stats is the snapshot returned by Manager.Stats.
type Stats struct {
	DailyCost       float64                    `json:"daily_cost"`
	HourlyCost      float64                    `json:"hourly_cost"`
	DailyBudget     float64                    `json:"daily_budget"`
	HourlyBudget    float64                    `json:"hourly_budget"`
	DailyRemaining  float64                    `json:"daily_remaining"`
	HourlyRemaining float64                    `json:"hourly_remaining"`
	DailyUsagePct   float64                    `json:"daily_usage_pct"`
	HourlyUsagePct  float64                    `json:"hourly_usage_pct"`
	RecordCount     int                        `json:"record_count"`
	ByOperation     map[string]OperationStats  `json:"by_operation"`
}

// Stats returns the full usage snapshot, grouped by operation.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshLocked()

	byOp := make(map[string]OperationStats)
	for _, r := range m.records {
		s := byOp[r.Operation]
		s.Count++
		s.TotalCost += r.Cost
		s.TotalTokensIn += r.TokensIn
		s.TotalTokensOut += r.TokensOut
		byOp[r.Operation] = s
	}

	var dailyPct, hourlyPct float64
	if m.cfg.DailyBudget > 0 {
		dailyPct = m.dailyCost / m.cfg.DailyBudget * 100
	}
	if m.cfg.HourlyBudget > 0 {
		hourlyPct = m.hourlyCost / m.cfg.HourlyBudget * 100
	}

	return Stats{
		DailyCost:       m.dailyCost,
		HourlyCost:      m.hourlyCost,
		DailyBudget:     m.cfg.DailyBudget,
		HourlyBudget:    m.cfg.HourlyBudget,
		DailyRemaining:  m.cfg.DailyBudget - m.dailyCost,
		HourlyRemaining: m.cfg.HourlyBudget - m.hourlyCost,
		DailyUsagePct:   dailyPct,
		HourlyUsagePct:  hourlyPct,
		RecordCount:     len(m.records),
		ByOperation:     byOp,
	}
}

// SetBudget dynamically adjusts the ceilings; a <0 value leaves the
// corresponding ceiling unchanged.
func (m *Manager) SetBudget(dailyBudget, hourlyBudget float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dailyBudget >= 0 {
		m.cfg.DailyBudget = dailyBudget
	}
	if hourlyBudget >= 0 {
		m.cfg.HourlyBudget = hourlyBudget
	}
}

// OnBudgetExhausted registers the daily-exhaustion callback.
func (m *Manager) OnBudgetExhausted(fn ExhaustedFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExhausted = fn
}

// OnBudgetWarning registers the warning-threshold callback.
func (m *Manager) OnBudgetWarning(fn WarningFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onWarning = fn
}

// SuggestDegradation recommends a mode given remaining daily budget:
// exhausted -> "lite", below 0.1 -> "cloud", else "local". The 0.1 floor
// is fixed and does not follow Config.ReservedBudget.
func (m *Manager) SuggestDegradation() string {
	remaining := m.GetRemaining(PeriodDaily)
	switch {
	case remaining <= 0:
		return "lite"
	case remaining < 0.1:
		return "cloud"
	default:
		return "local"
	}
}

// ResetDaily manually zeroes the daily/hourly rollups (used by
// maintenance jobs and tests).
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.dailyCost = 0
	m.hourlyCost = 0
	m.currentDay = now.Format("2006-01-02")
	m.currentHour = now.Hour()
}

// Flush persists the current usage log unconditionally.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistLocked()
	return nil
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
