package usecase

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hedgesys/hedge-gateway/internal/domain"
)

// Check categories, in the order the checker runs them.
const (
	CheckDataIntegrity  = "data_integrity"
	CheckTemporal       = "temporal"
	CheckBusinessRule   = "business_rule"
	CheckCrossReference = "cross_reference"
	CheckPerformance    = "performance"
)

type CheckerConfig struct {
	StopVariancePct  float64         // tolerated deviation between live and recalculated stops
	AutoFix          map[string]bool // per-category auto-remediation switches
	FixAttempts      int             // auto-fix attempts per category and position
	FixCooldown      time.Duration   // spacing between auto-fix attempts
	MaxAdjustPerMin  float64         // adjustment-rate ceiling before flagging
	MaxExecutingAge  time.Duration   // EXECUTING older than this is flagged
	Strict           bool            // escalate unfixed high issues too, not just critical
}

// Issue is one detected inconsistency.
type Issue struct {
	Category    string
	Severity    domain.Severity
	PositionID  string
	Description string
	AutoFixable bool
	Fixed       bool
}

// Report is the outcome of one full check cycle. RiskLevel is the highest
// severity among unresolved issues.
type Report struct {
	CheckedAt      time.Time
	PositionsSeen  int
	Issues         []Issue
	RiskLevel      domain.Severity
	FixesAttempted int
}

// trailInspector is the read-and-remediate slice of the engine the checker
// uses.
type trailInspector interface {
	MonitoredPositions() []string
	Inspect(positionID string) (*domain.TrailStatus, *domain.TrailSettings, *domain.Position, bool)
	ForceRecalculate(ctx context.Context, positionID string) error
	ClearState(ctx context.Context, positionID string) error
}

// ConsistencyChecker validates every monitored position against five
// invariant families and applies bounded auto-fixes where enabled.
type ConsistencyChecker struct {
	cfg       CheckerConfig
	log       *zap.Logger
	engine    trailInspector
	calc      *TrailCalculator
	positions domain.PositionRepository
	failures  FailureSink

	mu    sync.Mutex
	fixes map[string]*attemptRecord // category:position -> history
	last  *Report
}

func NewConsistencyChecker(
	cfg CheckerConfig,
	engine trailInspector,
	calc *TrailCalculator,
	positions domain.PositionRepository,
	failures FailureSink,
	log *zap.Logger,
) *ConsistencyChecker {
	if cfg.StopVariancePct <= 0 {
		cfg.StopVariancePct = 0.5
	}
	if cfg.FixAttempts <= 0 {
		cfg.FixAttempts = 2
	}
	if cfg.FixCooldown <= 0 {
		cfg.FixCooldown = time.Minute
	}
	if cfg.MaxAdjustPerMin <= 0 {
		cfg.MaxAdjustPerMin = 30
	}
	if cfg.MaxExecutingAge <= 0 {
		cfg.MaxExecutingAge = time.Minute
	}
	return &ConsistencyChecker{
		cfg:       cfg,
		log:       log,
		engine:    engine,
		calc:      calc,
		positions: positions,
		failures:  failures,
		fixes:     make(map[string]*attemptRecord),
	}
}

// Run performs one full check cycle over every monitored position.
func (c *ConsistencyChecker) Run(ctx context.Context) *Report {
	now := time.Now().UTC()
	report := &Report{CheckedAt: now}

	for _, positionID := range c.engine.MonitoredPositions() {
		status, settings, pos, ok := c.engine.Inspect(positionID)
		if !ok {
			continue
		}
		report.PositionsSeen++

		issues := make([]Issue, 0, 2)
		issues = append(issues, c.checkDataIntegrity(status, settings, pos)...)
		issues = append(issues, c.checkTemporal(now, status, pos)...)
		issues = append(issues, c.checkBusinessRule(status, pos)...)
		issues = append(issues, c.checkCrossReference(ctx, status, pos)...)
		issues = append(issues, c.checkPerformance(now, status)...)

		for i := range issues {
			issue := &issues[i]
			if issue.AutoFixable && c.cfg.AutoFix[issue.Category] && c.allowFix(issue) {
				report.FixesAttempted++
				if err := c.applyFix(ctx, issue); err != nil {
					c.log.Warn("auto-fix failed",
						zap.String("category", issue.Category),
						zap.String("position", issue.PositionID),
						zap.Error(err))
				} else {
					issue.Fixed = true
					c.log.Info("auto-fix applied",
						zap.String("category", issue.Category),
						zap.String("position", issue.PositionID))
				}
			}
			if !issue.Fixed && issue.Severity.Rank() > report.RiskLevel.Rank() {
				report.RiskLevel = issue.Severity
			}
		}
		report.Issues = append(report.Issues, issues...)
	}

	for i := range report.Issues {
		issue := report.Issues[i]
		if issue.Fixed || c.failures == nil {
			continue
		}
		escalate := issue.Severity == domain.SeverityCritical ||
			(c.cfg.Strict && issue.Severity == domain.SeverityHigh)
		if !escalate {
			continue
		}
		c.failures.ReportFailure(ctx, Failure{
			Err:        fmt.Errorf("%w: %s", domain.ErrDataInconsistency, issue.Description),
			Class:      domain.FailureConsistency,
			Severity:   issue.Severity,
			PositionID: issue.PositionID,
			Context:    "consistency check: " + issue.Category,
		})
	}

	c.mu.Lock()
	c.last = report
	c.mu.Unlock()

	if len(report.Issues) > 0 {
		c.log.Warn("consistency check found issues",
			zap.Int("issues", len(report.Issues)),
			zap.String("risk", string(report.RiskLevel)))
	}
	return report
}

// LastReport returns the most recent cycle's report for the ops surface.
func (c *ConsistencyChecker) LastReport() (*Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return nil, false
	}
	r := *c.last
	return &r, true
}

// checkDataIntegrity validates stored values against recomputation. The
// stop-deviation comparison lives here: the live stop is the datum being
// verified against its canonical recalculation.
func (c *ConsistencyChecker) checkDataIntegrity(status *domain.TrailStatus, settings *domain.TrailSettings, pos *domain.Position) []Issue {
	var issues []Issue

	if status.PositionID != pos.PositionID || settings.PositionID != pos.PositionID {
		issues = append(issues, Issue{
			Category:   CheckDataIntegrity,
			Severity:   domain.SeverityCritical,
			PositionID: pos.PositionID,
			Description: fmt.Sprintf("tracking ids disagree: status %s, settings %s, position %s",
				status.PositionID, settings.PositionID, pos.PositionID),
		})
	}
	if status.SettingsID != settings.ID {
		issues = append(issues, Issue{
			Category:   CheckDataIntegrity,
			Severity:   domain.SeverityHigh,
			PositionID: pos.PositionID,
			Description: fmt.Sprintf("status references settings %s but %s is attached",
				status.SettingsID, settings.ID),
		})
	}

	if pos.Volume <= 0 || pos.EntryPrice <= 0 {
		issues = append(issues, Issue{
			Category:    CheckDataIntegrity,
			Severity:    domain.SeverityCritical,
			PositionID:  pos.PositionID,
			Description: fmt.Sprintf("position %s has non-positive volume or entry price", pos.PositionID),
		})
	}

	if status.State == domain.TrailActive && status.CurrentStopLoss > 0 && status.CurrentPrice > 0 {
		expected, err := c.calc.CandidateStop(settings, pos.Side, pos.Symbol, status.CurrentPrice)
		if err == nil && Tightens(pos.Side, status.CurrentStopLoss, expected) {
			deviation := math.Abs(expected-status.CurrentStopLoss) / status.CurrentPrice * 100
			if deviation > c.cfg.StopVariancePct {
				issues = append(issues, Issue{
					Category:   CheckDataIntegrity,
					Severity:   domain.SeverityMedium,
					PositionID: pos.PositionID,
					Description: fmt.Sprintf("stop %.5f deviates %.2f%% from recalculated %.5f",
						status.CurrentStopLoss, deviation, expected),
					AutoFixable: true,
				})
			}
		}
	}
	return issues
}

// checkTemporal flags timestamps from the future and broken chronology.
func (c *ConsistencyChecker) checkTemporal(now time.Time, status *domain.TrailStatus, pos *domain.Position) []Issue {
	var issues []Issue
	skew := 5 * time.Second

	if status.UpdatedAt.After(now.Add(skew)) || pos.OpenedAt.After(now.Add(skew)) {
		issues = append(issues, Issue{
			Category:    CheckTemporal,
			Severity:    domain.SeverityHigh,
			PositionID:  pos.PositionID,
			Description: fmt.Sprintf("position %s carries a timestamp from the future", pos.PositionID),
		})
	}
	if !status.LastAdjustment.IsZero() && status.LastAdjustment.Before(pos.OpenedAt) {
		issues = append(issues, Issue{
			Category:    CheckTemporal,
			Severity:    domain.SeverityMedium,
			PositionID:  pos.PositionID,
			Description: fmt.Sprintf("position %s adjusted before it was opened", pos.PositionID),
		})
	}
	return issues
}

// checkBusinessRule enforces trading invariants: the stop must sit on the
// protective side of the price for the position's direction.
func (c *ConsistencyChecker) checkBusinessRule(status *domain.TrailStatus, pos *domain.Position) []Issue {
	var issues []Issue

	if status.CurrentStopLoss > 0 && status.CurrentPrice > 0 {
		wrongSide := (pos.Side == domain.SideLong && status.CurrentStopLoss >= status.CurrentPrice) ||
			(pos.Side == domain.SideShort && status.CurrentStopLoss <= status.CurrentPrice)
		if wrongSide {
			issues = append(issues, Issue{
				Category:   CheckBusinessRule,
				Severity:   domain.SeverityCritical,
				PositionID: pos.PositionID,
				Description: fmt.Sprintf("%s stop %.5f is on the wrong side of price %.5f",
					pos.Side, status.CurrentStopLoss, status.CurrentPrice),
			})
		}
	}

	if profit := pos.RunningProfit(); profit > 0 && status.HighWatermark > 0 && status.LowWatermark > 0 {
		crossed := status.HighWatermark > pos.EntryPrice
		if pos.Side == domain.SideShort {
			crossed = status.LowWatermark < pos.EntryPrice
		}
		if !crossed {
			issues = append(issues, Issue{
				Category:   CheckBusinessRule,
				Severity:   domain.SeverityHigh,
				PositionID: pos.PositionID,
				Description: fmt.Sprintf("position %s reports profit %.5f but price never crossed its entry %.5f",
					pos.PositionID, profit, pos.EntryPrice),
			})
		}
	}

	if status.HighWatermark > 0 && status.LowWatermark > status.HighWatermark {
		issues = append(issues, Issue{
			Category:    CheckBusinessRule,
			Severity:    domain.SeverityHigh,
			PositionID:  pos.PositionID,
			Description: fmt.Sprintf("position %s watermarks inverted", pos.PositionID),
		})
	}
	return issues
}

// checkCrossReference verifies the monitor against the position store: the
// two sources must agree on the symbol and on the open/closed state. A
// monitor trailing a position the store says is closed is stale state.
func (c *ConsistencyChecker) checkCrossReference(ctx context.Context, status *domain.TrailStatus, pos *domain.Position) []Issue {
	stored, err := c.positions.GetPosition(ctx, pos.PositionID)
	if err != nil {
		return []Issue{{
			Category:    CheckCrossReference,
			Severity:    domain.SeverityMedium,
			PositionID:  pos.PositionID,
			Description: fmt.Sprintf("position %s not resolvable in the position store: %v", pos.PositionID, err),
		}}
	}

	var issues []Issue
	if stored.Symbol != "" && stored.Symbol != pos.Symbol {
		issues = append(issues, Issue{
			Category:   CheckCrossReference,
			Severity:   domain.SeverityHigh,
			PositionID: pos.PositionID,
			Description: fmt.Sprintf("position %s symbol disagrees: monitor %s, store %s",
				pos.PositionID, pos.Symbol, stored.Symbol),
		})
	}
	if stored.Closed && !status.State.Terminal() {
		issues = append(issues, Issue{
			Category:    CheckCrossReference,
			Severity:    domain.SeverityHigh,
			PositionID:  pos.PositionID,
			Description: fmt.Sprintf("position %s is closed but still trailed", pos.PositionID),
			AutoFixable: true,
		})
	}
	return issues
}

// checkPerformance flags monitors behaving abnormally: runaway adjustment
// rates and executions that never resolve.
func (c *ConsistencyChecker) checkPerformance(now time.Time, status *domain.TrailStatus) []Issue {
	var issues []Issue

	if status.AdjustmentCount > 0 && !status.LastAdjustment.IsZero() {
		// Rate over the monitor's lifetime, from first check to last adjustment.
		lifetime := status.LastAdjustment.Sub(status.UpdatedAt.Add(-time.Minute))
		if lifetime > time.Minute {
			rate := float64(status.AdjustmentCount) / lifetime.Minutes()
			if rate > c.cfg.MaxAdjustPerMin {
				issues = append(issues, Issue{
					Category:   CheckPerformance,
					Severity:   domain.SeverityMedium,
					PositionID: status.PositionID,
					Description: fmt.Sprintf("position %s adjusting %.1f times/min, ceiling %.1f",
						status.PositionID, rate, c.cfg.MaxAdjustPerMin),
				})
			}
		}
	}

	if status.State == domain.TrailExecuting && now.Sub(status.UpdatedAt) > c.cfg.MaxExecutingAge {
		issues = append(issues, Issue{
			Category:    CheckPerformance,
			Severity:    domain.SeverityHigh,
			PositionID:  status.PositionID,
			Description: fmt.Sprintf("position %s stuck executing for %s", status.PositionID, now.Sub(status.UpdatedAt).Round(time.Second)),
		})
	}
	return issues
}

// allowFix enforces the per-category-per-position fix budget.
func (c *ConsistencyChecker) allowFix(issue *Issue) bool {
	key := issue.Category + ":" + issue.PositionID
	now := time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.fixes[key]
	if !ok {
		c.fixes[key] = &attemptRecord{count: 1, last: now}
		return true
	}
	if now.Sub(rec.last) < c.cfg.FixCooldown {
		return false
	}
	if rec.count >= c.cfg.FixAttempts {
		return false
	}
	rec.count++
	rec.last = now
	return true
}

func (c *ConsistencyChecker) applyFix(ctx context.Context, issue *Issue) error {
	switch issue.Category {
	case CheckDataIntegrity:
		return c.engine.ForceRecalculate(ctx, issue.PositionID)
	case CheckCrossReference:
		return c.engine.ClearState(ctx, issue.PositionID)
	}
	return fmt.Errorf("no fix for category %s", issue.Category)
}
