/*
engine.go - Allocation pipeline and record lifecycle

PURPOSE:
  Runs resolve → weigh → split for a request, and manages the versioned
  records the results are persisted as.

OPERATIONS:
  Preview:       Pipeline only. Nothing is written.
  Execute:       Pipeline, then supersede-then-insert of version N+1
  Recalculate:   Re-run a record's configuration (optionally with a later
                 period end) as a new version
  UpdateActuals: Record realised amounts and variances on a record
  Archive:       Terminal status change

SUPERSEDE-THEN-INSERT:
  Inside one store transaction:
    1. read the source's active record and latest version
    2. flip the active record to superseded, conditional on it still being
       active
    3. insert the new record as version latest+1 with the old record as parent

  Two writers racing for the same source both read version N. The loser
  fails step 2 or 3 with generic.ErrConcurrentModification, rolls back, and
  the engine retries from step 1. After MaxConflictRetries retries the caller
  gets a *generic.ConflictError.

EMPTY SCOPE:
  A selector that resolves to no leaves produces Result{Success: false}. It
  is not an error and nothing is persisted.
*/
package allocation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/allocation-engine/generic"
	"github.com/warp/allocation-engine/hierarchy"
)

// NoEntitiesMessage is the failure reason of an empty scope.
const NoEntitiesMessage = "No entities found matching the selector"

// DefaultMaxConflictRetries applies when no option overrides it.
const DefaultMaxConflictRetries = 3

// =============================================================================
// RESULT
// =============================================================================

// Result is the outcome of Preview, Execute and Recalculate. Lines are sorted
// by amount, largest first. Record is set once the result is persisted.
type Result struct {
	Success  bool
	Error    string
	Lines    []Line
	Metadata Metadata
	Record   *Record
}

type Metadata struct {
	EntityCount                int
	TotalAmount                decimal.Decimal
	TotalAllocated             decimal.Decimal
	Currency                   generic.Currency
	Precision                  int32
	Metric                     Metric
	Period                     generic.Period
	Selector                   hierarchy.Selector
	HasHistoricalData          bool
	FallbackUsed               generic.Fallback
	ResolvedViaNonLeafFallback bool
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	resolver *hierarchy.Resolver
	weights  *WeightCalculator
	store    TxStore
	log      zerolog.Logger

	now                func() time.Time
	newID              func() string
	defaultPrecision   int32
	maxConflictRetries int
}

type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithIDGenerator replaces the uuid record id generator.
func WithIDGenerator(fn func() string) Option { return func(e *Engine) { e.newID = fn } }

// WithDefaultPrecision sets the precision used for currencies without
// known minor units.
func WithDefaultPrecision(p int32) Option { return func(e *Engine) { e.defaultPrecision = p } }

// WithMaxConflictRetries bounds the retries after a lost persistence race.
func WithMaxConflictRetries(n int) Option { return func(e *Engine) { e.maxConflictRetries = n } }

func NewEngine(leaves hierarchy.LeafStore, history HistoryStore, store TxStore, log zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		resolver:           hierarchy.NewResolver(leaves, log),
		weights:            NewWeightCalculator(history, log),
		store:              store,
		log:                log.With().Str("component", "allocation").Logger(),
		now:                time.Now,
		newID:              uuid.NewString,
		defaultPrecision:   generic.DefaultPrecision,
		maxConflictRetries: DefaultMaxConflictRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Resolver exposes the scope resolver for hierarchy browsing.
func (e *Engine) Resolver() *hierarchy.Resolver { return e.resolver }

// =============================================================================
// PIPELINE
// =============================================================================

// computation is a pipeline run that may become a record.
type computation struct {
	req        Request
	precision  int32
	resolution hierarchy.Resolution
	weights    WeightResult
	result     *Result
}

func (e *Engine) compute(ctx context.Context, req Request, persist bool) (*computation, error) {
	req = req.normalized()
	if err := req.validate(persist); err != nil {
		return nil, err
	}
	precision := req.resolvedPrecision(e.defaultPrecision)
	entityType := req.Dimension.EntityType()

	c := &computation{req: req, precision: precision}
	meta := Metadata{
		TotalAmount: req.TotalAmount.Round(precision),
		Currency:    req.Currency,
		Precision:   precision,
		Metric:      req.Metric,
		Period:      req.Period,
		Selector:    req.Selector,
	}

	resolution, err := e.resolver.Resolve(ctx, req.TenantID, entityType, req.Selector)
	if err != nil {
		return nil, err
	}
	c.resolution = resolution
	if resolution.Empty() {
		meta.TotalAllocated = decimal.Zero
		meta.FallbackUsed = generic.FallbackNone
		c.result = &Result{Success: false, Error: NoEntitiesMessage, Lines: []Line{}, Metadata: meta}
		return c, nil
	}

	wr, err := e.weights.Weights(ctx, req.TenantID, resolution.IDs(), entityType, req.Metric, req.Period)
	if err != nil {
		return nil, err
	}
	c.weights = wr

	shares, err := generic.Split(req.TotalAmount, wr.Weights, precision)
	if err != nil {
		return nil, fmt.Errorf("split %s: %w", req.TotalAmount, err)
	}

	lines := make([]Line, len(resolution.Leaves))
	for i, leaf := range resolution.Leaves {
		lines[i] = Line{
			EntityID:         leaf.ID,
			EntityName:       leaf.Name,
			EntityCode:       leaf.Code,
			Weight:           shares[i].Weight,
			WeightPercentage: percentage(shares[i].Weight),
			Amount:           shares[i].Amount,
			Path:             leaf.Path,
		}
	}
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].Amount.GreaterThan(lines[j].Amount) })

	meta.EntityCount = len(lines)
	meta.TotalAllocated = shares.Sum()
	meta.HasHistoricalData = wr.HasHistoricalData
	meta.FallbackUsed = wr.Fallback
	meta.ResolvedViaNonLeafFallback = resolution.ViaNonLeafFallback
	c.result = &Result{Success: true, Lines: lines, Metadata: meta}

	e.log.Debug().
		Str("tenant", string(req.TenantID)).
		Str("selector", req.Selector.String()).
		Int("entities", meta.EntityCount).
		Str("total", meta.TotalAllocated.String()).
		Str("fallback", string(wr.Fallback)).
		Msg("allocation computed")
	return c, nil
}

// percentage rounds weight × 100 to two decimals.
func percentage(weight float64) float64 {
	return decimal.NewFromFloat(weight).Mul(hundred).Round(2).InexactFloat64()
}

// =============================================================================
// PREVIEW & EXECUTE
// =============================================================================

// Preview runs the pipeline without persisting. Source identity is optional.
func (e *Engine) Preview(ctx context.Context, req Request) (*Result, error) {
	c, err := e.compute(ctx, req, false)
	if err != nil {
		return nil, err
	}
	return c.result, nil
}

// Execute runs the pipeline and persists the result as the source's new
// active version.
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	c, err := e.compute(ctx, req, true)
	if err != nil {
		return nil, err
	}
	if !c.result.Success {
		return c.result, nil
	}

	rec, err := e.persist(ctx, c, AuditCreated, c.req.Notes)
	if err != nil {
		return nil, err
	}
	c.result.Record = rec
	return c.result, nil
}

// =============================================================================
// RECALCULATE
// =============================================================================

type RecalculateOptions struct {
	// PeriodEnd extends (or moves) the end of the history window.
	PeriodEnd *generic.TimePoint
	Notes     string
}

// Recalculate re-runs a record's selector, metric, period start, total and
// currency as a new version of its source. Archived records are terminal.
func (e *Engine) Recalculate(ctx context.Context, tenant generic.TenantID, actor generic.ActorID, id string, opts RecalculateOptions) (*Result, error) {
	base, err := e.store.Get(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if base.Status == StatusArchived {
		return nil, &generic.TransitionError{ID: id, From: string(StatusArchived), To: string(StatusActive)}
	}

	req := base.Request(actor)
	if opts.PeriodEnd != nil {
		req.Period = req.Period.WithEnd(*opts.PeriodEnd)
	}

	c, err := e.compute(ctx, req, true)
	if err != nil {
		return nil, err
	}
	if !c.result.Success {
		return c.result, nil
	}

	notes := opts.Notes
	if notes == "" {
		notes = fmt.Sprintf("recalculated from version %d", base.Version)
	}
	rec, err := e.persist(ctx, c, AuditRecalculated, notes)
	if err != nil {
		return nil, err
	}
	c.result.Record = rec
	return c.result, nil
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// persist inserts the computation as the next version of its source. The
// new record's parent is the active record, or the latest version when the
// source has no active record, so History always walks back to version 1.
func (e *Engine) persist(ctx context.Context, c *computation, action AuditAction, notes string) (*Record, error) {
	key := SourceKey{TenantID: c.req.TenantID, SourceType: c.req.SourceType, SourceID: c.req.SourceID}
	attempts := e.maxConflictRetries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		rec, err := e.persistOnce(ctx, c, key, action, notes)
		if err == nil {
			e.log.Info().
				Str("source", key.String()).
				Str("id", rec.ID).
				Int("version", rec.Version).
				Str("parent", rec.ParentID).
				Msg("allocation persisted")
			return rec, nil
		}
		if !errors.Is(err, generic.ErrConcurrentModification) {
			return nil, err
		}
		e.log.Warn().Str("source", key.String()).Int("attempt", attempt).Msg("allocation conflict, retrying")
	}
	return nil, &generic.ConflictError{Source: key.String(), Attempts: attempts}
}

func (e *Engine) persistOnce(ctx context.Context, c *computation, key SourceKey, action AuditAction, notes string) (*Record, error) {
	var rec *Record
	err := e.store.WithTx(ctx, func(s Store) error {
		prev, err := s.GetActive(ctx, key)
		if err != nil {
			return err
		}
		latest, err := s.LatestVersion(ctx, key)
		if err != nil {
			return err
		}

		now := e.now().UTC()
		rec = e.newRecord(c, latest+1, now, action, notes)
		if prev == nil && latest > 0 {
			parent, err := versionOf(ctx, s, key, latest)
			if err != nil {
				return err
			}
			rec.ParentID = parent.ID
		}
		if prev != nil {
			rec.ParentID = prev.ID
			entry := AuditEntry{
				Action:    AuditSuperseded,
				Actor:     c.req.Actor,
				Timestamp: now,
				Notes:     fmt.Sprintf("superseded by version %d", rec.Version),
			}
			if err := s.Transition(ctx, key.TenantID, prev.ID, StatusActive, StatusSuperseded, entry); err != nil {
				return err
			}
		}
		return s.Insert(ctx, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// versionOf returns the record holding the given version of a source.
func versionOf(ctx context.Context, s Store, key SourceKey, version int) (*Record, error) {
	recs, err := s.List(ctx, key.TenantID, Filter{SourceType: key.SourceType, SourceID: key.SourceID})
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		if r.Version == version {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%s version %d: %w", key, version, generic.ErrAllocationNotFound)
}

// newRecord builds an active record from a successful computation.
// Statistics are derived here, once, from the final line amounts.
func (e *Engine) newRecord(c *computation, version int, now time.Time, action AuditAction, notes string) *Record {
	r := c.result
	amounts := make([]decimal.Decimal, len(r.Lines))
	for i, l := range r.Lines {
		amounts[i] = l.Amount
	}

	return &Record{
		ID:                         e.newID(),
		TenantID:                   c.req.TenantID,
		SourceType:                 c.req.SourceType,
		SourceID:                   c.req.SourceID,
		SourceName:                 c.req.SourceName,
		Dimension:                  c.req.Dimension,
		Selector:                   c.req.Selector,
		Metric:                     c.req.Metric,
		Period:                     c.req.Period,
		Currency:                   c.req.Currency,
		Precision:                  c.precision,
		TotalAmount:                r.Metadata.TotalAmount,
		TotalAllocated:             r.Metadata.TotalAllocated,
		Lines:                      append([]Line(nil), r.Lines...),
		Statistics:                 generic.ComputeStatistics(amounts),
		Status:                     StatusActive,
		Version:                    version,
		Fallback:                   r.Metadata.FallbackUsed,
		HasHistoricalData:          r.Metadata.HasHistoricalData,
		ResolvedViaNonLeafFallback: r.Metadata.ResolvedViaNonLeafFallback,
		AutoRecalculate:            c.req.AutoRecalculate,
		Audit:                      []AuditEntry{{Action: action, Actor: c.req.Actor, Timestamp: now, Notes: notes}},
		CreatedBy:                  c.req.Actor,
		CreatedAt:                  now,
		UpdatedAt:                  now,
	}
}

// =============================================================================
// ACTUALS
// =============================================================================

// Actual is a realised amount for one allocated entity.
type Actual struct {
	EntityID generic.LeafID
	Amount   decimal.Decimal
}

// UpdateActuals records actual amounts and variances on a record's lines.
// Status and version are unchanged. Every entity must be on the record.
func (e *Engine) UpdateActuals(ctx context.Context, tenant generic.TenantID, actor generic.ActorID, id string, actuals []Actual) (*Record, error) {
	if len(actuals) == 0 {
		return nil, generic.NewValidationError("actuals", "at least one actual is required")
	}

	var updated *Record
	err := e.store.WithTx(ctx, func(s Store) error {
		rec, err := s.Get(ctx, tenant, id)
		if err != nil {
			return err
		}
		if rec.Status == StatusArchived {
			return generic.NewValidationError("status", fmt.Sprintf("allocation %s is archived and no longer accepts actuals", id))
		}

		index := make(map[generic.LeafID]int, len(rec.Lines))
		for i, l := range rec.Lines {
			index[l.EntityID] = i
		}
		var unknown []string
		for _, a := range actuals {
			i, ok := index[a.EntityID]
			if !ok {
				unknown = append(unknown, string(a.EntityID))
				continue
			}
			rec.Lines[i].SetActual(a.Amount)
		}
		if len(unknown) > 0 {
			return generic.NewValidationError("actuals", "entities not on this allocation: "+strings.Join(unknown, ", "))
		}

		entry := AuditEntry{
			Action:    AuditActualsUpdated,
			Actor:     actorOrSystem(actor),
			Timestamp: e.now().UTC(),
			Notes:     fmt.Sprintf("%d actual(s) recorded", len(actuals)),
		}
		if err := s.SaveActuals(ctx, tenant, id, rec.Lines, entry); err != nil {
			return err
		}
		updated, err = s.Get(ctx, tenant, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// =============================================================================
// ARCHIVE
// =============================================================================

// Archive moves a record to its terminal status.
func (e *Engine) Archive(ctx context.Context, tenant generic.TenantID, actor generic.ActorID, id, notes string) (*Record, error) {
	var archived *Record
	err := e.store.WithTx(ctx, func(s Store) error {
		rec, err := s.Get(ctx, tenant, id)
		if err != nil {
			return err
		}
		if !rec.Status.CanTransition(StatusArchived) {
			return &generic.TransitionError{ID: id, From: string(rec.Status), To: string(StatusArchived)}
		}
		entry := AuditEntry{Action: AuditArchived, Actor: actorOrSystem(actor), Timestamp: e.now().UTC(), Notes: notes}
		if err := s.Transition(ctx, tenant, id, rec.Status, StatusArchived, entry); err != nil {
			return err
		}
		archived, err = s.Get(ctx, tenant, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.log.Info().Str("tenant", string(tenant)).Str("id", id).Msg("allocation archived")
	return archived, nil
}

func actorOrSystem(actor generic.ActorID) generic.ActorID {
	if actor == "" {
		return generic.ActorSystem
	}
	return actor
}

// =============================================================================
// QUERIES
// =============================================================================

func (e *Engine) Get(ctx context.Context, tenant generic.TenantID, id string) (*Record, error) {
	return e.store.Get(ctx, tenant, id)
}

func (e *Engine) List(ctx context.Context, tenant generic.TenantID, filter Filter) ([]*Record, error) {
	return e.store.List(ctx, tenant, filter)
}

// History follows parent links from id back to the first version.
// The record itself comes first.
func (e *Engine) History(ctx context.Context, tenant generic.TenantID, id string) ([]*Record, error) {
	var chain []*Record
	seen := map[string]bool{}
	for next := id; next != "" && !seen[next]; {
		rec, err := e.store.Get(ctx, tenant, next)
		if err != nil {
			if len(chain) > 0 && generic.IsNotFound(err) {
				return nil, fmt.Errorf("allocation %s: broken parent link to %s: %w", id, next, err)
			}
			return nil, err
		}
		seen[next] = true
		chain = append(chain, rec)
		next = rec.ParentID
	}
	return chain, nil
}
