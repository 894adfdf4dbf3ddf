/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface the allocation engine needs using
  SQLite. It is the default store of the server binary.

INTERFACES IMPLEMENTED:
  hierarchy.LeafStore:     Product and customer hierarchy entities
  allocation.HistoryStore: Sales history aggregation
  allocation.TxStore:      Versioned allocation records

KEY TABLES:
  hierarchy_entities: Entities with their five hierarchy levels
  sales_history:      Historical sales rows (product, customer, date)
  allocations:        One row per record version
  allocation_lines:   Per-entity shares, actuals and variances
  allocation_audit:   Append-only audit trail

INDEXES:
  - uq_allocations_active: At most one active record per source (partial)
  - uq_allocations_version: One row per (source, version)
  - idx_sales_tenant_date: Weight calculation (hot path)
  Both unique indexes surface as generic.ErrConcurrentModification.

MONEY:
  Amounts are stored as decimal TEXT and summed in Go with shopspring/decimal,
  never with SQLite's floating SUM.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. The unique indexes still guard the
  active slot against other processes sharing the database file.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/allocations.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool with versioned migrations.

SEE ALSO:
  - allocation/store.go: Interface definitions
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/factory"
	"github.com/warp/allocation-engine/generic"
	"github.com/warp/allocation-engine/hierarchy"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ hierarchy.LeafStore     = (*Store)(nil)
	_ allocation.HistoryStore = (*Store)(nil)
	_ allocation.TxStore      = (*Store)(nil)
	_ allocation.TenantLister = (*Store)(nil)
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Hierarchy entities (products and customers)
	CREATE TABLE IF NOT EXISTS hierarchy_entities (
		tenant_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		code TEXT,
		path_json TEXT NOT NULL,
		level1_id TEXT, level1_code TEXT,
		level2_id TEXT, level2_code TEXT,
		level3_id TEXT, level3_code TEXT,
		level4_id TEXT, level4_code TEXT,
		level5_id TEXT, level5_code TEXT,
		is_leaf INTEGER NOT NULL DEFAULT 1,
		active INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (tenant_id, entity_type, id)
	);

	CREATE INDEX IF NOT EXISTS idx_entities_active
		ON hierarchy_entities(tenant_id, entity_type, active);

	-- Sales history (weight basis)
	CREATE TABLE IF NOT EXISTS sales_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		sale_date TEXT NOT NULL,
		quantity TEXT NOT NULL,
		gross_revenue TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sales_tenant_date
		ON sales_history(tenant_id, sale_date);

	-- Allocation records (one row per version)
	CREATE TABLE IF NOT EXISTS allocations (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		source_type TEXT NOT NULL,
		source_id TEXT NOT NULL,
		source_name TEXT,
		dimension TEXT NOT NULL,
		selector_json TEXT NOT NULL,
		metric TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		currency TEXT NOT NULL,
		precision INTEGER NOT NULL,
		total_amount TEXT NOT NULL,
		total_allocated TEXT NOT NULL,
		statistics_json TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		parent_id TEXT,
		fallback TEXT NOT NULL,
		has_historical_data INTEGER NOT NULL,
		non_leaf_fallback INTEGER NOT NULL,
		auto_recalculate INTEGER NOT NULL DEFAULT 0,
		created_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: at most one active record per source
	CREATE UNIQUE INDEX IF NOT EXISTS uq_allocations_active
		ON allocations(tenant_id, source_type, source_id)
		WHERE status = 'active';

	CREATE UNIQUE INDEX IF NOT EXISTS uq_allocations_version
		ON allocations(tenant_id, source_type, source_id, version);

	CREATE INDEX IF NOT EXISTS idx_allocations_tenant_created
		ON allocations(tenant_id, created_at DESC);

	-- Allocation lines
	CREATE TABLE IF NOT EXISTS allocation_lines (
		allocation_id TEXT NOT NULL REFERENCES allocations(id),
		position INTEGER NOT NULL,
		entity_id TEXT NOT NULL,
		entity_name TEXT,
		entity_code TEXT,
		weight REAL NOT NULL,
		weight_percentage REAL NOT NULL,
		amount TEXT NOT NULL,
		path_json TEXT NOT NULL,
		actual_amount TEXT,
		variance TEXT,
		variance_percentage REAL,
		PRIMARY KEY (allocation_id, entity_id)
	);

	-- Audit trail (append-only)
	CREATE TABLE IF NOT EXISTS allocation_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		allocation_id TEXT NOT NULL REFERENCES allocations(id),
		action TEXT NOT NULL,
		actor TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		notes TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_allocation
		ON allocation_audit(allocation_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// HIERARCHY ENTITIES (hierarchy.LeafStore interface)
// =============================================================================

const entityColumns = `tenant_id, entity_type, id, name, code, path_json, is_leaf, active`

// SaveLeaf inserts or replaces a hierarchy entity.
func (s *Store) SaveLeaf(ctx context.Context, l hierarchy.Leaf) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pathJSON, err := json.Marshal(l.Path)
	if err != nil {
		return fmt.Errorf("failed to encode path: %w", err)
	}

	args := []any{l.TenantID, l.Type, l.ID, l.Name, l.Code, string(pathJSON)}
	for level := 1; level <= hierarchy.MaxLevels; level++ {
		n := l.Path.At(level)
		args = append(args, nullString(n.ID), nullString(n.Code))
	}
	args = append(args, l.IsLeaf, l.Active)

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO hierarchy_entities
		(tenant_id, entity_type, id, name, code, path_json,
		 level1_id, level1_code, level2_id, level2_code, level3_id, level3_code,
		 level4_id, level4_code, level5_id, level5_code, is_leaf, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to save entity %s: %w", l.ID, err)
	}
	return nil
}

func (s *Store) FindByIDs(ctx context.Context, tenant generic.TenantID, entityType hierarchy.EntityType, ids []generic.LeafID) ([]hierarchy.Leaf, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	args := []any{tenant, entityType}
	for _, id := range ids {
		args = append(args, id)
	}
	query := `SELECT ` + entityColumns + ` FROM hierarchy_entities
		WHERE tenant_id = ? AND entity_type = ? AND id IN (` + placeholders(len(ids)) + `)`
	return s.queryLeaves(ctx, query, args...)
}

func (s *Store) FindByHierarchy(ctx context.Context, tenant generic.TenantID, entityType hierarchy.EntityType, level int, value string, leavesOnly bool) ([]hierarchy.Leaf, error) {
	if level < 1 || level > hierarchy.MaxLevels {
		return nil, generic.NewValidationError("selector.level", fmt.Sprintf("level must be between 1 and %d", hierarchy.MaxLevels))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf(`SELECT %s FROM hierarchy_entities
		WHERE tenant_id = ? AND entity_type = ? AND active = 1
		  AND (level%[2]d_id = ? OR level%[2]d_code = ?)`, entityColumns, level)
	if leavesOnly {
		query += ` AND is_leaf = 1`
	}
	query += ` ORDER BY id`
	return s.queryLeaves(ctx, query, tenant, entityType, value, value)
}

func (s *Store) FindActive(ctx context.Context, tenant generic.TenantID, entityType hierarchy.EntityType) ([]hierarchy.Leaf, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryLeaves(ctx, `SELECT `+entityColumns+` FROM hierarchy_entities
		WHERE tenant_id = ? AND entity_type = ? AND active = 1 ORDER BY id`, tenant, entityType)
}

func (s *Store) queryLeaves(ctx context.Context, query string, args ...any) ([]hierarchy.Leaf, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var leaves []hierarchy.Leaf
	for rows.Next() {
		var (
			l        hierarchy.Leaf
			code     sql.NullString
			pathJSON string
		)
		if err := rows.Scan(&l.TenantID, &l.Type, &l.ID, &l.Name, &code, &pathJSON, &l.IsLeaf, &l.Active); err != nil {
			return nil, err
		}
		l.Code = code.String
		if err := json.Unmarshal([]byte(pathJSON), &l.Path); err != nil {
			return nil, fmt.Errorf("entity %s: invalid path: %w", l.ID, err)
		}
		leaves = append(leaves, l)
	}
	return leaves, rows.Err()
}

// =============================================================================
// SALES HISTORY (allocation.HistoryStore interface)
// =============================================================================

// RecordSale appends a historical sales row.
func (s *Store) RecordSale(ctx context.Context, sale allocation.Sale) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sales_history (tenant_id, product_id, customer_id, sale_date, quantity, gross_revenue)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sale.TenantID, sale.ProductID, sale.CustomerID, sale.Date.String(), sale.Quantity.String(), sale.GrossRevenue.String())
	if err != nil {
		return fmt.Errorf("failed to record sale: %w", err)
	}
	return nil
}

func (s *Store) SumMetric(ctx context.Context, tenant generic.TenantID, entityType hierarchy.EntityType, metric allocation.Metric, ids []generic.LeafID, period generic.Period) (map[generic.LeafID]decimal.Decimal, error) {
	valueColumn := map[allocation.Metric]string{
		allocation.MetricVolume:  "quantity",
		allocation.MetricRevenue: "gross_revenue",
	}[metric]
	if valueColumn == "" {
		return nil, generic.ErrUnsupportedMetric
	}
	entityColumn := "product_id"
	if entityType == hierarchy.EntityCustomer {
		entityColumn = "customer_id"
	}
	sums := make(map[generic.LeafID]decimal.Decimal, len(ids))
	if len(ids) == 0 {
		return sums, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	args := []any{tenant, period.Start.String(), period.End.String()}
	for _, id := range ids {
		args = append(args, id)
	}
	query := fmt.Sprintf(`SELECT %s, %s FROM sales_history
		WHERE tenant_id = ? AND sale_date BETWEEN ? AND ? AND %s IN (%s)`,
		entityColumn, valueColumn, entityColumn, placeholders(len(ids)))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to sum %s: %w", metric, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  generic.LeafID
			raw string
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("sales row for %s: invalid %s %q: %w", id, valueColumn, raw, err)
		}
		sums[id] = sums[id].Add(v)
	}
	return sums, rows.Err()
}

// =============================================================================
// ALLOCATION RECORDS (allocation.Store interface)
// =============================================================================

const allocationColumns = `id, tenant_id, source_type, source_id, source_name, dimension, selector_json,
	metric, period_start, period_end, currency, precision, total_amount, total_allocated,
	statistics_json, status, version, parent_id, fallback, has_historical_data,
	non_leaf_fallback, auto_recalculate, created_by, created_at, updated_at`

func (s *Store) Get(ctx context.Context, tenant generic.TenantID, id string) (*allocation.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRecord(ctx, s.db, tenant, id)
}

func (s *Store) GetActive(ctx context.Context, key allocation.SourceKey) (*allocation.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getActive(ctx, s.db, key)
}

func (s *Store) LatestVersion(ctx context.Context, key allocation.SourceKey) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return latestVersion(ctx, s.db, key)
}

func (s *Store) List(ctx context.Context, tenant generic.TenantID, filter allocation.Filter) ([]*allocation.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRecords(ctx, s.db, tenant, filter)
}

func (s *Store) Insert(ctx context.Context, rec *allocation.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(q querier) error { return insertRecord(ctx, q, rec) })
}

func (s *Store) Transition(ctx context.Context, tenant generic.TenantID, id string, from, to allocation.Status, entry allocation.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(q querier) error { return transition(ctx, q, tenant, id, from, to, entry) })
}

func (s *Store) SaveActuals(ctx context.Context, tenant generic.TenantID, id string, lines []allocation.Line, entry allocation.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(q querier) error { return saveActuals(ctx, q, tenant, id, lines, entry) })
}

// Tenants lists tenants holding records, sorted.
func (s *Store) Tenants(ctx context.Context) ([]generic.TenantID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM allocations ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var out []generic.TenantID
	for rows.Next() {
		var t generic.TenantID
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func getRecord(ctx context.Context, q querier, tenant generic.TenantID, id string) (*allocation.Record, error) {
	recs, err := queryRecords(ctx, q, `SELECT `+allocationColumns+` FROM allocations WHERE tenant_id = ? AND id = ?`, tenant, id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, generic.ErrAllocationNotFound
	}
	return recs[0], nil
}

func getActive(ctx context.Context, q querier, key allocation.SourceKey) (*allocation.Record, error) {
	recs, err := queryRecords(ctx, q, `SELECT `+allocationColumns+` FROM allocations
		WHERE tenant_id = ? AND source_type = ? AND source_id = ? AND status = 'active'`,
		key.TenantID, key.SourceType, key.SourceID)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

func latestVersion(ctx context.Context, q querier, key allocation.SourceKey) (int, error) {
	var v int
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM allocations
		WHERE tenant_id = ? AND source_type = ? AND source_id = ?`,
		key.TenantID, key.SourceType, key.SourceID).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to read latest version of %s: %w", key, err)
	}
	return v, nil
}

func listRecords(ctx context.Context, q querier, tenant generic.TenantID, filter allocation.Filter) ([]*allocation.Record, error) {
	query := `SELECT ` + allocationColumns + ` FROM allocations WHERE tenant_id = ?`
	args := []any{tenant}
	if filter.SourceType != "" {
		query += ` AND source_type = ?`
		args = append(args, filter.SourceType)
	}
	if filter.SourceID != "" {
		query += ` AND source_id = ?`
		args = append(args, filter.SourceID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.AutoRecalculateOnly {
		query += ` AND auto_recalculate = 1`
	}
	query += ` ORDER BY created_at DESC, version DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	return queryRecords(ctx, q, query, args...)
}

func queryRecords(ctx context.Context, q querier, query string, args ...any) ([]*allocation.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	var recs []*allocation.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Lines and audit are loaded after the cursor is closed: a :memory:
	// database has a single connection.
	for _, rec := range recs {
		if rec.Lines, err = loadLines(ctx, q, rec.ID); err != nil {
			return nil, err
		}
		if rec.Audit, err = loadAudit(ctx, q, rec.ID); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

func scanRecord(rows *sql.Rows) (*allocation.Record, error) {
	var (
		rec                                  allocation.Record
		sourceName, parentID, createdBy      sql.NullString
		selectorJSON, statsJSON              string
		periodStart, periodEnd               string
		totalAmount, totalAllocated          string
		createdAt, updatedAt                 string
		hasHistory, nonLeaf, autoRecalculate bool
	)
	err := rows.Scan(
		&rec.ID, &rec.TenantID, &rec.SourceType, &rec.SourceID, &sourceName, &rec.Dimension, &selectorJSON,
		&rec.Metric, &periodStart, &periodEnd, &rec.Currency, &rec.Precision, &totalAmount, &totalAllocated,
		&statsJSON, &rec.Status, &rec.Version, &parentID, &rec.Fallback, &hasHistory,
		&nonLeaf, &autoRecalculate, &createdBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.SourceName = sourceName.String
	rec.ParentID = parentID.String
	rec.CreatedBy = generic.ActorID(createdBy.String)
	rec.HasHistoricalData = hasHistory
	rec.ResolvedViaNonLeafFallback = nonLeaf
	rec.AutoRecalculate = autoRecalculate

	if rec.Selector, err = factory.ParseSelector(selectorJSON); err != nil {
		return nil, fmt.Errorf("allocation %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(statsJSON), &rec.Statistics); err != nil {
		return nil, fmt.Errorf("allocation %s: invalid statistics: %w", rec.ID, err)
	}
	if rec.Period.Start, err = generic.ParseDate(periodStart); err != nil {
		return nil, err
	}
	if rec.Period.End, err = generic.ParseDate(periodEnd); err != nil {
		return nil, err
	}
	if rec.TotalAmount, err = decimal.NewFromString(totalAmount); err != nil {
		return nil, err
	}
	if rec.TotalAllocated, err = decimal.NewFromString(totalAllocated); err != nil {
		return nil, err
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

func loadLines(ctx context.Context, q querier, id string) ([]allocation.Line, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT entity_id, entity_name, entity_code, weight, weight_percentage, amount, path_json,
		       actual_amount, variance, variance_percentage
		FROM allocation_lines WHERE allocation_id = ? ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load lines of %s: %w", id, err)
	}
	defer rows.Close()

	var lines []allocation.Line
	for rows.Next() {
		var (
			l                    allocation.Line
			name, code           sql.NullString
			amount, pathJSON     string
			actual, variance     sql.NullString
			variancePct          sql.NullFloat64
		)
		if err := rows.Scan(&l.EntityID, &name, &code, &l.Weight, &l.WeightPercentage, &amount, &pathJSON,
			&actual, &variance, &variancePct); err != nil {
			return nil, err
		}
		l.EntityName, l.EntityCode = name.String, code.String
		if l.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(pathJSON), &l.Path); err != nil {
			return nil, err
		}
		if actual.Valid {
			a, err := decimal.NewFromString(actual.String)
			if err != nil {
				return nil, err
			}
			l.Actual = &a
		}
		if variance.Valid {
			v, err := decimal.NewFromString(variance.String)
			if err != nil {
				return nil, err
			}
			l.Variance = &v
		}
		if variancePct.Valid {
			p := variancePct.Float64
			l.VariancePercentage = &p
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func loadAudit(ctx context.Context, q querier, id string) ([]allocation.AuditEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT action, actor, occurred_at, notes FROM allocation_audit
		WHERE allocation_id = ? ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit of %s: %w", id, err)
	}
	defer rows.Close()

	var entries []allocation.AuditEntry
	for rows.Next() {
		var (
			e     allocation.AuditEntry
			at    string
			notes sql.NullString
		)
		if err := rows.Scan(&e.Action, &e.Actor, &at, &notes); err != nil {
			return nil, err
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, err
		}
		e.Notes = notes.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func insertRecord(ctx context.Context, q querier, rec *allocation.Record) error {
	selectorJSON, err := factory.MarshalSelector(rec.Selector)
	if err != nil {
		return fmt.Errorf("failed to encode selector: %w", err)
	}
	statsJSON, err := json.Marshal(rec.Statistics)
	if err != nil {
		return fmt.Errorf("failed to encode statistics: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO allocations (`+allocationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.TenantID, rec.SourceType, rec.SourceID, nullString(rec.SourceName), rec.Dimension, string(selectorJSON),
		rec.Metric, rec.Period.Start.String(), rec.Period.End.String(), rec.Currency, rec.Precision,
		rec.TotalAmount.String(), rec.TotalAllocated.String(),
		string(statsJSON), rec.Status, rec.Version, nullString(rec.ParentID), rec.Fallback, rec.HasHistoricalData,
		rec.ResolvedViaNonLeafFallback, rec.AutoRecalculate, nullString(string(rec.CreatedBy)),
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrConcurrentModification
		}
		return fmt.Errorf("failed to insert allocation: %w", err)
	}

	for i, l := range rec.Lines {
		pathJSON, err := json.Marshal(l.Path)
		if err != nil {
			return fmt.Errorf("failed to encode path: %w", err)
		}
		_, err = q.ExecContext(ctx, `
			INSERT INTO allocation_lines
			(allocation_id, position, entity_id, entity_name, entity_code, weight, weight_percentage,
			 amount, path_json, actual_amount, variance, variance_percentage)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.ID, i, l.EntityID, l.EntityName, nullString(l.EntityCode), l.Weight, l.WeightPercentage,
			l.Amount.String(), string(pathJSON), nullDecimal(l.Actual), nullDecimal(l.Variance), nullFloat(l.VariancePercentage))
		if err != nil {
			return fmt.Errorf("failed to insert line %s: %w", l.EntityID, err)
		}
	}

	for _, e := range rec.Audit {
		if err := appendAudit(ctx, q, rec.ID, e); err != nil {
			return err
		}
	}
	return nil
}

// transition is the conditional status update: it only matches while the
// stored status is still from.
func transition(ctx context.Context, q querier, tenant generic.TenantID, id string, from, to allocation.Status, entry allocation.AuditEntry) error {
	res, err := q.ExecContext(ctx, `
		UPDATE allocations SET status = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND status = ?
	`, to, formatTime(entry.Timestamp), tenant, id, from)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrConcurrentModification
		}
		return fmt.Errorf("failed to transition allocation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missingOrChanged(ctx, q, tenant, id)
	}
	return appendAudit(ctx, q, id, entry)
}

func saveActuals(ctx context.Context, q querier, tenant generic.TenantID, id string, lines []allocation.Line, entry allocation.AuditEntry) error {
	res, err := q.ExecContext(ctx, `UPDATE allocations SET updated_at = ? WHERE tenant_id = ? AND id = ?`,
		formatTime(entry.Timestamp), tenant, id)
	if err != nil {
		return fmt.Errorf("failed to update allocation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return generic.ErrAllocationNotFound
	}

	for _, l := range lines {
		_, err := q.ExecContext(ctx, `
			UPDATE allocation_lines SET actual_amount = ?, variance = ?, variance_percentage = ?
			WHERE allocation_id = ? AND entity_id = ?
		`, nullDecimal(l.Actual), nullDecimal(l.Variance), nullFloat(l.VariancePercentage), id, l.EntityID)
		if err != nil {
			return fmt.Errorf("failed to save actual for %s: %w", l.EntityID, err)
		}
	}
	return appendAudit(ctx, q, id, entry)
}

func appendAudit(ctx context.Context, q querier, id string, e allocation.AuditEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO allocation_audit (allocation_id, action, actor, occurred_at, notes)
		VALUES (?, ?, ?, ?, ?)
	`, id, e.Action, e.Actor, formatTime(e.Timestamp), nullString(e.Notes))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func missingOrChanged(ctx context.Context, q querier, tenant generic.TenantID, id string) error {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM allocations WHERE tenant_id = ? AND id = ?`, tenant, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.ErrAllocationNotFound
	}
	if err != nil {
		return err
	}
	return generic.ErrConcurrentModification
}

// =============================================================================
// TRANSACTIONAL STORE (allocation.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store allocation.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(q querier) error { return fn(&txStore{q: q}) })
}

// inTx runs fn in a transaction. The caller holds the write lock.
func (s *Store) inTx(ctx context.Context, fn func(q querier) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore reads and writes through the open transaction.
type txStore struct {
	q querier
}

func (ts *txStore) Get(ctx context.Context, tenant generic.TenantID, id string) (*allocation.Record, error) {
	return getRecord(ctx, ts.q, tenant, id)
}

func (ts *txStore) GetActive(ctx context.Context, key allocation.SourceKey) (*allocation.Record, error) {
	return getActive(ctx, ts.q, key)
}

func (ts *txStore) LatestVersion(ctx context.Context, key allocation.SourceKey) (int, error) {
	return latestVersion(ctx, ts.q, key)
}

func (ts *txStore) List(ctx context.Context, tenant generic.TenantID, filter allocation.Filter) ([]*allocation.Record, error) {
	return listRecords(ctx, ts.q, tenant, filter)
}

func (ts *txStore) Insert(ctx context.Context, rec *allocation.Record) error {
	return insertRecord(ctx, ts.q, rec)
}

func (ts *txStore) Transition(ctx context.Context, tenant generic.TenantID, id string, from, to allocation.Status, entry allocation.AuditEntry) error {
	return transition(ctx, ts.q, tenant, id, from, to, entry)
}

func (ts *txStore) SaveActuals(ctx context.Context, tenant generic.TenantID, id string, lines []allocation.Line, entry allocation.AuditEntry) error {
	return saveActuals(ctx, ts.q, tenant, id, lines, entry)
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"allocation_audit", "allocation_lines", "allocations", "sales_history", "hierarchy_entities"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// timeLayout is fixed width so TEXT timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// isUniqueConstraintError reports unique and primary key violations.
func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
