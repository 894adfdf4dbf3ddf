/*
Package postgres provides a PostgreSQL-backed implementation of the storage interfaces.

PURPOSE:
  Multi-process deployments share one PostgreSQL database. The store keeps
  the same contracts as store/sqlite: at most one active record per source,
  one row per (source, version), and conditional status transitions.

LAYOUT:
  hierarchy_entities: Entities with their five hierarchy levels
  sales_history:      NUMERIC quantities and revenue, summed in SQL
  allocations:        Indexed columns plus the full record as a JSONB document

  Lines and audit entries live inside the document. The indexed columns
  exist for filtering and for the unique indexes.

QUERIES:
  Built with squirrel using $n placeholders. Sums are returned as text and
  parsed into decimals so no precision is lost on the way out.

USAGE:
  store, err := postgres.New(ctx, os.Getenv("DATABASE_URL"))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/factory"
	"github.com/warp/allocation-engine/generic"
	"github.com/warp/allocation-engine/hierarchy"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store implements all storage interfaces on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ hierarchy.LeafStore     = (*Store)(nil)
	_ allocation.HistoryStore = (*Store)(nil)
	_ allocation.TxStore      = (*Store)(nil)
	_ allocation.TenantLister = (*Store)(nil)
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// New connects to databaseURL and migrates the schema.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database url not set")
	}
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	store := &Store{pool: pool}
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS hierarchy_entities (
	tenant_id TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	id TEXT NOT NULL,
	name TEXT NOT NULL,
	code TEXT NOT NULL DEFAULT '',
	path JSONB NOT NULL,
	level1_id TEXT, level1_code TEXT,
	level2_id TEXT, level2_code TEXT,
	level3_id TEXT, level3_code TEXT,
	level4_id TEXT, level4_code TEXT,
	level5_id TEXT, level5_code TEXT,
	is_leaf BOOLEAN NOT NULL DEFAULT TRUE,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (tenant_id, entity_type, id)
);

CREATE TABLE IF NOT EXISTS sales_history (
	id BIGSERIAL PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	product_id TEXT NOT NULL,
	customer_id TEXT NOT NULL,
	sale_date DATE NOT NULL,
	quantity NUMERIC NOT NULL,
	gross_revenue NUMERIC NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sales_tenant_date ON sales_history (tenant_id, sale_date);

CREATE TABLE IF NOT EXISTS allocations (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	source_type TEXT NOT NULL,
	source_id TEXT NOT NULL,
	status TEXT NOT NULL,
	version INTEGER NOT NULL,
	auto_recalculate BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	document JSONB NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_allocations_active
	ON allocations (tenant_id, source_type, source_id) WHERE status = 'active';

CREATE UNIQUE INDEX IF NOT EXISTS uq_allocations_version
	ON allocations (tenant_id, source_type, source_id, version);

CREATE INDEX IF NOT EXISTS idx_allocations_tenant_created
	ON allocations (tenant_id, created_at DESC);
`

// =============================================================================
// HIERARCHY ENTITIES
// =============================================================================

var entityColumns = []string{"tenant_id", "entity_type", "id", "name", "code", "path", "is_leaf", "active"}

// SaveLeaf inserts or replaces a hierarchy entity.
func (s *Store) SaveLeaf(ctx context.Context, l hierarchy.Leaf) error {
	query, args, err := saveLeafQuery(l)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save entity %s: %w", l.ID, err)
	}
	return nil
}

func saveLeafQuery(l hierarchy.Leaf) (string, []any, error) {
	path, err := json.Marshal(l.Path)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode path: %w", err)
	}

	columns := append([]string{}, entityColumns...)
	values := []any{string(l.TenantID), string(l.Type), string(l.ID), l.Name, l.Code, path, l.IsLeaf, l.Active}
	updates := "name = EXCLUDED.name, code = EXCLUDED.code, path = EXCLUDED.path, is_leaf = EXCLUDED.is_leaf, active = EXCLUDED.active"
	for level := 1; level <= hierarchy.MaxLevels; level++ {
		n := l.Path.At(level)
		columns = append(columns, fmt.Sprintf("level%d_id", level), fmt.Sprintf("level%d_code", level))
		values = append(values, nullable(n.ID), nullable(n.Code))
		updates += fmt.Sprintf(", level%[1]d_id = EXCLUDED.level%[1]d_id, level%[1]d_code = EXCLUDED.level%[1]d_code", level)
	}

	return psql.Insert("hierarchy_entities").
		Columns(columns...).
		Values(values...).
		Suffix("ON CONFLICT (tenant_id, entity_type, id) DO UPDATE SET " + updates).
		ToSql()
}

func (s *Store) FindByIDs(ctx context.Context, tenant generic.TenantID, entityType hierarchy.EntityType, ids []generic.LeafID) ([]hierarchy.Leaf, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.queryLeaves(ctx, psql.Select(entityColumns...).From("hierarchy_entities").
		Where(sq.Eq{"tenant_id": string(tenant), "entity_type": string(entityType), "id": stringIDs(ids)}))
}

func (s *Store) FindByHierarchy(ctx context.Context, tenant generic.TenantID, entityType hierarchy.EntityType, level int, value string, leavesOnly bool) ([]hierarchy.Leaf, error) {
	q, err := hierarchyQuery(tenant, entityType, level, value, leavesOnly)
	if err != nil {
		return nil, err
	}
	return s.queryLeaves(ctx, q)
}

func hierarchyQuery(tenant generic.TenantID, entityType hierarchy.EntityType, level int, value string, leavesOnly bool) (sq.SelectBuilder, error) {
	if level < 1 || level > hierarchy.MaxLevels {
		return sq.SelectBuilder{}, generic.NewValidationError("selector.level", fmt.Sprintf("level must be between 1 and %d", hierarchy.MaxLevels))
	}
	where := sq.And{
		sq.Eq{"tenant_id": string(tenant), "entity_type": string(entityType), "active": true},
		sq.Or{
			sq.Eq{fmt.Sprintf("level%d_id", level): value},
			sq.Eq{fmt.Sprintf("level%d_code", level): value},
		},
	}
	if leavesOnly {
		where = append(where, sq.Eq{"is_leaf": true})
	}
	return psql.Select(entityColumns...).From("hierarchy_entities").Where(where).OrderBy("id"), nil
}

func (s *Store) FindActive(ctx context.Context, tenant generic.TenantID, entityType hierarchy.EntityType) ([]hierarchy.Leaf, error) {
	return s.queryLeaves(ctx, psql.Select(entityColumns...).From("hierarchy_entities").
		Where(sq.Eq{"tenant_id": string(tenant), "entity_type": string(entityType), "active": true}).
		OrderBy("id"))
}

func (s *Store) queryLeaves(ctx context.Context, b sq.SelectBuilder) ([]hierarchy.Leaf, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var leaves []hierarchy.Leaf
	for rows.Next() {
		var (
			tenant, entityType, id string
			path                   []byte
			l                      hierarchy.Leaf
		)
		if err := rows.Scan(&tenant, &entityType, &id, &l.Name, &l.Code, &path, &l.IsLeaf, &l.Active); err != nil {
			return nil, err
		}
		l.TenantID, l.Type, l.ID = generic.TenantID(tenant), hierarchy.EntityType(entityType), generic.LeafID(id)
		if err := json.Unmarshal(path, &l.Path); err != nil {
			return nil, fmt.Errorf("entity %s: invalid path: %w", id, err)
		}
		leaves = append(leaves, l)
	}
	return leaves, rows.Err()
}

// =============================================================================
// SALES HISTORY
// =============================================================================

// RecordSale appends a historical sales row.
func (s *Store) RecordSale(ctx context.Context, sale allocation.Sale) error {
	query, args, err := psql.Insert("sales_history").
		Columns("tenant_id", "product_id", "customer_id", "sale_date", "quantity", "gross_revenue").
		Values(string(sale.TenantID), string(sale.ProductID), string(sale.CustomerID), sale.Date.Time,
			sale.Quantity.String(), sale.GrossRevenue.String()).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to record sale: %w", err)
	}
	return nil
}

func (s *Store) SumMetric(ctx context.Context, tenant generic.TenantID, entityType hierarchy.EntityType, metric allocation.Metric, ids []generic.LeafID, period generic.Period) (map[generic.LeafID]decimal.Decimal, error) {
	sums := make(map[generic.LeafID]decimal.Decimal, len(ids))
	query, args, err := sumQuery(tenant, entityType, metric, ids, period)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return sums, nil
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to sum %s: %w", metric, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, total string
		if err := rows.Scan(&id, &total); err != nil {
			return nil, err
		}
		v, err := decimal.NewFromString(total)
		if err != nil {
			return nil, fmt.Errorf("sum for %s: %w", id, err)
		}
		sums[generic.LeafID(id)] = v
	}
	return sums, rows.Err()
}

func sumQuery(tenant generic.TenantID, entityType hierarchy.EntityType, metric allocation.Metric, ids []generic.LeafID, period generic.Period) (string, []any, error) {
	valueColumn := map[allocation.Metric]string{
		allocation.MetricVolume:  "quantity",
		allocation.MetricRevenue: "gross_revenue",
	}[metric]
	if valueColumn == "" {
		return "", nil, generic.ErrUnsupportedMetric
	}
	entityColumn := "product_id"
	if entityType == hierarchy.EntityCustomer {
		entityColumn = "customer_id"
	}

	return psql.Select(entityColumn, fmt.Sprintf("SUM(%s)::text", valueColumn)).
		From("sales_history").
		Where(sq.Eq{"tenant_id": string(tenant), entityColumn: stringIDs(ids)}).
		Where(sq.GtOrEq{"sale_date": period.Start.Time}).
		Where(sq.LtOrEq{"sale_date": period.End.Time}).
		GroupBy(entityColumn).
		ToSql()
}

// =============================================================================
// ALLOCATION RECORDS
// =============================================================================

func (s *Store) Get(ctx context.Context, tenant generic.TenantID, id string) (*allocation.Record, error) {
	return getRecord(ctx, s.pool, tenant, id, false)
}

func (s *Store) GetActive(ctx context.Context, key allocation.SourceKey) (*allocation.Record, error) {
	return getActive(ctx, s.pool, key)
}

func (s *Store) LatestVersion(ctx context.Context, key allocation.SourceKey) (int, error) {
	return latestVersion(ctx, s.pool, key)
}

func (s *Store) List(ctx context.Context, tenant generic.TenantID, filter allocation.Filter) ([]*allocation.Record, error) {
	return listRecords(ctx, s.pool, tenant, filter)
}

func (s *Store) Insert(ctx context.Context, rec *allocation.Record) error {
	return insertRecord(ctx, s.pool, rec)
}

func (s *Store) Transition(ctx context.Context, tenant generic.TenantID, id string, from, to allocation.Status, entry allocation.AuditEntry) error {
	return s.WithTx(ctx, func(st allocation.Store) error {
		return st.Transition(ctx, tenant, id, from, to, entry)
	})
}

func (s *Store) SaveActuals(ctx context.Context, tenant generic.TenantID, id string, lines []allocation.Line, entry allocation.AuditEntry) error {
	return s.WithTx(ctx, func(st allocation.Store) error {
		return st.SaveActuals(ctx, tenant, id, lines, entry)
	})
}

// Tenants lists tenants holding records, sorted.
func (s *Store) Tenants(ctx context.Context) ([]generic.TenantID, error) {
	query, args, err := psql.Select("DISTINCT tenant_id").From("allocations").OrderBy("tenant_id").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var out []generic.TenantID
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, generic.TenantID(t))
	}
	return out, rows.Err()
}

func getRecord(ctx context.Context, q querier, tenant generic.TenantID, id string, forUpdate bool) (*allocation.Record, error) {
	b := psql.Select("document").From("allocations").Where(sq.Eq{"tenant_id": string(tenant), "id": id})
	if forUpdate {
		b = b.Suffix("FOR UPDATE")
	}
	recs, err := queryRecords(ctx, q, b)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, generic.ErrAllocationNotFound
	}
	return recs[0], nil
}

func getActive(ctx context.Context, q querier, key allocation.SourceKey) (*allocation.Record, error) {
	recs, err := queryRecords(ctx, q, psql.Select("document").From("allocations").Where(sq.Eq{
		"tenant_id":   string(key.TenantID),
		"source_type": string(key.SourceType),
		"source_id":   key.SourceID,
		"status":      string(allocation.StatusActive),
	}))
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

func latestVersion(ctx context.Context, q querier, key allocation.SourceKey) (int, error) {
	query, args, err := psql.Select("COALESCE(MAX(version), 0)").From("allocations").Where(sq.Eq{
		"tenant_id":   string(key.TenantID),
		"source_type": string(key.SourceType),
		"source_id":   key.SourceID,
	}).ToSql()
	if err != nil {
		return 0, err
	}
	var v int
	if err := q.QueryRow(ctx, query, args...).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read latest version of %s: %w", key, err)
	}
	return v, nil
}

func listQuery(tenant generic.TenantID, filter allocation.Filter) sq.SelectBuilder {
	b := psql.Select("document").From("allocations").Where(sq.Eq{"tenant_id": string(tenant)})
	if filter.SourceType != "" {
		b = b.Where(sq.Eq{"source_type": string(filter.SourceType)})
	}
	if filter.SourceID != "" {
		b = b.Where(sq.Eq{"source_id": filter.SourceID})
	}
	if filter.Status != "" {
		b = b.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.AutoRecalculateOnly {
		b = b.Where(sq.Eq{"auto_recalculate": true})
	}
	b = b.OrderBy("created_at DESC", "version DESC")
	if filter.Limit > 0 {
		b = b.Limit(uint64(filter.Limit))
	}
	return b
}

func listRecords(ctx context.Context, q querier, tenant generic.TenantID, filter allocation.Filter) ([]*allocation.Record, error) {
	return queryRecords(ctx, q, listQuery(tenant, filter))
}

func queryRecords(ctx context.Context, q querier, b sq.SelectBuilder) ([]*allocation.Record, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var recs []*allocation.Record
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		rec, err := factory.UnmarshalRecord(doc)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func insertQuery(rec *allocation.Record) (string, []any, error) {
	doc, err := factory.MarshalRecord(rec)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode allocation: %w", err)
	}
	return psql.Insert("allocations").
		Columns("id", "tenant_id", "source_type", "source_id", "status", "version", "auto_recalculate", "created_at", "document").
		Values(rec.ID, string(rec.TenantID), string(rec.SourceType), rec.SourceID, string(rec.Status),
			rec.Version, rec.AutoRecalculate, rec.CreatedAt, doc).
		ToSql()
}

func insertRecord(ctx context.Context, q querier, rec *allocation.Record) error {
	query, args, err := insertQuery(rec)
	if err != nil {
		return err
	}
	if _, err := q.Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return generic.ErrConcurrentModification
		}
		return fmt.Errorf("failed to insert allocation: %w", err)
	}
	return nil
}

// saveDocument rewrites the record, guarded on the status it was read with.
func saveDocument(ctx context.Context, q querier, rec *allocation.Record, expected allocation.Status) error {
	doc, err := factory.MarshalRecord(rec)
	if err != nil {
		return fmt.Errorf("failed to encode allocation: %w", err)
	}
	query, args, err := psql.Update("allocations").
		Set("status", string(rec.Status)).
		Set("document", doc).
		Where(sq.Eq{"tenant_id": string(rec.TenantID), "id": rec.ID, "status": string(expected)}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return generic.ErrConcurrentModification
		}
		return fmt.Errorf("failed to update allocation %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return generic.ErrConcurrentModification
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store allocation.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type txStore struct {
	tx pgx.Tx
}

func (ts *txStore) Get(ctx context.Context, tenant generic.TenantID, id string) (*allocation.Record, error) {
	return getRecord(ctx, ts.tx, tenant, id, false)
}

func (ts *txStore) GetActive(ctx context.Context, key allocation.SourceKey) (*allocation.Record, error) {
	return getActive(ctx, ts.tx, key)
}

func (ts *txStore) LatestVersion(ctx context.Context, key allocation.SourceKey) (int, error) {
	return latestVersion(ctx, ts.tx, key)
}

func (ts *txStore) List(ctx context.Context, tenant generic.TenantID, filter allocation.Filter) ([]*allocation.Record, error) {
	return listRecords(ctx, ts.tx, tenant, filter)
}

func (ts *txStore) Insert(ctx context.Context, rec *allocation.Record) error {
	return insertRecord(ctx, ts.tx, rec)
}

func (ts *txStore) Transition(ctx context.Context, tenant generic.TenantID, id string, from, to allocation.Status, entry allocation.AuditEntry) error {
	rec, err := getRecord(ctx, ts.tx, tenant, id, true)
	if err != nil {
		return err
	}
	if rec.Status != from {
		return generic.ErrConcurrentModification
	}
	rec.Status = to
	rec.UpdatedAt = entry.Timestamp
	rec.Audit = append(rec.Audit, entry)
	return saveDocument(ctx, ts.tx, rec, from)
}

func (ts *txStore) SaveActuals(ctx context.Context, tenant generic.TenantID, id string, lines []allocation.Line, entry allocation.AuditEntry) error {
	rec, err := getRecord(ctx, ts.tx, tenant, id, true)
	if err != nil {
		return err
	}
	byID := make(map[generic.LeafID]allocation.Line, len(lines))
	for _, l := range lines {
		byID[l.EntityID] = l
	}
	for i, l := range rec.Lines {
		if updated, ok := byID[l.EntityID]; ok {
			rec.Lines[i].Actual = updated.Actual
			rec.Lines[i].Variance = updated.Variance
			rec.Lines[i].VariancePercentage = updated.VariancePercentage
		}
	}
	rec.UpdatedAt = entry.Timestamp
	rec.Audit = append(rec.Audit, entry)
	return saveDocument(ctx, ts.tx, rec, rec.Status)
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "TRUNCATE allocations, sales_history, hierarchy_entities")
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func stringIDs(ids []generic.LeafID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
