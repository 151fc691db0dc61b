package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/danceos/fail-sub001/internal/fieldcodec"
	"github.com/danceos/fail-sub001/internal/trace"

	_ "modernc.org/sqlite"
)

// currentSchemaVersion is the target schema version for this build.
const currentSchemaVersion = schemaVersionV1

// DefaultBusyTimeout is how long a connection waits for a lock held by a
// concurrent writer.
const DefaultBusyTimeout = 30 * time.Second

// Options configures a SqlStore.
type Options struct {
	BusyTimeout time.Duration
	// Aux describes extra per-row values stored in aux_<name> columns of the
	// trace table.
	Aux []fieldcodec.Field
}

// SqlStore implements Store with SQLite.
type SqlStore struct {
	db  *sql.DB
	aux []fieldcodec.Field
}

var auxName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Open opens or creates a SQLite DB at path and runs migrations.
// Creates the parent directory (e.g. .fsp) if it does not exist.
func Open(ctx context.Context, path string, opts Options) (*SqlStore, error) {
	for _, f := range opts.Aux {
		if !auxName.MatchString(f.Name) {
			return nil, fmt.Errorf("aux field name %q is not a valid column name", f.Name)
		}
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("aux schema: %w", err)
		}
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = DefaultBusyTimeout
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, storeErr("create store dir", err)
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", opts.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, storeErr("open sqlite", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, storeErr("ping sqlite", err)
	}
	s := &SqlStore{db: db, aux: opts.Aux}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SqlStore) migrate(ctx context.Context) error {
	// Check if schema_version table exists to detect database state.
	var tableCount int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableCount)
	if err != nil {
		return storeErr("check schema_version table", err)
	}
	if tableCount == 0 {
		return s.CreateSchema(ctx)
	}

	var v int
	err = s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return s.CreateSchema(ctx)
	}
	if err != nil {
		return storeErr("read schema version", err)
	}
	switch v {
	case currentSchemaVersion:
		return s.ensureAuxColumns(ctx)
	default:
		return storeErr("migrate", fmt.Errorf("unknown schema version %d", v))
	}
}

// CreateSchema implements Store.
func (s *SqlStore) CreateSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaV1); err != nil {
		return storeErr("create schema", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_version").Scan(&n); err != nil {
		return storeErr("read schema version", err)
	}
	if n == 0 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_version(version) VALUES(?)", currentSchemaVersion); err != nil {
			return storeErr("set schema version", err)
		}
	}
	return s.ensureAuxColumns(ctx)
}

// ensureAuxColumns adds aux_<name> columns missing from the trace table.
func (s *SqlStore) ensureAuxColumns(ctx context.Context) error {
	if len(s.aux) == 0 {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM pragma_table_info('trace')")
	if err != nil {
		return storeErr("inspect trace columns", err)
	}
	have := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return storeErr("inspect trace columns", err)
		}
		have[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return storeErr("inspect trace columns", err)
	}
	for _, f := range s.aux {
		col := "aux_" + f.Name
		if have[col] {
			continue
		}
		ddl := fmt.Sprintf("ALTER TABLE trace ADD COLUMN %s %s", col, fieldcodec.SQLType(f))
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return storeErr("add aux column", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SqlStore) Close() error {
	return s.db.Close()
}

func nullAddr(a NullAddr) any {
	if !a.Valid {
		return nil
	}
	return int64(a.Addr)
}

func fromNull(n sql.NullInt64) NullAddr {
	if !n.Valid {
		return NullAddr{}
	}
	return Addr(uint64(n.Int64))
}

// GetOrCreateVariant implements Store.
func (s *SqlStore) GetOrCreateVariant(ctx context.Context, variant, benchmark string) (Variant, error) {
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO variant(variant, benchmark) VALUES(?, ?)", variant, benchmark,
	); err != nil {
		return Variant{}, storeErr("insert variant", err)
	}
	v := Variant{Variant: variant, Benchmark: benchmark}
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM variant WHERE variant = ? AND benchmark = ?", variant, benchmark,
	).Scan(&v.ID)
	if err != nil {
		return Variant{}, storeErr("resolve variant", err)
	}
	return v, nil
}

// likeClause renders "(col LIKE ? OR col LIKE ? ...)" for patterns.
func likeClause(col string, patterns []string, args *[]any) string {
	parts := make([]string, len(patterns))
	for i, p := range patterns {
		parts[i] = col + " LIKE ?"
		*args = append(*args, p)
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

// ListVariants implements Store.
func (s *SqlStore) ListVariants(ctx context.Context, f VariantFilter) ([]Variant, error) {
	var where []string
	var args []any
	if len(f.Variants) > 0 {
		where = append(where, likeClause("variant", f.Variants, &args))
	}
	if len(f.Benchmarks) > 0 {
		where = append(where, likeClause("benchmark", f.Benchmarks, &args))
	}
	if len(f.ExcludeVariants) > 0 {
		where = append(where, "NOT "+likeClause("variant", f.ExcludeVariants, &args))
	}
	if len(f.ExcludeBenchmarks) > 0 {
		where = append(where, "NOT "+likeClause("benchmark", f.ExcludeBenchmarks, &args))
	}
	query := "SELECT id, variant, benchmark FROM variant"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list variants", err)
	}
	defer rows.Close()
	var list []Variant
	for rows.Next() {
		var v Variant
		if err := rows.Scan(&v.ID, &v.Variant, &v.Benchmark); err != nil {
			return nil, storeErr("scan variant", err)
		}
		list = append(list, v)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list variants", err)
	}
	return list, nil
}

// MethodID implements Store.
func (s *SqlStore) MethodID(ctx context.Context, method string) (int64, error) {
	if _, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO fspmethod(method) VALUES(?)", method); err != nil {
		return 0, storeErr("insert method", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, "SELECT id FROM fspmethod WHERE method = ?", method).Scan(&id); err != nil {
		return 0, storeErr("resolve method", err)
	}
	return id, nil
}

// ClearECs implements Store.
func (s *SqlStore) ClearECs(ctx context.Context, variantID int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM trace WHERE variant_id = ?", variantID); err != nil {
		return storeErr("clear ecs", err)
	}
	return nil
}

// InsertECs implements Store. All rows are written in one transaction.
func (s *SqlStore) InsertECs(ctx context.Context, rows []ECRow) error {
	if len(rows) == 0 {
		return nil
	}
	cols := []string{"variant_id", "data_address", "mask", "instr1", "instr1_absolute",
		"instr2", "instr2_absolute", "time1", "time2", "accesstype", "origin"}
	for _, f := range s.aux {
		cols = append(cols, "aux_"+f.Name)
	}
	query := fmt.Sprintf("INSERT INTO trace(%s) VALUES(%s)",
		strings.Join(cols, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin insert ecs", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return storeErr("prepare insert ecs", err)
	}
	defer stmt.Close()

	args := make([]any, len(cols))
	for _, r := range rows {
		args[0] = r.VariantID
		args[1] = int64(r.Address)
		args[2] = int64(r.Mask)
		args[3] = int64(r.InstrBegin)
		args[4] = nullAddr(r.InstrBeginIP)
		args[5] = int64(r.InstrEnd)
		args[6] = nullAddr(r.InstrEndIP)
		args[7] = int64(r.TimeBegin)
		args[8] = int64(r.TimeEnd)
		args[9] = r.Access.Letter()
		args[10] = r.Origin.String()
		for i, f := range s.aux {
			var v any
			if i < len(r.Aux) {
				v = r.Aux[i]
			}
			col, err := fieldcodec.Column(f, v)
			if err != nil {
				return storeErr("encode aux", err)
			}
			args[11+i] = col
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return storeErr(fmt.Sprintf("insert ec %#x/%#02x@%d", r.Address, r.Mask, r.InstrEnd), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit insert ecs", err)
	}
	return nil
}

// ReadECs implements Store. access 0 selects both reads and writes. Rows are
// ordered by key, then by instr1.
func (s *SqlStore) ReadECs(ctx context.Context, variantID int64, access trace.AccessType) ([]ECRow, error) {
	cols := "variant_id, data_address, mask, instr1, instr1_absolute, instr2, instr2_absolute, time1, time2, accesstype, origin"
	for _, f := range s.aux {
		cols += ", aux_" + f.Name
	}
	query := "SELECT " + cols + " FROM trace WHERE variant_id = ?"
	args := []any{variantID}
	if access != 0 {
		query += " AND accesstype = ?"
		args = append(args, access.Letter())
	}
	query += " ORDER BY data_address, mask, instr1"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("read ecs", err)
	}
	defer rows.Close()

	var list []ECRow
	for rows.Next() {
		var (
			r                          ECRow
			addr, mask, i1, i2, t1, t2 int64
			ip1, ip2                   sql.NullInt64
			accessLetter, origin       string
		)
		dest := []any{&r.VariantID, &addr, &mask, &i1, &ip1, &i2, &ip2, &t1, &t2, &accessLetter, &origin}
		auxRaw := make([]any, len(s.aux))
		for i := range auxRaw {
			dest = append(dest, &auxRaw[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, storeErr("scan ec", err)
		}
		r.Address, r.Mask = uint64(addr), uint8(mask)
		r.InstrBegin, r.InstrEnd = uint64(i1), uint64(i2)
		r.TimeBegin, r.TimeEnd = uint64(t1), uint64(t2)
		r.InstrBeginIP, r.InstrEndIP = fromNull(ip1), fromNull(ip2)
		if r.Access, err = trace.ParseAccessType(accessLetter); err != nil {
			return nil, storeErr("scan ec", err)
		}
		if r.Origin, err = parseOrigin(origin); err != nil {
			return nil, storeErr("scan ec", err)
		}
		if len(s.aux) > 0 {
			r.Aux = make([]any, len(s.aux))
			for i, f := range s.aux {
				if r.Aux[i], err = fieldcodec.FromColumn(f, auxRaw[i]); err != nil {
					return nil, storeErr("decode aux", err)
				}
			}
		}
		list = append(list, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("read ecs", err)
	}
	return list, nil
}

// CountECs implements Store.
func (s *SqlStore) CountECs(ctx context.Context, variantID int64) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM trace WHERE variant_id = ?", variantID).Scan(&n); err != nil {
		return 0, storeErr("count ecs", err)
	}
	return n, nil
}

// ClearPilots implements Store.
func (s *SqlStore) ClearPilots(ctx context.Context, variantID, methodID int64) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM fsppilot WHERE variant_id = ? AND fspmethod_id = ?", variantID, methodID,
	); err != nil {
		return storeErr("clear pilots", err)
	}
	return nil
}

// InsertPilots implements Store. The generated ids are written back into
// pilots.
func (s *SqlStore) InsertPilots(ctx context.Context, pilots []Pilot) error {
	if len(pilots) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin insert pilots", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO fsppilot(known_outcome, variant_id, fspmethod_id, data_address, data_mask,
		                      injection_instr, injection_instr_absolute, weight)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return storeErr("prepare insert pilots", err)
	}
	defer stmt.Close()

	for i := range pilots {
		p := &pilots[i]
		known := 0
		if p.KnownOutcome {
			known = 1
		}
		res, err := stmt.ExecContext(ctx, known, p.VariantID, p.MethodID, int64(p.Address), int64(p.Mask),
			int64(p.InstrEnd), nullAddr(p.InstrEndIP), int64(p.Weight))
		if err != nil {
			return storeErr(fmt.Sprintf("insert pilot %#x@%d", p.Address, p.InstrEnd), err)
		}
		if p.ID, err = res.LastInsertId(); err != nil {
			return storeErr("last insert id", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit insert pilots", err)
	}
	return nil
}

// AddPilotWeight implements Store.
func (s *SqlStore) AddPilotWeight(ctx context.Context, pilotID int64, delta uint64) error {
	res, err := s.db.ExecContext(ctx, "UPDATE fsppilot SET weight = weight + ? WHERE id = ?", int64(delta), pilotID)
	if err != nil {
		return storeErr("add pilot weight", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("add pilot weight", err)
	}
	if n != 1 {
		return storeErr("add pilot weight", fmt.Errorf("pilot %d not found", pilotID))
	}
	return nil
}

// ListPilots implements Store.
func (s *SqlStore) ListPilots(ctx context.Context, variantID, methodID int64) ([]Pilot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, known_outcome, variant_id, fspmethod_id, data_address, data_mask,
		        injection_instr, injection_instr_absolute, weight
		 FROM fsppilot WHERE variant_id = ? AND fspmethod_id = ?
		 ORDER BY id`, variantID, methodID)
	if err != nil {
		return nil, storeErr("list pilots", err)
	}
	defer rows.Close()
	var list []Pilot
	for rows.Next() {
		var (
			p                         Pilot
			known                     int
			addr, mask, instr, weight int64
			ip                        sql.NullInt64
		)
		if err := rows.Scan(&p.ID, &known, &p.VariantID, &p.MethodID, &addr, &mask, &instr, &ip, &weight); err != nil {
			return nil, storeErr("scan pilot", err)
		}
		p.KnownOutcome = known != 0
		p.Address, p.Mask, p.InstrEnd, p.Weight = uint64(addr), uint8(mask), uint64(instr), uint64(weight)
		p.InstrEndIP = fromNull(ip)
		list = append(list, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list pilots", err)
	}
	return list, nil
}

// CountPilots implements Store.
func (s *SqlStore) CountPilots(ctx context.Context, variantID, methodID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM fsppilot WHERE variant_id = ? AND fspmethod_id = ?", variantID, methodID,
	).Scan(&n)
	if err != nil {
		return 0, storeErr("count pilots", err)
	}
	return n, nil
}

// KeyStats implements Store.
func (s *SqlStore) KeyStats(ctx context.Context, variantID int64) ([]KeyStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data_address, mask, COUNT(*),
		        MIN(instr1), MAX(instr2), SUM(instr2 - instr1 + 1),
		        MIN(time1), MAX(time2), SUM(time2 - time1 + 1)
		 FROM trace WHERE variant_id = ?
		 GROUP BY data_address, mask
		 ORDER BY data_address, mask`, variantID)
	if err != nil {
		return nil, storeErr("key stats", err)
	}
	defer rows.Close()
	var list []KeyStats
	for rows.Next() {
		var k KeyStats
		var addr, mask, minI, maxI, sumI, minT, maxT, sumT int64
		if err := rows.Scan(&addr, &mask, &k.Rows, &minI, &maxI, &sumI, &minT, &maxT, &sumT); err != nil {
			return nil, storeErr("scan key stats", err)
		}
		k.Address, k.Mask = uint64(addr), uint8(mask)
		k.MinInstr, k.MaxInstr, k.SumInstr = uint64(minI), uint64(maxI), uint64(sumI)
		k.MinTime, k.MaxTime, k.SumTime = uint64(minT), uint64(maxT), uint64(sumT)
		list = append(list, k)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("key stats", err)
	}
	return list, nil
}

// Overlaps implements Store. limit <= 0 means no limit.
func (s *SqlStore) Overlaps(ctx context.Context, variantID int64, dim Dimension, limit int) ([]Overlap, error) {
	lo, hi := "instr1", "instr2"
	if dim == DimTime {
		lo, hi = "time1", "time2"
	}
	query := fmt.Sprintf(
		`SELECT a.data_address, a.mask, a.%[1]s, a.%[2]s, b.mask, b.%[1]s, b.%[2]s
		 FROM trace a
		 JOIN trace b ON b.variant_id = a.variant_id
		             AND b.data_address = a.data_address
		             AND (a.mask & b.mask) != 0
		             AND b.rowid > a.rowid
		             AND a.%[1]s <= b.%[2]s
		             AND b.%[1]s <= a.%[2]s
		 WHERE a.variant_id = ?
		 ORDER BY a.data_address, a.%[1]s, b.%[1]s`, lo, hi)
	args := []any{variantID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("find overlaps", err)
	}
	defer rows.Close()
	var list []Overlap
	for rows.Next() {
		var addr, m1, b1, e1, m2, b2, e2 int64
		if err := rows.Scan(&addr, &m1, &b1, &e1, &m2, &b2, &e2); err != nil {
			return nil, storeErr("scan overlap", err)
		}
		list = append(list, Overlap{
			Address:     uint64(addr),
			FirstMask:   uint8(m1),
			FirstBegin:  uint64(b1),
			FirstEnd:    uint64(e1),
			SecondMask:  uint8(m2),
			SecondBegin: uint64(b2),
			SecondEnd:   uint64(e2),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("find overlaps", err)
	}
	return list, nil
}
