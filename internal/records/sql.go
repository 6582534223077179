package records

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// SQLStore serves records from relational tables. Object names map to table
// names, optionally through Tables.
type SQLStore struct {
	db     *sqlx.DB
	tables map[string]string
}

// NewSQLStore wraps an open sqlx handle. tables maps object names to table
// names; objects not in the map are queried by their own name.
func NewSQLStore(db *sqlx.DB, tables map[string]string) *SQLStore {
	if tables == nil {
		tables = map[string]string{}
	}
	return &SQLStore{db: db, tables: tables}
}

// OpenPostgres connects to PostgreSQL through lib/pq.
func OpenPostgres(dsn string, tables map[string]string) (*SQLStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return NewSQLStore(db, tables), nil
}

// OpenClickHouse connects to ClickHouse through the clickhouse-go std driver.
func OpenClickHouse(dsn string, tables map[string]string) (*SQLStore, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ClickHouse DSN: %w", err)
	}
	opts.MaxOpenConns = 10
	opts.MaxIdleConns = 5
	opts.ConnMaxLifetime = time.Hour
	opts.DialTimeout = 30 * time.Second

	conn := clickhouse.OpenDB(opts)
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	// sqlx leaves "?" placeholders untouched for drivers it does not know.
	return NewSQLStore(sqlx.NewDb(conn, "clickhouse"), tables), nil
}

// Close releases the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Find builds a parameterized SELECT for the object.
func (s *SQLStore) Find(ctx context.Context, object string, filter Filter, opts FindOptions) ([]Record, error) {
	query, args, err := s.buildQuery(object, filter, opts)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", object, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", object, err)
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		out = append(out, Record(row))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s rows: %w", object, err)
	}
	return out, nil
}

func (s *SQLStore) buildQuery(object string, filter Filter, opts FindOptions) (string, []any, error) {
	table := object
	if mapped, ok := s.tables[object]; ok {
		table = mapped
	}
	if !identifierPattern.MatchString(table) {
		return "", nil, fmt.Errorf("invalid table name %q", table)
	}

	columns := "*"
	if len(opts.Fields) > 0 {
		for _, f := range opts.Fields {
			if !identifierPattern.MatchString(f) {
				return "", nil, fmt.Errorf("invalid column name %q", f)
			}
		}
		columns = strings.Join(opts.Fields, ", ")
	}

	query := fmt.Sprintf("SELECT %s FROM %s", columns, table)

	var conditions []string
	var args []any
	for _, c := range filter {
		if !identifierPattern.MatchString(c.Field) {
			return "", nil, fmt.Errorf("invalid column name %q", c.Field)
		}
		switch c.Op {
		case OpEq:
			if c.Value == nil {
				conditions = append(conditions, c.Field+" IS NULL")
				continue
			}
			conditions = append(conditions, c.Field+" = ?")
			args = append(args, c.Value)
		case OpIn:
			values, _ := c.Value.([]any)
			if len(values) == 0 {
				conditions = append(conditions, "1 = 0")
				continue
			}
			conditions = append(conditions, c.Field+" IN (?)")
			args = append(args, values)
		default:
			return "", nil, fmt.Errorf("unsupported filter operator %q", c.Op)
		}
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	if len(args) > 0 {
		expanded, expandedArgs, err := sqlx.In(query, args...)
		if err != nil {
			return "", nil, fmt.Errorf("failed to expand query arguments: %w", err)
		}
		query, args = expanded, expandedArgs
	}
	return s.db.Rebind(query), args, nil
}
