package schema

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/motorworks/enginesync/internal/syncx"
)

// Version is the advertised schema version of the synchronized table set.
// Bump it together with any migration that alters a synchronized table.
const Version = 1

// Column is one column of a synchronized table as advertised to clients.
type Column struct {
	Name     string  `json:"name"`
	NotNull  bool    `json:"not_null"`
	DataType string  `json:"data_type"`
	Default  *string `json:"default"`
}

// ForeignKey is an edge from a column to another synchronized table.
type ForeignKey struct {
	Column    string `json:"column"`
	RefTable  string `json:"ref_table"`
	RefColumn string `json:"ref_column"`
}

// Unique is a unique constraint; the primary key carries Primary=true.
type Unique struct {
	Columns []string `json:"columns"`
	Primary bool     `json:"primary"`
}

// TableDef is the normalized structure of one synchronized table.
type TableDef struct {
	Columns           []Column     `json:"columns"`
	ForeignKeys       []ForeignKey `json:"foreign_keys"`
	UniqueConstraints []Unique     `json:"unique_constraints"`
}

// Snapshot is the canonical description of the synchronized table set.
type Snapshot struct {
	Version int                 `json:"version"`
	Hash    string              `json:"hash"`
	Tables  map[string]TableDef `json:"tables"`
}

// Normalize sorts every list in the table set into its canonical order:
// columns alphabetically, foreign keys and unique constraints
// lexicographically. Hashing a normalized set is order-insensitive with
// respect to the input.
func Normalize(tables map[string]TableDef) map[string]TableDef {
	out := make(map[string]TableDef, len(tables))
	for name, t := range tables {
		cols := append([]Column(nil), t.Columns...)
		sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })

		fks := append([]ForeignKey(nil), t.ForeignKeys...)
		sort.Slice(fks, func(i, j int) bool {
			a, b := fks[i], fks[j]
			if a.Column != b.Column {
				return a.Column < b.Column
			}
			if a.RefTable != b.RefTable {
				return a.RefTable < b.RefTable
			}
			return a.RefColumn < b.RefColumn
		})

		uniques := make([]Unique, 0, len(t.UniqueConstraints))
		for _, u := range t.UniqueConstraints {
			cols := append([]string(nil), u.Columns...)
			sort.Strings(cols)
			uniques = append(uniques, Unique{Columns: cols, Primary: u.Primary})
		}
		sort.Slice(uniques, func(i, j int) bool {
			return strings.Join(uniques[i].Columns, ",") < strings.Join(uniques[j].Columns, ",")
		})

		out[name] = TableDef{Columns: cols, ForeignKeys: fks, UniqueConstraints: uniques}
	}
	return out
}

// Hash computes the SHA-256 of the canonical JSON encoding of a normalized
// table set. encoding/json sorts map keys, so the byte form is stable.
func Hash(tables map[string]TableDef) (string, error) {
	b, err := json.Marshal(Normalize(tables))
	if err != nil {
		return "", fmt.Errorf("encode schema snapshot: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Load reads the live structure of the synchronized tables from
// information_schema and returns the hashed snapshot.
func Load(ctx context.Context, pool *pgxpool.Pool) (*Snapshot, error) {
	names := syncx.TableNames()
	tables := make(map[string]TableDef, len(names))
	for _, n := range names {
		tables[n] = TableDef{}
	}

	rows, err := pool.Query(ctx, `
		SELECT table_name, column_name, is_nullable, data_type, column_default
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = ANY($1)
	`, names)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var table, column, nullable, dataType string
		var def *string
		if err := rows.Scan(&table, &column, &nullable, &dataType, &def); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		t := tables[table]
		t.Columns = append(t.Columns, Column{
			Name:     column,
			NotNull:  nullable == "NO",
			DataType: dataType,
			Default:  def,
		})
		tables[table] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	rows.Close()

	if err := loadForeignKeys(ctx, pool, names, tables); err != nil {
		return nil, err
	}
	if err := loadUniques(ctx, pool, names, tables); err != nil {
		return nil, err
	}

	hash, err := Hash(tables)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Version: Version,
		Hash:    hash,
		Tables:  Normalize(tables),
	}, nil
}

func loadForeignKeys(ctx context.Context, pool *pgxpool.Pool, names []string, tables map[string]TableDef) error {
	rows, err := pool.Query(ctx, `
		SELECT tc.table_name, kcu.column_name, ccu.table_name, ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
		JOIN information_schema.constraint_column_usage ccu
		  ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
		WHERE tc.table_schema = 'public'
		  AND tc.constraint_type = 'FOREIGN KEY'
		  AND tc.table_name = ANY($1)
	`, names)
	if err != nil {
		return fmt.Errorf("query foreign keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var table, column, refTable, refColumn string
		if err := rows.Scan(&table, &column, &refTable, &refColumn); err != nil {
			return fmt.Errorf("scan foreign key: %w", err)
		}
		t := tables[table]
		t.ForeignKeys = append(t.ForeignKeys, ForeignKey{
			Column:    column,
			RefTable:  refTable,
			RefColumn: refColumn,
		})
		tables[table] = t
	}
	return rows.Err()
}

func loadUniques(ctx context.Context, pool *pgxpool.Pool, names []string, tables map[string]TableDef) error {
	rows, err := pool.Query(ctx, `
		SELECT tc.table_name, tc.constraint_name, tc.constraint_type, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
		WHERE tc.table_schema = 'public'
		  AND tc.constraint_type IN ('PRIMARY KEY', 'UNIQUE')
		  AND tc.table_name = ANY($1)
		ORDER BY tc.table_name, tc.constraint_name, kcu.ordinal_position
	`, names)
	if err != nil {
		return fmt.Errorf("query unique constraints: %w", err)
	}
	defer rows.Close()

	type key struct{ table, constraint string }
	grouped := make(map[key]*Unique)
	var order []key

	for rows.Next() {
		var table, constraint, ctype, column string
		if err := rows.Scan(&table, &constraint, &ctype, &column); err != nil {
			return fmt.Errorf("scan unique constraint: %w", err)
		}
		k := key{table, constraint}
		u, ok := grouped[k]
		if !ok {
			u = &Unique{Primary: ctype == "PRIMARY KEY"}
			grouped[k] = u
			order = append(order, k)
		}
		u.Columns = append(u.Columns, column)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, k := range order {
		t := tables[k.table]
		t.UniqueConstraints = append(t.UniqueConstraints, *grouped[k])
		tables[k.table] = t
	}
	return nil
}

// Descriptor caches the current snapshot. It must be invalidated after
// running migrations.
type Descriptor struct {
	mu   sync.RWMutex
	snap *Snapshot
}

// Current returns the cached snapshot, loading it on first use.
func (d *Descriptor) Current(ctx context.Context, pool *pgxpool.Pool) (*Snapshot, error) {
	d.mu.RLock()
	snap := d.snap
	d.mu.RUnlock()
	if snap != nil {
		return snap, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.snap != nil {
		return d.snap, nil
	}
	snap, err := Load(ctx, pool)
	if err != nil {
		return nil, err
	}
	d.snap = snap
	return snap, nil
}

// Invalidate drops the cached snapshot so the next Current reloads it.
func (d *Descriptor) Invalidate() {
	d.mu.Lock()
	d.snap = nil
	d.mu.Unlock()
}
