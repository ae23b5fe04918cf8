package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed *.sql
var files embed.FS

// Up applies every *.up.sql file in name order. Statements are idempotent.
func Up(ctx context.Context, pool *pgxpool.Pool) error {
	return apply(ctx, pool, ".up.sql", false)
}

// Down applies every *.down.sql file in reverse name order
func Down(ctx context.Context, pool *pgxpool.Pool) error {
	return apply(ctx, pool, ".down.sql", true)
}

func apply(ctx context.Context, pool *pgxpool.Pool, suffix string, reverse bool) error {
	names, err := fs.Glob(files, "*"+suffix)
	if err != nil {
		return err
	}
	sort.Strings(names)
	if reverse {
		sort.Sort(sort.Reverse(sort.StringSlice(names)))
	}

	for _, name := range names {
		sql, err := files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", strings.TrimSuffix(name, suffix), err)
		}
	}
	return nil
}
