// Use: after 'datascout migrate --engine <engine> --uri <uri>':
// go run ./scripts/loaddata.go <engine> <uri> <csv dir>
//
// Every <name>.csv in the directory (header geo_level,geo_id,geo_name,date,metric,value)
// is loaded into dataset_rows as dataset <name>, served as 'sql:<name>'.

package main

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"golang.org/x/sync/errgroup"

	"github.com/datascout/datascout/pkg/provider/sqlstore"
)

const batchSize = 500

var columns = []string{"geo_level", "geo_id", "geo_name", "date", "metric", "value"}

func main() {
	if len(os.Args) != 4 {
		log.Fatalf("usage: %s <engine> <uri> <csv dir>", os.Args[0])
	}
	argEngine, argConnectionString, argDir := os.Args[1], os.Args[2], os.Args[3]

	engine, err := sqlstore.LookupEngine(argEngine)
	if err != nil {
		log.Panic(err)
	}

	db, err := sql.Open(engine.Driver, argConnectionString)
	if err != nil {
		log.Panic(err)
	}
	defer db.Close()

	files, err := filepath.Glob(filepath.Join(argDir, "*.csv"))
	if err != nil {
		log.Panic(err)
	}

	var placeholders sq.PlaceholderFormat = sq.Question
	if engine.Name == sqlstore.EnginePostgres {
		placeholders = sq.Dollar
	}
	stbl := sq.StatementBuilder.PlaceholderFormat(placeholders).RunWith(db)

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(4)

	for _, file := range files {
		g.Go(func() error {
			return load(ctx, stbl, file)
		})
	}

	if err := g.Wait(); err != nil {
		log.Panic(err)
	}
}

func load(ctx context.Context, stbl sq.StatementBuilderType, path string) error {
	defer timeTrack(time.Now(), "load "+path)
	dataset := strings.TrimSuffix(filepath.Base(path), ".csv")

	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("%s: reading header: %w", path, err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}
	for _, column := range columns {
		if _, ok := index[column]; !ok {
			return fmt.Errorf("%s: missing column %q", path, column)
		}
	}

	if _, err := stbl.Delete("dataset_rows").Where(sq.Eq{"dataset_id": dataset}).ExecContext(ctx); err != nil {
		return fmt.Errorf("%s: clearing previous rows: %w", path, err)
	}

	insert := newInsert(stbl)
	pending, total := 0, 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		value, err := strconv.ParseFloat(record[index["value"]], 64)
		if err != nil {
			return fmt.Errorf("%s: bad value %q: %w", path, record[index["value"]], err)
		}

		var geoName any
		if name := record[index["geo_name"]]; name != "" {
			geoName = name
		}

		insert = insert.Values(
			dataset,
			record[index["geo_level"]],
			record[index["geo_id"]],
			geoName,
			record[index["date"]],
			record[index["metric"]],
			value,
		)
		pending++

		if pending == batchSize {
			if _, err := insert.ExecContext(ctx); err != nil {
				return fmt.Errorf("%s: inserting rows: %w", path, err)
			}
			total += pending
			insert, pending = newInsert(stbl), 0
		}
	}

	if pending > 0 {
		if _, err := insert.ExecContext(ctx); err != nil {
			return fmt.Errorf("%s: inserting rows: %w", path, err)
		}
		total += pending
	}

	log.Printf("loaded %d rows into dataset %q", total, dataset)
	return nil
}

func newInsert(stbl sq.StatementBuilderType) sq.InsertBuilder {
	return stbl.Insert("dataset_rows").
		Columns("dataset_id", "geo_level", "geo_id", "geo_name", "observed_on", "metric", "value")
}

func timeTrack(start time.Time, name string) {
	elapsed := time.Since(start)
	log.Printf("%s took %s", name, elapsed)
}
