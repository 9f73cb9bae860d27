// firelite is a small command line client for a remote document
// database, built on the firelite package.
//
// Usage:
//
//	firelite [flags] get <document-path>
//	firelite [flags] list <collection-path>
//	firelite [flags] query <collection-path>
//	firelite [flags] count <collection-path>
//	firelite [flags] delete <document-path>
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/bobch27/firelite"
	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/pflag"
)

var outputJSON = jsoniter.Config{
	EscapeHTML:  false,
	SortMapKeys: true,
}.Froze()

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath string
	projectID  string
	databaseID string
	emulator   string
	verbose    bool
	pageSize   int
	where      []string
	orderBy    []string
	limit      int
	last       int
	selectOnly []string
}

func run(args []string, out io.Writer) error {
	var f flags

	flagSet := pflag.NewFlagSet("firelite", pflag.ContinueOnError)
	flagSet.StringVar(&f.configPath, "config", "", "path to a YAML config file")
	flagSet.StringVar(&f.projectID, "project", "", "project id (overrides config and FIRESTORE_PROJECT_ID)")
	flagSet.StringVar(&f.databaseID, "database", "", "database id (default \"(default)\")")
	flagSet.StringVar(&f.emulator, "emulator", "", "emulator host:port")
	flagSet.BoolVarP(&f.verbose, "verbose", "v", false, "log every request to stderr")
	flagSet.IntVar(&f.pageSize, "page-size", 0, "page size for list")
	flagSet.StringArrayVarP(&f.where, "where", "w", nil, "filter as \"field op value\", repeatable; value is JSON or a bare string")
	flagSet.StringArrayVarP(&f.orderBy, "order-by", "o", nil, "sort key as \"field\" or \"field:desc\", repeatable")
	flagSet.IntVarP(&f.limit, "limit", "n", 0, "maximum number of results")
	flagSet.IntVar(&f.last, "limit-to-last", 0, "return the last n results")
	flagSet.StringSliceVar(&f.selectOnly, "select", nil, "fields to return")
	flagSet.SetInterspersed(true)

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}

		return err
	}

	rest := flagSet.Args()
	if len(rest) != 2 {
		printHelp(flagSet)
		return errors.Newf("expected a command and a path, got %d arguments", len(rest))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	conn, err := connect(ctx, f)
	if err != nil {
		return err
	}
	defer conn.Close()

	command, path := rest[0], rest[1]

	switch command {
	case "get":
		snap, err := conn.Doc(path).Get(ctx)
		if err != nil {
			return err
		}

		if !snap.Exists() {
			return errors.Newf("document %s not found", path)
		}

		return printDocs(out, []*firelite.DocumentSnapshot{snap})
	case "list":
		docs, err := conn.Collection(path).ListDocuments(ctx, f.pageSize).GetAll()
		if err != nil {
			return err
		}

		return printDocs(out, docs)
	case "query":
		query, err := buildQuery(conn.Collection(path).Query, f)
		if err != nil {
			return err
		}

		docs, err := query.GetAll(ctx)
		if err != nil {
			return err
		}

		return printDocs(out, docs)
	case "count":
		query, err := buildQuery(conn.Collection(path).Query, f)
		if err != nil {
			return err
		}

		count, err := query.Count(ctx)
		if err != nil {
			return err
		}

		_, err = fmt.Fprintln(out, count)
		return err
	case "delete":
		return conn.Doc(path).Delete(ctx)
	}

	return errors.Newf("unknown command %q", command)
}

func connect(ctx context.Context, f flags) (*firelite.Connection, error) {
	cfg, err := firelite.LoadConfig(f.configPath)
	if err != nil {
		return nil, err
	}

	if f.projectID != "" {
		cfg.ProjectID = f.projectID
	}

	if f.databaseID != "" {
		cfg.DatabaseID = f.databaseID
	}

	if f.emulator != "" {
		cfg.EmulatorHost = f.emulator
	}

	level := slog.LevelWarn
	if f.verbose {
		level = slog.LevelDebug
	}

	cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	return firelite.ConnectWithConfig(ctx, cfg)
}

// apply the filter, order and limit flags
func buildQuery(query firelite.Query, f flags) (firelite.Query, error) {
	for _, clause := range f.where {
		parts := strings.SplitN(strings.TrimSpace(clause), " ", 3)
		if len(parts) != 3 {
			return query, errors.Newf("invalid --where %q: want \"field op value\"", clause)
		}

		query = query.Where(parts[0], parts[1], parseValue(parts[2]))
	}

	for _, key := range f.orderBy {
		field, dir, _ := strings.Cut(key, ":")
		direction := firelite.Asc

		switch strings.ToLower(dir) {
		case "", "asc":
		case "desc":
			direction = firelite.Desc
		default:
			return query, errors.Newf("invalid --order-by %q: direction must be asc or desc", key)
		}

		query = query.OrderBy(field, direction)
	}

	if f.limit > 0 {
		query = query.Limit(f.limit)
	}

	if f.last > 0 {
		query = query.LimitToLast(f.last)
	}

	if len(f.selectOnly) > 0 {
		query = query.Select(f.selectOnly...)
	}

	return query, nil
}

// JSON literals keep their type; anything else is a string
func parseValue(raw string) interface{} {
	var value interface{}
	if err := jsoniter.UnmarshalFromString(raw, &value); err != nil {
		return raw
	}

	return value
}

func printDocs(out io.Writer, docs []*firelite.DocumentSnapshot) error {
	type document struct {
		Path       string                 `json:"path"`
		UpdateTime string                 `json:"update_time,omitempty"`
		Data       map[string]interface{} `json:"data"`
	}

	printable := make([]document, len(docs))
	for i, snap := range docs {
		printable[i] = document{Path: snap.Ref.Path(), Data: printableData(snap.Data())}
		if !snap.UpdateTime.IsZero() && snap.Exists() {
			printable[i].UpdateTime = snap.UpdateTime.Format("2006-01-02T15:04:05.000000Z07:00")
		}
	}

	encoded, err := outputJSON.MarshalIndent(printable, "", "  ")
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(out, string(encoded))
	return err
}

// references print as their path
func printableData(v interface{}) map[string]interface{} {
	m, _ := convert(v).(map[string]interface{})
	return m
}

func convert(v interface{}) interface{} {
	switch x := v.(type) {
	case *firelite.DocumentRef:
		return x.Path()
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			out[k] = convert(e)
		}

		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = convert(e)
		}

		return out
	}

	return v
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `firelite - read and delete documents from the command line.

Usage:
  firelite [flags] get <document-path>
  firelite [flags] list <collection-path>
  firelite [flags] query <collection-path>
  firelite [flags] count <collection-path>
  firelite [flags] delete <document-path>

Examples:
  firelite --project demo get users/alice
  firelite --emulator localhost:8080 --project demo query users -w "age >= 18" -o age:desc -n 10

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
