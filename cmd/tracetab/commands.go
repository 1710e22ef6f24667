package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/tracetab/tracetab/internal/analysis"
	"github.com/tracetab/tracetab/internal/engine"
	"github.com/tracetab/tracetab/internal/sqlview"
	"github.com/tracetab/tracetab/pkg/types"
)

// errUsage reports bad arguments after the usage text has been printed.
var errUsage = stderrors.New("usage")

func newFlagSet(env *cliEnv, name, args string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	fs.Usage = func() {
		fmt.Fprintf(env.stderr, "Usage: tracetab %s [options] %s\n", name, args)
		fs.PrintDefaults()
	}
	return fs
}

// parse parses args and requires exactly n positional arguments.
func parse(fs *flag.FlagSet, args []string, n int) error {
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return err
		}
		return errUsage
	}
	if fs.NArg() != n {
		fs.Usage()
		return errUsage
	}
	return nil
}

// loadTable loads path and returns a copy of the table. A truncated trace
// still yields a table; the warning goes to stderr.
func loadTable(ctx context.Context, env *cliEnv, path string) (*engine.LoadResult, types.Table, error) {
	res, err := env.app.Engine().Load(ctx, path)
	env.app.Stats().Record(path, res, err)
	if err != nil {
		return nil, types.Table{}, err
	}
	if res.Warning != nil {
		fmt.Fprintf(env.stderr, "warning: %v\n", res.Warning)
	}
	t, err := env.app.Engine().Data()
	if err != nil {
		return nil, types.Table{}, err
	}
	return res, t, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdLoad(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet(env, "load", "<trace>")
	asJSON := fs.Bool("json", false, "Print the result as JSON")
	if err := parse(fs, args, 1); err != nil {
		return err
	}

	res, _, err := loadTable(ctx, env, fs.Arg(0))
	if err != nil {
		return err
	}
	if *asJSON {
		out := map[string]interface{}{
			"load_id":     res.LoadID,
			"path":        res.Path,
			"rows":        res.Rows,
			"width":       res.Width,
			"stop":        res.Stop.String(),
			"duration_ms": res.Duration.Milliseconds(),
			"truncated":   res.Truncated(),
		}
		return writeJSON(env.stdout, out)
	}
	fmt.Fprintf(env.stdout, "%s: %d rows x %d fields, stop=%s, %v\n",
		res.Path, res.Rows, res.Width, res.Stop, res.Duration)
	return nil
}

func cmdDump(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet(env, "dump", "<trace>")
	format := fs.String("format", "csv", "Output format: csv or bin (little-endian int64 matrix)")
	limit := fs.Int("limit", 0, "Write at most this many rows (csv only), 0 for all")
	out := fs.String("o", "", "Output file (default stdout)")
	if err := parse(fs, args, 1); err != nil {
		return err
	}
	if *format != "csv" && *format != "bin" {
		return fmt.Errorf("unknown format %q", *format)
	}

	_, t, err := loadTable(ctx, env, fs.Arg(0))
	if err != nil {
		return err
	}

	w := env.stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	if *format == "bin" {
		_, err := w.Write(t.MarshalBinary())
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(t.Layout().ColumnNames()); err != nil {
		return err
	}
	n := t.Rows()
	if *limit > 0 && *limit < n {
		n = *limit
	}
	rec := make([]string, t.Width())
	for i := 0; i < n; i++ {
		for f, v := range t.Row(i) {
			rec[f] = strconv.FormatInt(v, 10)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func cmdStats(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet(env, "stats", "<trace>")
	top := fs.Int("top", 10, "Number of event codes to list, 0 for all")
	if err := parse(fs, args, 1); err != nil {
		return err
	}

	_, t, err := loadTable(ctx, env, fs.Arg(0))
	if err != nil {
		return err
	}
	return writeJSON(env.stdout, struct {
		Summary  analysis.Summary `json:"summary"`
		TopCodes []analysis.Count `json:"top_codes"`
		CPUs     []analysis.Count `json:"cpus"`
	}{
		Summary:  analysis.Summarize(t),
		TopCodes: analysis.Top(analysis.CodeCounts(t), *top),
		CPUs:     analysis.CPUCounts(t),
	})
}

func cmdIntervals(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet(env, "intervals", "<trace>")
	code := fs.Int64("code", -1, "Event code (required)")
	asCSV := fs.Bool("csv", false, "Write Thread,Function,Start,Finish,Duration,Depth CSV")
	if err := parse(fs, args, 1); err != nil {
		return err
	}
	if *code < 0 {
		fs.Usage()
		return errUsage
	}

	_, t, err := loadTable(ctx, env, fs.Arg(0))
	if err != nil {
		return err
	}
	intervals := analysis.Intervals(t, *code)
	analysis.AssignDepth(intervals)

	if *asCSV {
		return analysis.WriteCSV(env.stdout, intervals)
	}
	if intervals == nil {
		intervals = []analysis.Interval{}
	}
	return writeJSON(env.stdout, intervals)
}

func cmdQuery(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet(env, "query", "<trace> <sql>")
	if err := parse(fs, args, 2); err != nil {
		return err
	}

	_, t, err := loadTable(ctx, env, fs.Arg(0))
	if err != nil {
		return err
	}
	v, err := sqlview.Open(ctx, t, sqlview.WithMaxRows(env.cfg.SQL.MaxResultRows))
	if err != nil {
		return err
	}
	defer v.Close()

	res, err := v.Query(ctx, fs.Arg(1))
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
	for i, c := range res.Columns {
		if i > 0 {
			fmt.Fprint(tw, "\t")
		}
		fmt.Fprint(tw, c)
	}
	fmt.Fprintln(tw)
	for _, row := range res.Rows {
		for i, val := range row {
			if i > 0 {
				fmt.Fprint(tw, "\t")
			}
			fmt.Fprint(tw, val)
		}
		fmt.Fprintln(tw)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if res.Truncated {
		fmt.Fprintf(env.stderr, "warning: result truncated to %d rows\n", len(res.Rows))
	}
	return nil
}

func cmdList(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet(env, "ls", "<store://prefix | s3://bucket/prefix>")
	if err := parse(fs, args, 1); err != nil {
		return err
	}
	paths, err := env.app.Resolver().List(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Fprintln(env.stdout, p)
	}
	return nil
}

func cmdPut(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet(env, "put", "<local file> <store://key | s3://bucket/key>")
	if err := parse(fs, args, 2); err != nil {
		return err
	}
	return env.app.Resolver().Put(ctx, fs.Arg(0), fs.Arg(1))
}

func cmdServe(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet(env, "serve", "")
	httpAddr := fs.String("http", "", "HTTP listen address")
	grpcAddr := fs.String("grpc", "", "gRPC listen address")
	noGRPC := fs.Bool("no-grpc", false, "Disable the gRPC server")
	preload := fs.String("load", "", "Trace to load before serving")
	if err := parse(fs, args, 0); err != nil {
		return err
	}
	if *httpAddr != "" {
		env.cfg.HTTP.Addr = *httpAddr
	}
	if *grpcAddr != "" {
		env.cfg.GRPC.Addr = *grpcAddr
	}
	if *noGRPC {
		env.cfg.GRPC.Enabled = false
	}

	if *preload != "" {
		if _, _, err := loadTable(ctx, env, *preload); err != nil {
			return err
		}
	}
	if err := env.app.Start(ctx); err != nil {
		return err
	}
	return env.app.WaitForShutdown(ctx)
}

func cmdVersion(ctx context.Context, env *cliEnv, args []string) error {
	fmt.Fprintf(env.stdout, "tracetab version %s (commit: %s)\n", version, commit)
	return nil
}
