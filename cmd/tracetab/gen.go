package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/tracetab/tracetab/internal/source"
	"github.com/tracetab/tracetab/internal/tracefile"
	"github.com/tracetab/tracetab/pkg/types"
)

// genOptions shape a synthetic trace.
type genOptions struct {
	events    int
	maxParams int
	cpus      int
	codes     int
	seed      int64
	wordSize  int
	bigEndian bool
	compress  bool
}

// generate writes a synthetic trace to path. Every event carries at least two
// parameters so that the CPU slot is present; timestamps strictly increase.
func generate(path string, o genOptions) error {
	if o.maxParams < 2 {
		return fmt.Errorf("params must be at least 2, got %d", o.maxParams)
	}
	if o.cpus < 1 || o.codes < 1 {
		return fmt.Errorf("cpus and codes must be positive")
	}

	opts := tracefile.WriterOptions{WordSize: o.wordSize, Compress: o.compress}
	if o.bigEndian {
		opts.ByteOrder = binary.BigEndian
	}
	w, err := tracefile.Create(path, opts)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(o.seed))
	params := make([]uint64, o.maxParams)
	var now uint64
	for i := 0; i < o.events; i++ {
		now += uint64(1 + rng.Intn(1000))
		cpu := uint64(rng.Intn(o.cpus))
		n := 2 + rng.Intn(o.maxParams-1)
		params[0] = uint64(i)
		params[1] = cpu
		for j := 2; j < n; j++ {
			params[j] = uint64(rng.Intn(1 << 16))
		}
		ev := &types.Event{
			Time:     now,
			Code:     uint64(rng.Intn(o.codes)),
			Params:   params[:n],
			ThreadID: 1000 + cpu,
		}
		if err := w.Write(ev); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

func cmdGen(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet(env, "gen", "<output: file | store://key | s3://bucket/key>")
	var o genOptions
	fs.IntVar(&o.events, "events", 10000, "Number of events")
	fs.IntVar(&o.maxParams, "params", 4, "Maximum parameters per event (at least 2)")
	fs.IntVar(&o.cpus, "cpus", 4, "Number of CPUs")
	fs.IntVar(&o.codes, "codes", 16, "Number of distinct event codes")
	fs.Int64Var(&o.seed, "seed", 1, "Random seed")
	fs.IntVar(&o.wordSize, "word", 8, "Word size in bytes: 4 or 8")
	fs.BoolVar(&o.bigEndian, "big-endian", false, "Write a big-endian trace")
	fs.BoolVar(&o.compress, "compress", false, "Wrap the trace in snappy framing")
	if err := parse(fs, args, 1); err != nil {
		return err
	}

	dest := fs.Arg(0)
	loc, err := source.Parse(dest)
	if err != nil {
		return err
	}
	if !loc.Remote() {
		if err := generate(loc.Key, o); err != nil {
			return err
		}
		fmt.Fprintf(env.stdout, "wrote %d events to %s\n", o.events, loc.Key)
		return nil
	}

	tmp, err := os.MkdirTemp(env.cfg.Storage.DownloadDir, "gen-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)
	local := filepath.Join(tmp, filepath.Base(loc.Key))
	if err := generate(local, o); err != nil {
		return err
	}
	if err := env.app.Resolver().Put(ctx, local, dest); err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "wrote %d events to %s\n", o.events, dest)
	return nil
}
