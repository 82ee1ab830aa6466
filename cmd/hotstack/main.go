// Copyright 2024 The Hotstack Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hotstack-dev/hotstack/flags"
	"github.com/hotstack-dev/hotstack/pkg/aggregate"
	"github.com/hotstack-dev/hotstack/pkg/convert"
	"github.com/hotstack-dev/hotstack/pkg/eventtrace"
	"github.com/hotstack-dev/hotstack/pkg/instruments"
	"github.com/hotstack-dev/hotstack/pkg/ktrace"
	"github.com/hotstack-dev/hotstack/pkg/logger"
	"github.com/hotstack-dev/hotstack/pkg/symbolize"
)

var (
	version string
	commit  string
	date    string
)

func main() {
	f, cmd := flags.Parse()

	if f.Version {
		fmt.Printf("hotstack, version %s (commit: %s, date: %s)\n", version, commit, date)
		os.Exit(0)
	}

	logger := logger.NewLogger(f.Log.Level, f.Log.Format, "hotstack")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx := context.Background()

	var err error
	switch cmd {
	case "instruments <path>":
		err = runInstruments(ctx, logger, reg, f.Instruments)
	case "ktrace <path>":
		err = runKtrace(ctx, logger, reg, f.Ktrace)
	case "events <path>":
		err = runEvents(f.Events)
	default:
		err = fmt.Errorf("unknown command: %s", cmd)
	}
	if err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}

func runInstruments(ctx context.Context, logger log.Logger, reg *prometheus.Registry, f flags.FlagsInstruments) error {
	if err := f.Aggregation.Check(); err != nil {
		return err
	}

	in, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("open sample table: %w", err)
	}
	defer in.Close()
	if st, err := in.Stat(); err == nil {
		level.Debug(logger).Log("msg", "reading sample table", "path", f.Path, "size", humanize.Bytes(uint64(st.Size())))
	}

	res, err := instruments.NewParser(logger, reg, processFilter(f.Process)).Parse(in)
	if err != nil {
		return fmt.Errorf("parse sample table: %w", err)
	}

	samples := aggregate.FromTable(res.Table, res.Samples)
	agg := aggregate.New(f.Aggregation.Config())
	for _, s := range samples {
		agg.Add(s)
	}

	var sym aggregate.Symbolizer
	if f.Symbolicate {
		sym = symbolize.NewAtos(logger, reg)
	}
	agg.Coalesce(ctx, sym)

	rows := agg.Rank()
	if err := writeOutputs(f.Output, rows, samples, f.Aggregation.MinWeight); err != nil {
		return err
	}

	level.Info(logger).Log("msg", "analysis complete",
		"samples", humanize.Comma(int64(len(samples))),
		"functions", len(rows))
	return nil
}

func runKtrace(ctx context.Context, logger log.Logger, reg *prometheus.Registry, f flags.FlagsKtrace) error {
	if err := f.Aggregation.Check(); err != nil {
		return err
	}

	tr, err := ktrace.ReadFile(logger, reg, f.Path, ktrace.Options{SubjectPrefix: f.SubjectPrefix})
	if err != nil {
		return fmt.Errorf("read event dump: %w", err)
	}

	samples := aggregate.FromProfileSamples(tr.Samples, f.Tick)
	agg := aggregate.New(f.Aggregation.Config())
	for _, s := range samples {
		agg.Add(s)
	}
	agg.Coalesce(ctx, nil)

	rows := agg.Rank()
	if err := writeOutputs(f.Output, rows, samples, f.Aggregation.MinWeight); err != nil {
		return err
	}

	level.Info(logger).Log("msg", "analysis complete",
		"trace_start_ticks", tr.StartTicks,
		"samples", humanize.Comma(int64(len(samples))),
		"functions", len(rows))
	return nil
}

func runEvents(f flags.FlagsEvents) error {
	rep, err := eventtrace.CheckFile(f.Path)
	if err != nil {
		return err
	}
	return rep.Format(os.Stdout)
}

// processFilter interprets the --process argument: a plain number selects by
// PID, anything else matches process names by prefix.
func processFilter(arg string) instruments.ProcessFilter {
	if pid, err := strconv.Atoi(arg); err == nil {
		return instruments.ProcessWithPID(pid)
	}
	return instruments.ProcessNamed(arg)
}

func writeOutputs(out flags.FlagsOutput, rows []aggregate.Row, samples []aggregate.Sample, period time.Duration) error {
	w := os.Stdout
	if out.CSV != "-" {
		f, err := os.Create(out.CSV)
		if err != nil {
			return fmt.Errorf("create csv output: %w", err)
		}
		defer f.Close()
		w = f
	}
	if err := aggregate.WriteCSV(w, rows); err != nil {
		return fmt.Errorf("write csv output: %w", err)
	}

	if out.Pprof == "" {
		return nil
	}
	f, err := os.Create(out.Pprof)
	if err != nil {
		return fmt.Errorf("create pprof output: %w", err)
	}
	defer f.Close()
	if err := convert.WritePprof(f, samples, period); err != nil {
		return fmt.Errorf("write pprof output: %w", err)
	}
	return nil
}
