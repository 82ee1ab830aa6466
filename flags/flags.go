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

package flags

import (
	"fmt"
	"strconv"
	"time"

	"github.com/alecthomas/kong"

	"github.com/hotstack-dev/hotstack/pkg/aggregate"
)

// Parse parses the command line. The returned command selects the subcommand
// to run, as reported by kong (e.g. "instruments <path>").
func Parse() (Flags, string) {
	flags := Flags{}
	ctx := kong.Parse(&flags,
		kong.Name("hotstack"),
		kong.Description("Reduce CPU-sampling profiler traces to ranked per-function hot spots."),
		kong.Vars{
			"default_top":        strconv.Itoa(aggregate.DefaultTopN),
			"default_prune":      strconv.FormatFloat(aggregate.DefaultPruneThreshold, 'f', -1, 64),
			"default_min_weight": aggregate.DefaultMinWeight.String(),
		})
	return flags, ctx.Command()
}

type Flags struct {
	Log     FlagsLogs `embed:""                          prefix:"log-"`
	Version bool      `help:"Show application version."`

	Instruments FlagsInstruments `cmd:"" help:"Analyze a deduplicated XML sample table exported from Instruments."`
	Ktrace      FlagsKtrace      `cmd:"" help:"Analyze a kdebug-style event-trace text dump."`
	Events      FlagsEvents      `cmd:"" help:"Check a compiler -trace-stats-events CSV for balanced entry/exit events."`
}

type FlagsLogs struct {
	Level  string `enum:"error,warn,info,debug" default:"info"   help:"Log level."`
	Format string `enum:"logfmt,json"           default:"logfmt" help:"Configure structured logging as logfmt or JSON."`
}

// FlagsAggregation tunes the hot-spot ranking shared by the trace
// subcommands.
type FlagsAggregation struct {
	Weight    bool          `help:"Rank functions by sampled time instead of sample counts."`
	Top       int           `default:"${default_top}"        help:"Number of ranked functions to report."`
	Prune     float64       `default:"${default_prune}"      help:"Suppress a function when a single callee accounts for at least this percentage of its samples."`
	MinWeight time.Duration `default:"${default_min_weight}" help:"Weight assigned to the first sample observed on a thread."`
}

// Config translates the flags into an aggregator configuration.
func (f FlagsAggregation) Config() aggregate.Config {
	mode := aggregate.SampleFrequency
	if f.Weight {
		mode = aggregate.TimeWeighted
	}
	return aggregate.Config{
		Mode:           mode,
		TopN:           f.Top,
		PruneThreshold: f.Prune,
		MinWeight:      f.MinWeight,
	}
}

type FlagsOutput struct {
	CSV   string `default:"-" help:"File to write the hot-spot CSV to, - for stdout."`
	Pprof string `help:"Optionally also write a gzipped pprof profile to this file."`
}

type FlagsInstruments struct {
	Path        string `arg:""      help:"Path to the exported XML sample table."`
	Process     string `required:"" help:"Process to keep: a name prefix, or a PID when numeric."`
	Symbolicate bool   `help:"Resolve raw addresses with atos before ranking."`

	Aggregation FlagsAggregation `embed:""`
	Output      FlagsOutput      `embed:"" prefix:"output-"`
}

type FlagsKtrace struct {
	Path          string        `arg:""           help:"Path to the trace dump, .gz accepted."`
	SubjectPrefix string        `default:"swift"  help:"Keep only samples whose subject label starts with this prefix."`
	Tick          time.Duration `default:"1us"    help:"Duration of one trace clock tick."`

	Aggregation FlagsAggregation `embed:""`
	Output      FlagsOutput      `embed:"" prefix:"output-"`
}

type FlagsEvents struct {
	Path string `arg:"" help:"Path to the -trace-stats-events CSV."`
}

// Check rejects flag values kong cannot express as enum constraints.
func (f FlagsAggregation) Check() error {
	if f.Prune <= 0 || f.Prune > 100 {
		return fmt.Errorf("invalid argument for --prune: %v is not a percentage in (0, 100]", f.Prune)
	}
	if f.Top < 0 {
		return fmt.Errorf("invalid argument for --top: %d is negative", f.Top)
	}
	return nil
}
