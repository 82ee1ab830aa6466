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

// Package ktrace reconstructs sampled-profile records from the comma-delimited
// event-trace text dump.
//
// The dump is a header section terminated by a marker line, one metadata line
// carrying the trace-start tick count, and then one comma-delimited row per
// trace event. A sampled-profile record spans several rows: a header row
// carries the subject process, thread, weight and the innermost frame, and
// continuation rows carry the rest of the stack, correlated to the header row
// by the correlation-key column. Column positions are a versioned wire-format
// contract of the external trace tool and are fixed constants here.
package ktrace

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hotstack-dev/hotstack/pkg/profile"
)

const (
	headerEndMarker  = "*** END HEADER ***"
	traceStartPrefix = "Trace Start:"

	kindSample = "PERF_THD_Sample"
	kindData   = "PERF_THD_Data"

	// DefaultSubjectPrefix selects the toolchain whose processes are sampled.
	DefaultSubjectPrefix = "swift"
)

// Fixed column positions, wire-format contract v1 of the trace-dump tool.
const (
	colKind    = 0
	colTime    = 1
	colKey     = 2
	colSubject = 3
	colTID     = 4
	colCount   = 5
	colFrame   = 6
)

var (
	// ErrNoTraceStart is returned when the metadata line does not carry the
	// trace start tick count; without it no time base can be established.
	ErrNoTraceStart = errors.New("trace-start metadata not found")
	// ErrNoHeader is returned when the dump ends before the end-of-header
	// marker line.
	ErrNoHeader = errors.New("end-of-header marker not found")
)

// Trace is the outcome of reading one event dump.
type Trace struct {
	StartTicks uint64
	Samples    []profile.ProfileSample
}

// Options configure a read. The zero value selects the default subject prefix.
type Options struct {
	// SubjectPrefix restricts sampled-profile records to subject labels
	// starting with this prefix. Empty means DefaultSubjectPrefix.
	SubjectPrefix string
}

type state int

const (
	stateBeforeHeader state = iota
	stateNeedMeta
	stateScanning
)

type metrics struct {
	samples *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		samples: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ktrace_samples_total",
			Help: "Total number of reconstructed profile samples by outcome.",
		}, []string{"result"}),
	}
}

type reader struct {
	logger  log.Logger
	metrics *metrics
	prefix  string

	state   state
	start   uint64
	hasMeta bool

	pending    *profile.ProfileSample
	pendingKey string

	samples []profile.ProfileSample
}

// ReadFile reads an event dump from path, transparently decompressing
// gzip-compressed dumps.
func ReadFile(logger log.Logger, reg prometheus.Registerer, path string, opts Options) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace dump: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open gzip trace dump: %w", err)
		}
		defer gz.Close()
		r = gz
	}
	return Read(logger, reg, r, opts)
}

// Read consumes the whole dump from r. A missing trace-start metadata field is
// fatal; malformed individual rows only reset the correlation state.
func Read(logger log.Logger, reg prometheus.Registerer, r io.Reader, opts Options) (*Trace, error) {
	prefix := opts.SubjectPrefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	rd := &reader{
		logger:  logger,
		metrics: newMetrics(reg),
		prefix:  prefix,
	}

	scanner := bufio.NewScanner(r)
	// Stack rows can be long; the default token limit is too small.
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := rd.line(scanner.Text()); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trace dump: %w", err)
	}
	switch rd.state {
	case stateBeforeHeader:
		return nil, ErrNoHeader
	case stateNeedMeta:
		return nil, ErrNoTraceStart
	}
	rd.flush()

	return &Trace{StartTicks: rd.start, Samples: rd.samples}, nil
}

func (rd *reader) line(text string) error {
	switch rd.state {
	case stateBeforeHeader:
		if strings.Contains(text, headerEndMarker) {
			rd.state = stateNeedMeta
		}
	case stateNeedMeta:
		for _, field := range strings.Split(text, ",") {
			field = strings.Trim(field, " \t")
			if rest, ok := strings.CutPrefix(field, traceStartPrefix); ok {
				start, err := strconv.ParseUint(strings.Trim(rest, " \t"), 10, 64)
				if err != nil {
					return fmt.Errorf("parse trace start %q: %w", rest, err)
				}
				rd.start = start
				rd.hasMeta = true
			}
		}
		if !rd.hasMeta {
			return ErrNoTraceStart
		}
		rd.state = stateScanning
	case stateScanning:
		rd.scanRow(splitColumns(text))
	}
	return nil
}

func splitColumns(text string) []string {
	cols := strings.Split(text, ",")
	for i := range cols {
		cols[i] = strings.Trim(cols[i], " \t")
	}
	return cols
}

func (rd *reader) scanRow(cols []string) {
	if len(cols) == 0 {
		return
	}
	switch cols[colKind] {
	case kindSample:
		// A new record always finalizes the record before it.
		rd.flush()
		rd.beginSample(cols)
	case kindData:
		rd.continueSample(cols)
	default:
		// Unrelated trace events interleave freely with profile records.
	}
}

func (rd *reader) beginSample(cols []string) {
	if len(cols) <= colFrame {
		rd.malformed()
		return
	}
	subject := cols[colSubject]
	if !strings.HasPrefix(subject, rd.prefix) {
		return
	}

	timeOffset, err := strconv.ParseUint(cols[colTime], 10, 64)
	if err != nil {
		rd.malformed()
		return
	}
	tid, err := strconv.ParseUint(cols[colTID], 10, 64)
	if err != nil {
		rd.malformed()
		return
	}
	count, err := strconv.ParseInt(cols[colCount], 10, 64)
	if err != nil {
		rd.malformed()
		return
	}
	program, pid := parseSubject(subject)

	s := profile.ProfileSample{
		TimeOffset: timeOffset,
		Program:    program,
		PID:        pid,
		TID:        tid,
		Count:      count,
	}
	if frame := cols[colFrame]; frame != "" {
		s.Stack = append(s.Stack, frame)
	}
	rd.pending = &s
	rd.pendingKey = cols[colKey]
}

func (rd *reader) continueSample(cols []string) {
	if rd.pending == nil {
		return
	}
	if len(cols) <= colFrame || cols[colKey] != rd.pendingKey {
		// The continuation belongs to a record we never saw the header of, or
		// the dump is interleaved in a way we cannot reassemble. The pending
		// record is incomplete and is dropped rather than emitted short.
		rd.drop()
		return
	}
	for i, frame := range cols[colFrame:] {
		if frame == "" {
			continue
		}
		// The trace tool repeats the originating row's last frame at the start
		// of a continuation; keep only one copy.
		if i == 0 && len(rd.pending.Stack) > 0 && rd.pending.Stack[len(rd.pending.Stack)-1] == frame {
			continue
		}
		rd.pending.Stack = append(rd.pending.Stack, frame)
	}
}

func (rd *reader) flush() {
	if rd.pending == nil {
		return
	}
	rd.samples = append(rd.samples, *rd.pending)
	rd.metrics.samples.WithLabelValues("emitted").Inc()
	rd.pending = nil
	rd.pendingKey = ""
}

func (rd *reader) drop() {
	if rd.pending == nil {
		return
	}
	level.Debug(rd.logger).Log("msg", "dropping uncorrelated pending sample", "program", rd.pending.Program, "tid", rd.pending.TID)
	rd.metrics.samples.WithLabelValues("dropped").Inc()
	rd.pending = nil
	rd.pendingKey = ""
}

func (rd *reader) malformed() {
	rd.metrics.samples.WithLabelValues("malformed").Inc()
	rd.drop()
}

// parseSubject splits a subject label of the form "name(pid)". Labels without
// a pid keep the whole label as the program name.
func parseSubject(subject string) (string, int) {
	open := strings.LastIndexByte(subject, '(')
	if open < 0 || !strings.HasSuffix(subject, ")") {
		return subject, -1
	}
	pid, err := strconv.Atoi(subject[open+1 : len(subject)-1])
	if err != nil {
		return subject, -1
	}
	return subject[:open], pid
}
