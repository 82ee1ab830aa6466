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

// Package instruments parses the deduplicated XML sample table exported by the
// macOS profiler into a sequence of profile.Samples.
//
// The document is a root element containing one table node whose children are
// <row> elements. A row holds at most one each of <sample-time>, <thread>,
// <process>, <core>, <thread-state>, <weight>, and either a <backtrace> (with
// ordered <frame> children, each optionally nesting <binary> and <source>) or
// a <sentinel> marking that no backtrace was captured. Scalar elements carry
// their value as text and a human-readable rendering in the "fmt" attribute;
// <thread> nests <tid> and its owning <process>, <process> nests <pid>.
//
// Any element may carry an "id" attribute, defining it for the rest of the
// document, or a "ref" attribute reusing an earlier definition. The parser
// consumes the document as a pull-token stream and never materializes a tree:
// scalar definitions are cached for the lifetime of the parse, while frames,
// backtraces, binaries and source locations are staged per row and committed
// only when the row is finalized and its process passes the filter. Rows
// belonging to rejected processes are discarded together with everything they
// staged, which is what keeps memory bounded when a large trace is restricted
// to a single process.
package instruments

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hotstack-dev/hotstack/pkg/profile"
)

const (
	elemRow         = "row"
	elemSampleTime  = "sample-time"
	elemWeight      = "weight"
	elemThread      = "thread"
	elemProcess     = "process"
	elemCore        = "core"
	elemThreadState = "thread-state"
	elemBacktrace   = "backtrace"
	elemFrame       = "frame"
	elemBinary      = "binary"
	elemSource      = "source"
	elemSentinel    = "sentinel"
	elemTID         = "tid"
	elemPID         = "pid"
)

// Result is the outcome of one parse: the entity table and the ordered
// samples that survived filtering.
type Result struct {
	Table   *profile.Table
	Samples []profile.Sample
}

// Parser reconstructs the shared object graph of one sample-table document.
// It is single-use: one document per Parser.
type Parser struct {
	logger  log.Logger
	metrics *metrics
	filter  ProcessFilter

	table *profile.Table

	// Scalar definitions are cheap and always retained.
	times   map[string]profile.SampleTime
	weights map[string]profile.Weight
	procs   map[string]profile.ProcessHandle
	threads map[string]profile.ThreadHandle
	cores   map[string]profile.CoreHandle
	states  map[string]profile.StateHandle

	// Large-object definitions committed by accepted rows.
	binaries   map[string]profile.BinaryHandle
	sources    map[string]profile.SourceHandle
	frames     map[string]profile.FrameHandle
	backtraces map[string]profile.BacktraceHandle

	// Definitions staged by the row currently being assembled.
	pendingBinaries   map[string]profile.BinaryHandle
	pendingSources    map[string]profile.SourceHandle
	pendingFrames     map[string]profile.FrameHandle
	pendingBacktraces map[string]profile.BacktraceHandle

	mark  profile.Mark
	row   rowState
	inRow bool

	stack   []*node
	samples []profile.Sample
}

type rowState struct {
	time        profile.SampleTime
	hasTime     bool
	weight      profile.Weight
	hasWeight   bool
	thread      profile.ThreadHandle
	process     profile.ProcessHandle
	core        profile.CoreHandle
	state       profile.StateHandle
	backtrace   profile.BacktraceHandle
	sawSentinel bool
}

// node is the assembly buffer for one open element.
type node struct {
	name string
	id   string

	// Set when a ref attribute resolved; the node then delivers the cached
	// object and accumulates nothing.
	resolved bool
	// Set when a ref attribute failed to resolve; the node delivers nothing.
	dangling bool

	fmtAttr  string
	nameAttr string
	addrAttr string
	uuidAttr string
	archAttr string
	loadAttr string
	pathAttr string
	lineAttr string

	text []byte

	// Resolved or freshly built values delivered by this node or its children.
	timeVal   profile.SampleTime
	weightVal profile.Weight
	frames    []profile.FrameHandle
	binary    profile.BinaryHandle
	source    profile.SourceHandle
	process   profile.ProcessHandle
	thread    profile.ThreadHandle
	core      profile.CoreHandle
	state     profile.StateHandle
	tid       uint64
	hasTID    bool
	pid       int
	hasPID    bool
}

func newNode(name string) *node {
	return &node{
		name:    name,
		binary:  profile.NoBinary,
		source:  profile.NoSource,
		process: profile.NoProcess,
		thread:  profile.NoThread,
		core:    profile.NoCore,
		state:   profile.NoState,
	}
}

// NewParser returns a parser emitting only samples whose process passes
// filter; a nil filter accepts every process.
func NewParser(logger log.Logger, reg prometheus.Registerer, filter ProcessFilter) *Parser {
	return &Parser{
		logger:  logger,
		metrics: newMetrics(reg),
		filter:  filter,
		table:   profile.NewTable(),

		times:   map[string]profile.SampleTime{},
		weights: map[string]profile.Weight{},
		procs:   map[string]profile.ProcessHandle{},
		threads: map[string]profile.ThreadHandle{},
		cores:   map[string]profile.CoreHandle{},
		states:  map[string]profile.StateHandle{},

		binaries:   map[string]profile.BinaryHandle{},
		sources:    map[string]profile.SourceHandle{},
		frames:     map[string]profile.FrameHandle{},
		backtraces: map[string]profile.BacktraceHandle{},

		pendingBinaries:   map[string]profile.BinaryHandle{},
		pendingSources:    map[string]profile.SourceHandle{},
		pendingFrames:     map[string]profile.FrameHandle{},
		pendingBacktraces: map[string]profile.BacktraceHandle{},
	}
}

// Parse consumes the whole document from r. Structural document errors are
// fatal; individual malformed rows are dropped.
func (p *Parser) Parse(r io.Reader) (*Result, error) {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read sample table: %w", err)
		}
		if err := p.consume(tok); err != nil {
			return nil, err
		}
	}
	return p.Result(), nil
}

// Result returns what has been assembled so far. Useful after feeding tokens
// directly in tests; Parse calls it for the caller.
func (p *Parser) Result() *Result {
	return &Result{Table: p.table, Samples: p.samples}
}

// consume advances the parser by one token. It is the whole state machine:
// tests feed it synthetic token sequences without a decoder.
func (p *Parser) consume(tok xml.Token) error {
	switch t := tok.(type) {
	case xml.StartElement:
		p.startElement(t)
	case xml.CharData:
		if n := p.top(); n != nil && !n.resolved {
			n.text = append(n.text, t...)
		}
	case xml.EndElement:
		p.endElement()
	}
	return nil
}

func (p *Parser) top() *node {
	if len(p.stack) == 0 {
		return nil
	}
	return p.stack[len(p.stack)-1]
}

func (p *Parser) startElement(t xml.StartElement) {
	name := t.Name.Local
	if name == elemRow {
		p.beginRow()
	}

	n := newNode(name)
	var ref string
	for _, a := range t.Attr {
		switch a.Name.Local {
		case "id":
			n.id = a.Value
		case "ref":
			ref = a.Value
		case "fmt":
			n.fmtAttr = a.Value
		case "name":
			n.nameAttr = a.Value
		case "addr":
			n.addrAttr = a.Value
		case "UUID":
			n.uuidAttr = a.Value
		case "arch":
			n.archAttr = a.Value
		case "load-addr":
			n.loadAttr = a.Value
		case "path":
			n.pathAttr = a.Value
		case "line":
			n.lineAttr = a.Value
		}
	}
	if ref != "" {
		p.resolveRef(n, ref)
	}
	p.stack = append(p.stack, n)
}

// resolveRef reuses an earlier definition, establishing sharing: no new entity
// is allocated and downstream handle comparisons see one identity. A ref to an
// id that was never defined (or whose definition was discarded with a filtered
// row) marks the node dangling; it delivers nothing, and a row that ends up
// missing a required field because of it is dropped like any malformed row.
func (p *Parser) resolveRef(n *node, ref string) {
	switch n.name {
	case elemSampleTime:
		if v, ok := p.times[ref]; ok {
			n.timeVal, n.resolved = v, true
		}
	case elemWeight:
		if v, ok := p.weights[ref]; ok {
			n.weightVal, n.resolved = v, true
		}
	case elemProcess:
		if h, ok := p.procs[ref]; ok {
			n.process, n.resolved = h, true
		}
	case elemThread:
		if h, ok := p.threads[ref]; ok {
			n.thread, n.resolved = h, true
		}
	case elemCore:
		if h, ok := p.cores[ref]; ok {
			n.core, n.resolved = h, true
		}
	case elemThreadState:
		if h, ok := p.states[ref]; ok {
			n.state, n.resolved = h, true
		}
	case elemBinary:
		if h, ok := p.lookupBinary(ref); ok {
			n.binary, n.resolved = h, true
		}
	case elemSource:
		if h, ok := p.lookupSource(ref); ok {
			n.source, n.resolved = h, true
		}
	case elemFrame:
		if h, ok := p.lookupFrame(ref); ok {
			n.frames = append(n.frames, h)
			n.resolved = true
		}
	case elemBacktrace:
		if h, ok := p.lookupBacktrace(ref); ok {
			n.frames = p.table.Backtrace(h)
			n.resolved = true
			if p.inRow {
				p.row.backtrace = h
			}
		}
	}
	if n.resolved {
		p.metrics.refs.WithLabelValues("resolved").Inc()
	} else {
		n.dangling = true
		p.metrics.refs.WithLabelValues("dangling").Inc()
		level.Debug(p.logger).Log("msg", "dangling ref", "elem", n.name, "ref", ref)
	}
}

func (p *Parser) lookupBinary(id string) (profile.BinaryHandle, bool) {
	if h, ok := p.pendingBinaries[id]; ok {
		return h, true
	}
	h, ok := p.binaries[id]
	return h, ok
}

func (p *Parser) lookupSource(id string) (profile.SourceHandle, bool) {
	if h, ok := p.pendingSources[id]; ok {
		return h, true
	}
	h, ok := p.sources[id]
	return h, ok
}

func (p *Parser) lookupFrame(id string) (profile.FrameHandle, bool) {
	if h, ok := p.pendingFrames[id]; ok {
		return h, true
	}
	h, ok := p.frames[id]
	return h, ok
}

func (p *Parser) lookupBacktrace(id string) (profile.BacktraceHandle, bool) {
	if h, ok := p.pendingBacktraces[id]; ok {
		return h, true
	}
	h, ok := p.backtraces[id]
	return h, ok
}

func (p *Parser) endElement() {
	n := p.top()
	if n == nil {
		return
	}
	p.stack = p.stack[:len(p.stack)-1]
	parent := p.top()

	if n.name == elemRow {
		p.endRow()
		return
	}
	if n.dangling {
		return
	}
	if !n.resolved {
		p.define(n)
	}
	p.attach(n, parent)
}

// define finalizes a fresh definition: converts accumulated text and
// attributes into the entity, and caches it under its id. Scalar kinds go to
// the permanent caches immediately; large kinds are staged until their row is
// accepted.
func (p *Parser) define(n *node) {
	switch n.name {
	case elemSampleTime:
		ns, err := strconv.ParseInt(string(bytes.TrimSpace(n.text)), 10, 64)
		if err != nil {
			n.dangling = true
			return
		}
		n.timeVal = profile.SampleTime{Nanos: ns, Label: n.fmtAttr}
		if n.id != "" {
			p.times[n.id] = n.timeVal
		}
	case elemWeight:
		ns, err := strconv.ParseInt(string(bytes.TrimSpace(n.text)), 10, 64)
		if err != nil {
			n.dangling = true
			return
		}
		n.weightVal = profile.Weight{Nanos: ns, Label: n.fmtAttr}
		if n.id != "" {
			p.weights[n.id] = n.weightVal
		}
	case elemProcess:
		if !n.hasPID {
			// A process defined without a pid child still names the program.
			n.pid = -1
		}
		n.process = p.table.AddProcess(profile.SampledProcess{Name: n.fmtAttr, PID: n.pid})
		if n.id != "" {
			p.procs[n.id] = n.process
		}
	case elemThread:
		if !n.hasTID {
			n.dangling = true
			return
		}
		n.thread = p.table.AddThread(profile.SampledThread{
			Name:    n.fmtAttr,
			TID:     n.tid,
			Process: n.process,
		})
		if n.id != "" {
			p.threads[n.id] = n.thread
		}
	case elemCore:
		idx, err := strconv.Atoi(string(bytes.TrimSpace(n.text)))
		if err != nil {
			n.dangling = true
			return
		}
		n.core = p.table.AddCore(profile.Core{Index: idx, Name: n.fmtAttr})
		if n.id != "" {
			p.cores[n.id] = n.core
		}
	case elemThreadState:
		n.state = p.table.AddState(string(bytes.TrimSpace(n.text)))
		if n.id != "" {
			p.states[n.id] = n.state
		}
	case elemBinary:
		var load uint64
		if n.loadAttr != "" {
			v, err := parseAddr(n.loadAttr)
			if err != nil {
				n.dangling = true
				return
			}
			load = v
		}
		n.binary = p.table.AddBinary(profile.Binary{
			Name:     n.nameAttr,
			BuildID:  n.uuidAttr,
			Arch:     n.archAttr,
			Path:     n.pathAttr,
			LoadAddr: load,
		})
		if n.id != "" {
			p.pendingBinaries[n.id] = n.binary
		}
	case elemSource:
		line := 0
		if n.lineAttr != "" {
			if v, err := strconv.Atoi(n.lineAttr); err == nil {
				line = v
			}
		}
		n.source = p.table.AddSource(profile.SourceLocation{Path: n.pathAttr, Line: line})
		if n.id != "" {
			p.pendingSources[n.id] = n.source
		}
	case elemFrame:
		var addr uint64
		if n.addrAttr != "" {
			v, err := parseAddr(n.addrAttr)
			if err != nil {
				n.dangling = true
				return
			}
			addr = v
		}
		h := p.table.AddFrame(profile.Frame{
			Name:   n.nameAttr,
			Addr:   addr,
			Binary: n.binary,
			Source: n.source,
		})
		n.frames = append(n.frames[:0], h)
		if n.id != "" {
			p.pendingFrames[n.id] = h
		}
	case elemBacktrace:
		frames := make([]profile.FrameHandle, len(n.frames))
		copy(frames, n.frames)
		h := p.table.AddBacktrace(frames)
		if n.id != "" {
			p.pendingBacktraces[n.id] = h
		}
		if p.inRow {
			p.row.backtrace = h
		}
	case elemTID:
		v, err := parseAddr(string(bytes.TrimSpace(n.text)))
		if err != nil {
			n.dangling = true
			return
		}
		n.tid, n.hasTID = v, true
	case elemPID:
		v, err := strconv.Atoi(string(bytes.TrimSpace(n.text)))
		if err != nil {
			n.dangling = true
			return
		}
		n.pid, n.hasPID = v, true
	case elemSentinel:
		if p.inRow {
			p.row.sawSentinel = true
		}
	}
	if !n.dangling {
		p.metrics.defs.Inc()
	}
}

// attach delivers a finalized child value into its parent's buffer.
func (p *Parser) attach(n, parent *node) {
	if n.dangling {
		return
	}
	switch n.name {
	case elemSampleTime:
		if parent != nil && parent.name == elemRow {
			p.row.time, p.row.hasTime = n.timeVal, true
		}
	case elemWeight:
		if parent != nil && parent.name == elemRow {
			p.row.weight, p.row.hasWeight = n.weightVal, true
		}
	case elemThread:
		if parent != nil && parent.name == elemRow {
			p.row.thread = n.thread
		}
	case elemProcess:
		if parent == nil {
			return
		}
		switch parent.name {
		case elemRow:
			p.row.process = n.process
		case elemThread:
			parent.process = n.process
		}
	case elemCore:
		if parent != nil && parent.name == elemRow {
			p.row.core = n.core
		}
	case elemThreadState:
		if parent != nil && parent.name == elemRow {
			p.row.state = n.state
		}
	case elemFrame:
		if parent != nil && parent.name == elemBacktrace && len(n.frames) > 0 {
			parent.frames = append(parent.frames, n.frames[0])
		}
	case elemBinary:
		if parent != nil && parent.name == elemFrame {
			parent.binary = n.binary
		}
	case elemSource:
		if parent != nil && parent.name == elemFrame {
			parent.source = n.source
		}
	case elemTID:
		if parent != nil && parent.name == elemThread {
			parent.tid, parent.hasTID = n.tid, true
		}
	case elemPID:
		if parent != nil && parent.name == elemProcess {
			parent.pid, parent.hasPID = n.pid, true
		}
	}
}

func (p *Parser) beginRow() {
	p.inRow = true
	p.mark = p.table.Mark()
	p.row = rowState{
		thread:    profile.NoThread,
		process:   profile.NoProcess,
		core:      profile.NoCore,
		state:     profile.NoState,
		backtrace: profile.NoBacktrace,
	}
	clear(p.pendingBinaries)
	clear(p.pendingSources)
	clear(p.pendingFrames)
	clear(p.pendingBacktraces)
}

// endRow finalizes the pending row: validates the five required fields,
// resolves the owning process, applies the filter, and either commits the
// staged large objects or discards them.
func (p *Parser) endRow() {
	if !p.inRow {
		return
	}
	p.inRow = false
	row := p.row

	proc := row.process
	if proc == profile.NoProcess && row.thread != profile.NoThread {
		proc = p.table.Thread(row.thread).Process
	}

	wellFormed := row.hasTime && row.hasWeight &&
		row.thread != profile.NoThread &&
		row.core != profile.NoCore &&
		row.state != profile.NoState &&
		proc != profile.NoProcess
	if !wellFormed {
		p.discardPending()
		p.metrics.rows.WithLabelValues("dropped").Inc()
		return
	}

	if p.filter != nil && !p.filter.Matches(p.table.Process(proc)) {
		p.discardPending()
		p.metrics.rows.WithLabelValues("filtered").Inc()
		return
	}

	backtrace := row.backtrace
	if row.sawSentinel {
		// The sentinel always wins, even when backtrace content was parsed.
		backtrace = profile.NoBacktrace
	}

	p.commitPending()
	p.samples = append(p.samples, profile.Sample{
		Time:      row.time,
		Weight:    row.weight,
		Thread:    row.thread,
		Process:   proc,
		Core:      row.core,
		State:     row.state,
		Backtrace: backtrace,
	})
	p.metrics.rows.WithLabelValues("emitted").Inc()
}

func (p *Parser) discardPending() {
	p.table.Truncate(p.mark)
	clear(p.pendingBinaries)
	clear(p.pendingSources)
	clear(p.pendingFrames)
	clear(p.pendingBacktraces)
}

func (p *Parser) commitPending() {
	for id, h := range p.pendingBinaries {
		p.binaries[id] = h
	}
	for id, h := range p.pendingSources {
		p.sources[id] = h
	}
	for id, h := range p.pendingFrames {
		p.frames[id] = h
	}
	for id, h := range p.pendingBacktraces {
		p.backtraces[id] = h
	}
	clear(p.pendingBinaries)
	clear(p.pendingSources)
	clear(p.pendingFrames)
	clear(p.pendingBacktraces)
}
