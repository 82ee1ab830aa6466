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

package profile

// Table owns the per-kind arenas all handles index into. It is append-only
// except for Truncate, which discards everything added to the large-object
// arenas since a Mark. Entities are never mutated once added.
type Table struct {
	processes []SampledProcess
	threads   []SampledThread
	cores     []Core
	states    []string

	binaries   []Binary
	sources    []SourceLocation
	frames     []Frame
	backtraces [][]FrameHandle
}

func NewTable() *Table {
	return &Table{}
}

func (t *Table) AddProcess(p SampledProcess) ProcessHandle {
	t.processes = append(t.processes, p)
	return ProcessHandle(len(t.processes) - 1)
}

func (t *Table) AddThread(th SampledThread) ThreadHandle {
	t.threads = append(t.threads, th)
	return ThreadHandle(len(t.threads) - 1)
}

func (t *Table) AddCore(c Core) CoreHandle {
	t.cores = append(t.cores, c)
	return CoreHandle(len(t.cores) - 1)
}

func (t *Table) AddState(s string) StateHandle {
	t.states = append(t.states, s)
	return StateHandle(len(t.states) - 1)
}

func (t *Table) AddBinary(b Binary) BinaryHandle {
	t.binaries = append(t.binaries, b)
	return BinaryHandle(len(t.binaries) - 1)
}

func (t *Table) AddSource(s SourceLocation) SourceHandle {
	t.sources = append(t.sources, s)
	return SourceHandle(len(t.sources) - 1)
}

func (t *Table) AddFrame(f Frame) FrameHandle {
	t.frames = append(t.frames, f)
	return FrameHandle(len(t.frames) - 1)
}

func (t *Table) AddBacktrace(frames []FrameHandle) BacktraceHandle {
	t.backtraces = append(t.backtraces, frames)
	return BacktraceHandle(len(t.backtraces) - 1)
}

func (t *Table) Process(h ProcessHandle) SampledProcess { return t.processes[h] }
func (t *Table) Thread(h ThreadHandle) SampledThread    { return t.threads[h] }
func (t *Table) Core(h CoreHandle) Core                 { return t.cores[h] }
func (t *Table) State(h StateHandle) string             { return t.states[h] }
func (t *Table) Binary(h BinaryHandle) Binary           { return t.binaries[h] }
func (t *Table) Source(h SourceHandle) SourceLocation   { return t.sources[h] }
func (t *Table) Frame(h FrameHandle) Frame              { return t.frames[h] }

// Backtrace returns the frame handles of a backtrace, innermost first. The
// returned slice is owned by the table and must not be modified.
func (t *Table) Backtrace(h BacktraceHandle) []FrameHandle { return t.backtraces[h] }

func (t *Table) NumProcesses() int  { return len(t.processes) }
func (t *Table) NumThreads() int    { return len(t.threads) }
func (t *Table) NumBinaries() int   { return len(t.binaries) }
func (t *Table) NumSources() int    { return len(t.sources) }
func (t *Table) NumFrames() int     { return len(t.frames) }
func (t *Table) NumBacktraces() int { return len(t.backtraces) }

// Mark records the current extent of the large-object arenas so a parser can
// speculatively add frames, backtraces, binaries and source locations for a
// row and drop them again if the row is rejected.
type Mark struct {
	binaries   int
	sources    int
	frames     int
	backtraces int
}

func (t *Table) Mark() Mark {
	return Mark{
		binaries:   len(t.binaries),
		sources:    len(t.sources),
		frames:     len(t.frames),
		backtraces: len(t.backtraces),
	}
}

// Truncate discards all large-object entities added since m. Handles handed
// out since the mark become invalid; the caller is responsible for dropping
// them. Scalar arenas (process, thread, core, state) are never truncated.
func (t *Table) Truncate(m Mark) {
	t.binaries = t.binaries[:m.binaries]
	t.sources = t.sources[:m.sources]
	t.frames = t.frames[:m.frames]
	t.backtraces = t.backtraces[:m.backtraces]
}
