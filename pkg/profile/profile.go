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

// Package profile holds the value and entity types produced by both trace
// parsers. Entities that are shared between samples (processes, threads,
// binaries, frames, backtraces) live in per-kind arenas owned by a Table and
// are referred to by integer handles; two samples share an entity exactly when
// they hold equal handles.
package profile

// Handles index into the arenas of a Table. The zero handle is a valid index;
// the distinguished No* values mark an absent reference.
type (
	ProcessHandle   int32
	ThreadHandle    int32
	CoreHandle      int32
	StateHandle     int32
	BinaryHandle    int32
	SourceHandle    int32
	FrameHandle     int32
	BacktraceHandle int32
)

const (
	NoProcess   ProcessHandle   = -1
	NoThread    ThreadHandle    = -1
	NoCore      CoreHandle      = -1
	NoState     StateHandle     = -1
	NoBinary    BinaryHandle    = -1
	NoSource    SourceHandle    = -1
	NoFrame     FrameHandle     = -1
	NoBacktrace BacktraceHandle = -1
)

// SampleTime is a nanosecond timestamp plus the human-readable rendering the
// source document carried for it.
type SampleTime struct {
	Nanos int64
	Label string
}

// Equal compares by scalar only. The label is presentation data and two times
// rendered differently still denote the same instant.
func (t SampleTime) Equal(o SampleTime) bool { return t.Nanos == o.Nanos }

// Weight is the nanoseconds of CPU time one sample accounts for.
type Weight struct {
	Nanos int64
	Label string
}

func (w Weight) Equal(o Weight) bool { return w.Nanos == o.Nanos }

type SampledProcess struct {
	Name string
	PID  int
}

type SampledThread struct {
	Name    string
	TID     uint64
	Process ProcessHandle
}

type Core struct {
	Index int
	Name  string
}

type Binary struct {
	Name     string
	BuildID  string
	Arch     string
	Path     string
	LoadAddr uint64
}

type SourceLocation struct {
	Path string
	Line int
}

// Frame is one backtrace entry. Name is either a symbol or, when the trace was
// not symbolicated, the raw instruction address rendered as a 0x hex literal.
type Frame struct {
	Name   string
	Addr   uint64
	Binary BinaryHandle
	Source SourceHandle
}

// Sample is one well-formed row of the sample table. Backtrace is NoBacktrace
// when the row carried the no-backtrace sentinel, which wins over any
// backtrace content also present on the row.
type Sample struct {
	Time      SampleTime
	Weight    Weight
	Thread    ThreadHandle
	Process   ProcessHandle
	Core      CoreHandle
	State     StateHandle
	Backtrace BacktraceHandle
}

// ProfileSample is one reconstructed sampled-profile record from the
// event-dump text format. Stack is innermost first.
type ProfileSample struct {
	TimeOffset uint64 // ticks since trace start
	Program    string
	PID        int
	TID        uint64
	Stack      []string
	Count      int64
}
