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

// Package eventtrace sanity-checks the compiler's entry/exit event-trace CSV:
// it reconstructs the event stack, flags ambiguous rows (same event key, same
// counter emitted twice) and reports the deepest nesting observed.
package eventtrace

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

// Column positions of the -trace-stats-events CSV. The first four columns
// together identify one event occurrence.
const (
	colEntryExit = 2
	colEventName = 3
	colCounter   = 4
	keyWidth     = 4
)

// Report is the outcome of checking one trace CSV.
type Report struct {
	Rows int
	// Duplicates lists rows that re-emitted a counter already seen for the
	// same event occurrence, formatted "key: counter".
	Duplicates []string
	// Mismatches lists exit events that did not match the top of the stack.
	Mismatches []string
	// Unclosed is the event stack still open at end of input.
	Unclosed []string

	MaxDepth     int
	DeepestStack []string
}

// CheckFile reads and checks the CSV at path.
func CheckFile(path string) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event trace: %w", err)
	}
	defer f.Close()
	return Check(f)
}

// Check reads the whole CSV from r. Structural CSV errors are fatal; rows
// with too few columns are skipped.
func Check(r io.Reader) (*Report, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	// Header row names the columns; only positions matter here.
	if _, err := cr.Read(); err != nil {
		if err == io.EOF {
			return &Report{}, nil
		}
		return nil, fmt.Errorf("read event trace header: %w", err)
	}

	rep := &Report{}
	seen := map[string]map[string]struct{}{}
	var (
		stack      []string
		lastPushed string
		lastPopped string
	)
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read event trace row: %w", err)
		}
		if len(row) <= colCounter {
			continue
		}
		rep.Rows++

		key := strings.Join(row[:keyWidth], ",")
		counter := row[colCounter]
		if counters := seen[key]; counters != nil {
			if _, dup := counters[counter]; dup {
				rep.Duplicates = append(rep.Duplicates, key+": "+counter)
			}
		} else {
			seen[key] = map[string]struct{}{}
		}
		seen[key][counter] = struct{}{}

		name := row[colEventName]
		switch row[colEntryExit] {
		case "entry":
			// Several counters share one occurrence; push once per key.
			if key != lastPushed {
				stack = append(stack, name)
				lastPushed = key
			}
		case "exit":
			if key == lastPopped {
				continue
			}
			lastPopped = key
			if len(stack) == 0 || stack[len(stack)-1] != name {
				rep.Mismatches = append(rep.Mismatches, key+": "+name)
				continue
			}
			stack = stack[:len(stack)-1]
		}

		if len(stack) > rep.MaxDepth {
			rep.MaxDepth = len(stack)
			rep.DeepestStack = append([]string(nil), stack...)
		}
	}
	rep.Unclosed = append([]string(nil), stack...)
	return rep, nil
}

// Format writes a short human-readable summary.
func (r *Report) Format(w io.Writer) error {
	_, err := fmt.Fprintf(w, "rows: %d\nduplicates: %d\nmismatched exits: %d\nunclosed events: %d\nmax depth: %d\n",
		r.Rows, len(r.Duplicates), len(r.Mismatches), len(r.Unclosed), r.MaxDepth)
	if err != nil {
		return err
	}
	for i, name := range r.DeepestStack {
		if _, err := fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", i), name); err != nil {
			return err
		}
	}
	return nil
}
