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

package instruments

import (
	"strings"

	"github.com/hotstack-dev/hotstack/pkg/profile"
)

// ProcessFilter decides which processes' samples a parse retains. Samples of
// rejected processes are discarded before their frames and backtraces are ever
// committed to the table.
type ProcessFilter interface {
	Matches(p profile.SampledProcess) bool
}

// FilterFunc adapts a plain function to a ProcessFilter.
type FilterFunc func(p profile.SampledProcess) bool

func (f FilterFunc) Matches(p profile.SampledProcess) bool { return f(p) }

// ProcessNamed matches processes whose name starts with prefix, which is how
// a toolchain's workers ("swift-frontend", "swift-driver") are selected as a
// group.
func ProcessNamed(prefix string) ProcessFilter {
	return FilterFunc(func(p profile.SampledProcess) bool {
		return strings.HasPrefix(p.Name, prefix)
	})
}

// ProcessWithPID matches exactly one process id.
func ProcessWithPID(pid int) ProcessFilter {
	return FilterFunc(func(p profile.SampledProcess) bool {
		return p.PID == pid
	})
}
