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

package aggregate

import (
	"encoding/csv"
	"io"
	"strconv"
)

// WriteCSV emits ranked rows as "program,function,metric". Quoting of fields
// containing commas or quotes is the csv package's business.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	for _, r := range rows {
		if err := cw.Write([]string{
			r.Program,
			r.Function,
			strconv.FormatFloat(r.Value, 'f', 6, 64),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
