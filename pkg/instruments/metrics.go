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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	rows *prometheus.CounterVec
	refs *prometheus.CounterVec
	defs prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		rows: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "instruments_rows_total",
			Help: "Total number of sample-table rows by outcome.",
		}, []string{"result"}),
		refs: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "instruments_refs_total",
			Help: "Total number of ref attribute resolutions by outcome.",
		}, []string{"result"}),
		defs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "instruments_definitions_total",
			Help: "Total number of element definitions finalized.",
		}),
	}
}
