// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsPipeline holds Prometheus metrics for the generation pipeline.
type metricsPipeline struct {
	once sync.Once

	// Discovery
	filesDiscovered   prometheus.Counter
	discoveryFailures prometheus.Counter

	// Extraction
	functionsExtracted prometheus.Counter
	extractionFailures prometheus.Counter

	// Generation
	generationsOK      prometheus.Counter
	generationsFailed  prometheus.Counter
	generationRetries  prometheus.Counter
	rateLimitTimeouts  prometheus.Counter
	generationDuration prometheus.Histogram

	// Collector
	outcomesOK     prometheus.Counter
	outcomesFailed prometheus.Counter
}

var pipeMetrics metricsPipeline

func (m *metricsPipeline) init() {
	m.once.Do(func() {
		m.filesDiscovered = prometheus.NewCounter(prometheus.CounterOpts{Name: "tg_pipe_files_discovered_total", Help: "Unidades de compilación admitidas"})
		m.discoveryFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "tg_pipe_discovery_failures_total", Help: "Registros de compilación no resueltos"})

		m.functionsExtracted = prometheus.NewCounter(prometheus.CounterOpts{Name: "tg_pipe_functions_extracted_total", Help: "Funciones extraídas para generación"})
		m.extractionFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "tg_pipe_extraction_failures_total", Help: "Fallos de parseo o compresión de contexto"})

		m.generationsOK = prometheus.NewCounter(prometheus.CounterOpts{Name: "tg_pipe_generations_ok_total", Help: "Generaciones completadas"})
		m.generationsFailed = prometheus.NewCounter(prometheus.CounterOpts{Name: "tg_pipe_generations_failed_total", Help: "Generaciones agotadas o rechazadas"})
		m.generationRetries = prometheus.NewCounter(prometheus.CounterOpts{Name: "tg_pipe_generation_retries_total", Help: "Reintentos de generación"})
		m.rateLimitTimeouts = prometheus.NewCounter(prometheus.CounterOpts{Name: "tg_pipe_rate_limit_timeouts_total", Help: "Timeouts de admisión del rate limiter"})

		buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}
		m.generationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "tg_pipe_generation_seconds", Help: "Duración de generación incluyendo reintentos", Buckets: buckets})

		m.outcomesOK = prometheus.NewCounter(prometheus.CounterOpts{Name: "tg_pipe_outcomes_ok_total", Help: "Resultados exitosos recolectados"})
		m.outcomesFailed = prometheus.NewCounter(prometheus.CounterOpts{Name: "tg_pipe_outcomes_failed_total", Help: "Resultados fallidos recolectados"})

		prometheus.MustRegister(
			m.filesDiscovered, m.discoveryFailures,
			m.functionsExtracted, m.extractionFailures,
			m.generationsOK, m.generationsFailed, m.generationRetries, m.rateLimitTimeouts,
			m.generationDuration,
			m.outcomesOK, m.outcomesFailed,
		)
	})
}

// record helpers - used by stages for metrics tracking
func recordFileDiscovered()    { pipeMetrics.init(); pipeMetrics.filesDiscovered.Inc() }
func recordDiscoveryFailure()  { pipeMetrics.init(); pipeMetrics.discoveryFailures.Inc() }
func recordFunctionExtracted() { pipeMetrics.init(); pipeMetrics.functionsExtracted.Inc() }
func recordExtractionFailure() { pipeMetrics.init(); pipeMetrics.extractionFailures.Inc() }
func recordRetry()             { pipeMetrics.init(); pipeMetrics.generationRetries.Inc() }
func recordRateLimitTimeout()  { pipeMetrics.init(); pipeMetrics.rateLimitTimeouts.Inc() }

func recordGeneration(ok bool, d time.Duration) {
	pipeMetrics.init()
	if ok {
		pipeMetrics.generationsOK.Inc()
	} else {
		pipeMetrics.generationsFailed.Inc()
	}
	pipeMetrics.generationDuration.Observe(d.Seconds())
}

func recordOutcome(ok bool) {
	pipeMetrics.init()
	if ok {
		pipeMetrics.outcomesOK.Inc()
	} else {
		pipeMetrics.outcomesFailed.Inc()
	}
}
