package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mediaharvest/harvester/internal/progress"
)

// PrometheusSink exports harvest progress metrics. It owns all collectors for
// pages, media discovery, and download outcomes.
type PrometheusSink struct {
	pagesParsed    *prometheus.CounterVec
	mediaFound     *prometheus.CounterVec
	downloadsDone  *prometheus.CounterVec
	downloadBytes  prometheus.Counter
	downloadTime   prometheus.Histogram
	quarantines    *prometheus.CounterVec
	pipelineErrors *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		pagesParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_pages_parsed_total",
			Help: "Pages fetched and extracted, partitioned by domain.",
		}, []string{"domain"}),
		mediaFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_media_found_total",
			Help: "Media candidates admitted to the download pipeline.",
		}, []string{"domain"}),
		downloadsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_downloads_total",
			Help: "Terminal download outcomes partitioned by result.",
		}, []string{"result"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_download_bytes_total",
			Help: "Bytes written by completed downloads.",
		}),
		downloadTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvester_download_duration_seconds",
			Help:    "Wall time per completed download.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 15, 30, 60, 120},
		}),
		quarantines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_domain_quarantines_total",
			Help: "Quarantine transitions partitioned by domain.",
		}, []string{"domain"}),
		pipelineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_errors_total",
			Help: "Non-terminal pipeline errors partitioned by reason.",
		}, []string{"reason"}),
	}
	for _, collector := range []prometheus.Collector{
		s.pagesParsed,
		s.mediaFound,
		s.downloadsDone,
		s.downloadBytes,
		s.downloadTime,
		s.quarantines,
		s.pipelineErrors,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	domain := evt.Domain
	if domain == "" {
		domain = "unknown"
	}
	switch evt.Stage {
	case progress.StagePageParsed:
		s.pagesParsed.WithLabelValues(domain).Inc()
	case progress.StageMediaFound:
		s.mediaFound.WithLabelValues(domain).Inc()
	case progress.StageJobCompleted:
		s.downloadsDone.WithLabelValues("completed").Inc()
		if evt.Bytes > 0 {
			s.downloadBytes.Add(float64(evt.Bytes))
		}
		if evt.Dur > 0 {
			s.downloadTime.Observe(evt.Dur.Seconds())
		}
	case progress.StageJobFailed:
		s.downloadsDone.WithLabelValues("failed").Inc()
	case progress.StageDomainQuarantined:
		s.quarantines.WithLabelValues(domain).Inc()
	case progress.StageError:
		reason := evt.Reason
		if reason == "" {
			reason = "unknown"
		}
		s.pipelineErrors.WithLabelValues(reason).Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
