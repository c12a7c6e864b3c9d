package metrics

import (
	"context"
	"time"

	"github.com/Sepzie/SingWithMe/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
)

// JobLister is the part of the job store the collector reads
type JobLister interface {
	ListJobs(ctx context.Context, states ...models.JobState) ([]*models.Job, error)
}

// StoreCollector reports job counts per state straight from the store at scrape time
type StoreCollector struct {
	store   JobLister
	timeout time.Duration
	jobs    *prometheus.Desc
	up      *prometheus.Desc
}

// NewStoreCollector creates a collector over s
func NewStoreCollector(s JobLister) *StoreCollector {
	return &StoreCollector{
		store:   s,
		timeout: 2 * time.Second,
		jobs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "jobs"),
			"Jobs currently stored, by state",
			[]string{"state"}, nil,
		),
		up: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "store_up"),
			"Whether the job store answered the last scrape",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
	ch <- c.up
}

// Collect implements prometheus.Collector
func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	jobs, err := c.store.ListJobs(ctx)
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)

	counts := map[models.JobState]int{
		models.JobStateUploaded:   0,
		models.JobStateProcessing: 0,
		models.JobStateCompleted:  0,
		models.JobStateFailed:     0,
	}
	for _, job := range jobs {
		counts[job.State]++
	}
	for state, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(n), string(state))
	}
}
