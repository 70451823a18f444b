// Package metrics exposes Prometheus series for a running backup/restore,
// scraped via Serve when the CLI is invoked with --metrics_addr.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FilesUploaded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ybbackup_files_uploaded_total",
			Help: "Total number of files uploaded to the backup location.",
		},
		[]string{"action"},
	)

	FilesDownloaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ybbackup_files_downloaded_total",
			Help: "Total number of files downloaded during restore.",
		},
	)

	BytesTransferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ybbackup_bytes_transferred_total",
			Help: "Total bytes moved between tserver hosts and the backup location.",
		},
		[]string{"direction"},
	)

	ChecksumFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ybbackup_checksum_failures_total",
			Help: "Total checksum verification failures.",
		},
	)

	BackupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ybbackup_backup_duration_seconds",
			Help:    "Wall-clock duration of a complete command invocation.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s .. 8192s (~2.3h)
		},
		[]string{"command"},
	)

	TabletsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ybbackup_tablets_in_flight",
			Help: "Number of tablet upload/download sequences currently executing.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		FilesUploaded,
		FilesDownloaded,
		BytesTransferred,
		ChecksumFailures,
		BackupDuration,
		TabletsInFlight,
	)
}

// Serve starts a blocking HTTP server exposing /metrics. Intended to be run
// in its own goroutine for the duration of a long backup/restore.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
