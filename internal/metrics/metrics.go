package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Filtering metrics
var (
	MessagesEvaluated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsort_messages_evaluated_total",
			Help: "Total number of messages whose header was evaluated against the rules",
		},
		[]string{"folder"},
	)

	RuleMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsort_rule_matches_total",
			Help: "Total number of rule set matches",
		},
		[]string{"destination"},
	)

	Relocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsort_relocations_total",
			Help: "Total number of relocation attempts by outcome",
		},
		[]string{"destination", "result"},
	)

	FetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsort_fetch_errors_total",
			Help: "Total number of failed header fetches",
		},
		[]string{"folder"},
	)

	FoldersCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsort_folders_created_total",
			Help: "Total number of destination folders created",
		},
	)
)

// Serve exposes the metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "addr", addr, "error", err)
	}
}
