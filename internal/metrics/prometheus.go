package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// EpochsCounter counts completed epochs per rank.
	EpochsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "embedforge",
			Subsystem: "trainer",
			Name:      "epochs_total",
			Help:      "number of completed epochs",
		}, []string{"rank"})
	// EpochLossGauge is the mean loss of the last reported epoch.
	EpochLossGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "embedforge",
			Subsystem: "trainer",
			Name:      "epoch_loss",
			Help:      "mean batch loss of the last reported epoch",
		})
	// LearningRateGauge is the effective learning rate of the current epoch.
	LearningRateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "embedforge",
			Subsystem: "trainer",
			Name:      "learning_rate",
			Help:      "effective learning rate of the current epoch",
		}, []string{"rank"})
	// BatchDuration observes forward, backward and step time per batch.
	BatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "embedforge",
			Subsystem: "trainer",
			Name:      "batch_duration_seconds",
			Help:      "time spent computing one batch",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 18),
		}, []string{"rank"})
	// FailuresCounter counts worker failures caught by the failure boundary.
	FailuresCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "embedforge",
			Subsystem: "trainer",
			Name:      "failures_total",
			Help:      "number of workers that exited with an error",
		}, []string{"rank", "stage"})
	// EvalMeanRankGauge is the reconstruction mean rank of the last snapshot.
	EvalMeanRankGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "embedforge",
			Subsystem: "supervisor",
			Name:      "eval_mean_rank",
			Help:      "reconstruction mean rank of the last snapshot",
		})
	// EvalMAPGauge is the reconstruction mean average precision of the last snapshot.
	EvalMAPGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "embedforge",
			Subsystem: "supervisor",
			Name:      "eval_map",
			Help:      "reconstruction mean average precision of the last snapshot",
		})
)

// InitMetrics registers all collectors with registry.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(EpochsCounter)
	registry.MustRegister(EpochLossGauge)
	registry.MustRegister(LearningRateGauge)
	registry.MustRegister(BatchDuration)
	registry.MustRegister(FailuresCounter)
	registry.MustRegister(EvalMeanRankGauge)
	registry.MustRegister(EvalMAPGauge)
}
