// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/taskagency/internal/model"
)

// 書き込み操作の結果ラベル
const (
	OutcomeSuccess       = "success"
	OutcomeValidation    = "validation"
	OutcomeBusy          = "busy"
	OutcomeNoChanges     = "no_changes"
	OutcomeRejected      = "rejected"
	OutcomeRemoteFailure = "remote_failure"
	OutcomeAuthRequired  = "auth_required"
	OutcomeError         = "error"
)

// MutationRecorder は書き込み操作の結果を記録するインターフェース。
// 口座操作・出金申請・会員登録から利用する。
type MutationRecorder interface {
	RecordMutation(action, outcome string)
}

// Collector はPrometheusメトリクスを収集する実装。
// pocketbase.Observer、profile.Metrics、MutationRecorderを満たす。
type Collector struct {
	profileFetch  *prometheus.CounterVec
	profileRetry  prometheus.Counter
	mutation      *prometheus.CounterVec
	remoteStatus  *prometheus.CounterVec
	remoteLatency prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		profileFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskagency_profile_fetch_total",
			Help: "プロフィール取得の結果別の合計数",
		}, []string{"outcome"}),
		profileRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskagency_profile_fetch_retries_total",
			Help: "プロフィール取得の自動リトライの合計数",
		}),
		mutation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskagency_mutation_total",
			Help: "書き込み操作の操作・結果別の合計数",
		}, []string{"action", "outcome"}),
		remoteStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskagency_remote_status_total",
			Help: "リモートストアのHTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		remoteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskagency_remote_latency_seconds",
			Help:    "リモートストア呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.profileFetch,
		c.profileRetry,
		c.mutation,
		c.remoteStatus,
		c.remoteLatency,
	)

	return c
}

// RecordProfileFetch はプロフィール取得の結果を記録する。
func (c *Collector) RecordProfileFetch(outcome string) {
	c.profileFetch.WithLabelValues(outcome).Inc()
}

// RecordProfileFetchRetry はプロフィール取得のリトライを記録する。
func (c *Collector) RecordProfileFetchRetry() {
	c.profileRetry.Inc()
}

// RecordMutation は書き込み操作の結果を記録する。
func (c *Collector) RecordMutation(action, outcome string) {
	c.mutation.WithLabelValues(action, outcome).Inc()
}

// RecordRemoteStatus はリモートストアのHTTPステータスコードを記録する。
func (c *Collector) RecordRemoteStatus(statusCode int) {
	c.remoteStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRemoteLatency はリモートストア呼び出しのレイテンシを記録する。
func (c *Collector) RecordRemoteLatency(duration time.Duration) {
	c.remoteLatency.Observe(duration.Seconds())
}

// MutationOutcome は書き込み操作のエラーを結果ラベルに変換する。
func MutationOutcome(err error) string {
	var (
		verr      *model.ValidationError
		rejection *model.RemoteRejection
		failure   *model.RemoteFailure
	)
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.As(err, &verr):
		return OutcomeValidation
	case errors.Is(err, model.ErrBusy):
		return OutcomeBusy
	case errors.Is(err, model.ErrNoChanges):
		return OutcomeNoChanges
	case errors.Is(err, model.ErrAuthRequired):
		return OutcomeAuthRequired
	case errors.As(err, &rejection):
		return OutcomeRejected
	case errors.As(err, &failure):
		return OutcomeRemoteFailure
	default:
		return OutcomeError
	}
}

// Record はrecがnilでなければ書き込み操作の結果を記録する。
func Record(rec MutationRecorder, action string, err error) {
	if rec != nil {
		rec.RecordMutation(action, MutationOutcome(err))
	}
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
