// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はPrometheusメトリクスを収集する実装。
// student.Metricsインターフェースを満たす。
type Collector struct {
	loginOutcome    *prometheus.CounterVec
	artifactFetch   *prometheus.CounterVec
	fetchFail       *prometheus.CounterVec
	sessionEviction prometheus.Counter
	upstreamStatus  *prometheus.CounterVec
	upstreamLatency prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		loginOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campusgate_login_total",
			Help: "ログイン試行の結果別合計数",
		}, []string{"outcome"}),
		artifactFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campusgate_artifact_fetch_total",
			Help: "データ取得の種別・出所別合計数",
		}, []string{"type", "source"}),
		fetchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campusgate_fetch_fail_total",
			Help: "データ取得失敗の種別別合計数",
		}, []string{"type"}),
		sessionEviction: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campusgate_session_eviction_total",
			Help: "上流セッション失効による破棄の合計数",
		}),
		upstreamStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campusgate_upstream_status_total",
			Help: "上流HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		upstreamLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "campusgate_upstream_latency_seconds",
			Help:    "上流リクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.loginOutcome,
		c.artifactFetch,
		c.fetchFail,
		c.sessionEviction,
		c.upstreamStatus,
		c.upstreamLatency,
	)

	return c
}

// ObserveLogin はログイン試行の結果を記録する。
func (c *Collector) ObserveLogin(outcome string) {
	c.loginOutcome.WithLabelValues(outcome).Inc()
}

// ObserveFetch はデータ取得を種別・出所別に記録する。
func (c *Collector) ObserveFetch(artifactType, source string) {
	c.artifactFetch.WithLabelValues(artifactType, source).Inc()
}

// ObserveFetchFailure はデータ取得失敗を記録する。
func (c *Collector) ObserveFetchFailure(artifactType string) {
	c.fetchFail.WithLabelValues(artifactType).Inc()
}

// ObserveSessionEviction は失効によるセッション破棄を記録する。
func (c *Collector) ObserveSessionEviction() {
	c.sessionEviction.Inc()
}

// ObserveUpstreamStatus は上流のHTTPステータスコードを記録する。
func (c *Collector) ObserveUpstreamStatus(statusCode int) {
	c.upstreamStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// ObserveUpstreamLatency は上流リクエストのレイテンシを記録する。
func (c *Collector) ObserveUpstreamLatency(duration time.Duration) {
	c.upstreamLatency.Observe(duration.Seconds())
}

// instrumentedTransport は上流リクエストの観測を差し込むRoundTripper。
type instrumentedTransport struct {
	base      http.RoundTripper
	collector *Collector
}

// InstrumentTransport は上流HTTPクライアントのトランスポートを包み、
// ステータスコードとレイテンシを自動記録する。
func InstrumentTransport(base http.RoundTripper, collector *Collector) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &instrumentedTransport{base: base, collector: collector}
}

func (t *instrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	t.collector.ObserveUpstreamLatency(time.Since(start))
	if err == nil {
		t.collector.ObserveUpstreamStatus(resp.StatusCode)
	}
	return resp, err
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
