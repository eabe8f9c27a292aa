package metrics

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// promLogger はpromhttpのエラーログをslogに流す。
type promLogger struct{}

func (promLogger) Println(v ...interface{}) {
	slog.Error("metrics exposition error", slog.String("error", fmt.Sprint(v...)))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
// 一部のメトリクスの収集に失敗しても、取得できた分は返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog:          promLogger{},
		ErrorHandling:     promhttp.ContinueOnError,
		EnableOpenMetrics: true,
	})
}

// SetupMetricsRoute はワーカー用に /metrics のみを提供するHTTPハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler(gatherer))
	return mux
}
