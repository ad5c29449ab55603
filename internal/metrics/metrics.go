package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	MessageOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cim_message_ops_total", Help: "消息操作数(按操作与结果)"},
		[]string{"op", "result"},
	)
	RecordPageSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "cim_record_page_size", Help: "历史分页每页返回条数", Buckets: prometheus.LinearBuckets(0, 20, 11)},
	)
)

func Init() {
	prometheus.MustRegister(MessageOpsTotal)
	prometheus.MustRegister(RecordPageSize)
}
