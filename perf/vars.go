package perf

import (
	"expvar"
	"net/http"

	"github.com/encodeous/metric"
)

var (
	DispatchLatency     = metric.NewHistogram("1m1s")
	ForwardLatency      = metric.NewHistogram("1m1s")
	ShortestPathLatency = metric.NewHistogram("1m1s")
	FloodFanout         = metric.NewHistogram("10s1s")
	LsaPerSecond        = metric.NewCounter("10s1s")
	RoutedPerSecond     = metric.NewCounter("10s1s")
	SentBytesPerSecond  = metric.NewCounter("10s1s")
	RecvBytesPerSecond  = metric.NewCounter("10s1s")
)

func init() {
	http.Handle("/debug/metrics", metric.Handler(metric.Exposed))
	expvar.Publish("weft:DispatchLatency (µs)", DispatchLatency)
	expvar.Publish("weft:ForwardLatency (µs)", ForwardLatency)
	expvar.Publish("weft:ShortestPathLatency (µs)", ShortestPathLatency)
	expvar.Publish("weft:FloodFanout", FloodFanout)
	expvar.Publish("weft:Lsa/s", LsaPerSecond)
	expvar.Publish("weft:Routed/s", RoutedPerSecond)
	expvar.Publish("weft:SentBytes/s", SentBytesPerSecond)
	expvar.Publish("weft:RecvBytes/s", RecvBytesPerSecond)
}
