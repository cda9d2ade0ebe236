package core

import (
	"sync/atomic"

	"github.com/encodeous/weft/state"
	"github.com/prometheus/client_golang/prometheus"
)

// Stats holds observational counters. Nothing in the protocol reads them to make decisions.
type Stats struct {
	LsaSent                  atomic.Uint64
	LsaReceived              atomic.Uint64
	LsaAccepted              atomic.Uint64
	LsaRejected              atomic.Uint64
	LsaDuplicates            atomic.Uint64
	HopCountSum              atomic.Uint64
	HopSamples               atomic.Uint64
	MaxHopCount              atomic.Uint32
	SendSuccess              atomic.Uint64
	SendFailure              atomic.Uint64
	ShortestPathComputations atomic.Uint64
	TtlExceeded              atomic.Uint64
	MaxTtl                   atomic.Uint32
}

type StatsSnapshot struct {
	LsaSent                  uint64  `yaml:"lsa_sent"`
	LsaReceived              uint64  `yaml:"lsa_received"`
	LsaAccepted              uint64  `yaml:"lsa_accepted"`
	LsaRejected              uint64  `yaml:"lsa_rejected"`
	LsaDuplicates            uint64  `yaml:"lsa_duplicates"`
	AverageHopCount          float64 `yaml:"average_hop_count"`
	MaxHopCount              uint32  `yaml:"max_hop_count"`
	SendSuccess              uint64  `yaml:"send_success"`
	SendFailure              uint64  `yaml:"send_failure"`
	ShortestPathComputations uint64  `yaml:"shortest_path_computations"`
	TtlExceeded              uint64  `yaml:"ttl_exceeded"`
	MaxTtl                   uint32  `yaml:"max_ttl"`
}

func NewStats(maxTtl uint32) *Stats {
	s := &Stats{}
	s.MaxTtl.Store(maxTtl)
	return s
}

// ObserveHops records the hop count of a received message and reports whether it exceeds the max ttl
func (s *Stats) ObserveHops(hops uint32) bool {
	s.HopCountSum.Add(uint64(hops))
	s.HopSamples.Add(1)
	for {
		cur := s.MaxHopCount.Load()
		if hops <= cur || s.MaxHopCount.CompareAndSwap(cur, hops) {
			break
		}
	}
	limit := s.MaxTtl.Load()
	if limit != 0 && hops > limit {
		s.TtlExceeded.Add(1)
		return true
	}
	return false
}

func (s *Stats) RecordSend(res state.Response) {
	if res.Success {
		s.SendSuccess.Add(1)
	} else {
		s.SendFailure.Add(1)
	}
}

func (s *Stats) AverageHopCount() float64 {
	samples := s.HopSamples.Load()
	if samples == 0 {
		return 0
	}
	return float64(s.HopCountSum.Load()) / float64(samples)
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		LsaSent:                  s.LsaSent.Load(),
		LsaReceived:              s.LsaReceived.Load(),
		LsaAccepted:              s.LsaAccepted.Load(),
		LsaRejected:              s.LsaRejected.Load(),
		LsaDuplicates:            s.LsaDuplicates.Load(),
		AverageHopCount:          s.AverageHopCount(),
		MaxHopCount:              s.MaxHopCount.Load(),
		SendSuccess:              s.SendSuccess.Load(),
		SendFailure:              s.SendFailure.Load(),
		ShortestPathComputations: s.ShortestPathComputations.Load(),
		TtlExceeded:              s.TtlExceeded.Load(),
		MaxTtl:                   s.MaxTtl.Load(),
	}
}

// Collectors exposes every counter to prometheus, labelled with the node id
func (s *Stats) Collectors(node state.NodeId) []prometheus.Collector {
	labels := prometheus.Labels{"node": string(node)}
	counter := func(name, help string, v *atomic.Uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   "weft",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(v.Load()) })
	}
	gauge := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "weft",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, fn)
	}
	return []prometheus.Collector{
		counter("lsa_sent_total", "Advertisements sent to neighbours.", &s.LsaSent),
		counter("lsa_received_total", "Advertisements received from neighbours.", &s.LsaReceived),
		counter("lsa_accepted_total", "Advertisements that updated the topology.", &s.LsaAccepted),
		counter("lsa_rejected_total", "Stale advertisements that were ignored.", &s.LsaRejected),
		counter("lsa_duplicates_total", "Advertisements dropped as already seen.", &s.LsaDuplicates),
		counter("hop_count_sum_total", "Sum of observed hop counts.", &s.HopCountSum),
		counter("hop_samples_total", "Number of observed hop counts.", &s.HopSamples),
		counter("send_success_total", "Sends that yielded a successful response.", &s.SendSuccess),
		counter("send_failure_total", "Sends that yielded a failed response.", &s.SendFailure),
		counter("shortest_path_computations_total", "Shortest path computations made for routing decisions.", &s.ShortestPathComputations),
		counter("ttl_exceeded_total", "Messages observed beyond the max ttl.", &s.TtlExceeded),
		gauge("max_hop_count", "Largest observed hop count.", func() float64 { return float64(s.MaxHopCount.Load()) }),
		gauge("max_ttl", "Configured max ttl.", func() float64 { return float64(s.MaxTtl.Load()) }),
		gauge("average_hop_count", "Average observed hop count.", s.AverageHopCount),
	}
}
