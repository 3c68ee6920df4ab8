package balancer

import "github.com/prometheus/client_golang/prometheus"

var (
	rejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "balancerd",
			Subsystem: "admission",
			Name:      "rejections_total",
			Help:      "Requests rejected before reaching an agent",
		},
		[]string{"reason"},
	)

	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "balancerd",
			Subsystem: "generation",
			Name:      "requests_total",
			Help:      "Generation requests dispatched to agents by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(rejectionsTotal, generationsTotal)
}

var (
	bufferedDesc   = prometheus.NewDesc("balancerd_buffered_requests", "Requests waiting for a free slot", nil, nil)
	agentsDesc     = prometheus.NewDesc("balancerd_agents", "Registered agents", nil, nil)
	slotsIdleDesc  = prometheus.NewDesc("balancerd_slots_idle", "Idle slots across all agents", nil, nil)
	slotsBusyDesc  = prometheus.NewDesc("balancerd_slots_processing", "Processing slots across all agents", nil, nil)
	agentIssueDesc = prometheus.NewDesc("balancerd_agent_issues", "Issues currently recorded per agent", []string{"agent_id"}, nil)
	inFlightDesc   = prometheus.NewDesc("balancerd_agent_inflight_requests", "Requests awaiting an agent's response", []string{"agent_id"}, nil)
)

// collector exports live pool gauges at scrape time.
type collector struct{ b *Balancer }

// Collector returns a Prometheus collector over this balancer's pool.
func (b *Balancer) Collector() prometheus.Collector { return collector{b: b} }

func (c collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- bufferedDesc
	ch <- agentsDesc
	ch <- slotsIdleDesc
	ch <- slotsBusyDesc
	ch <- agentIssueDesc
	ch <- inFlightDesc
}

func (c collector) Collect(ch chan<- prometheus.Metric) {
	idle, processing := c.b.pool.Totals()
	ch <- prometheus.MustNewConstMetric(bufferedDesc, prometheus.GaugeValue, float64(c.b.buffered.Get()))
	ch <- prometheus.MustNewConstMetric(agentsDesc, prometheus.GaugeValue, float64(c.b.pool.Len()))
	ch <- prometheus.MustNewConstMetric(slotsIdleDesc, prometheus.GaugeValue, float64(idle))
	ch <- prometheus.MustNewConstMetric(slotsBusyDesc, prometheus.GaugeValue, float64(processing))
	for _, s := range c.b.pool.SnapshotAll() {
		ch <- prometheus.MustNewConstMetric(agentIssueDesc, prometheus.GaugeValue, float64(len(s.Issues)), s.ID)
	}
	c.b.controllers.Range(func(_, v any) bool {
		ctrl := v.(*AgentController)
		ch <- prometheus.MustNewConstMetric(inFlightDesc, prometheus.GaugeValue, float64(ctrl.InFlight()), ctrl.ID)
		return true
	})
}
