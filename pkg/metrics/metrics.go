// Package metrics provides Prometheus metrics for the wagering ledger.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// Metrics collects and exposes ledger-related Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Bet metrics
	BetsTotal   *prometheus.CounterVec
	StakeVolume prometheus.Counter
	BetsVoided  prometheus.Counter

	// Settlement metrics
	SettlementsTotal prometheus.Counter
	SettledBets      *prometheus.CounterVec
	PayoutVolume     prometheus.Counter

	// Event metrics
	EventsTotal  *prometheus.CounterVec
	ActiveEvents prometheus.Gauge

	// Proposal metrics
	ProposalsTotal *prometheus.CounterVec

	// Ledger metrics
	UsersCreated prometheus.Counter
	CreditVolume prometheus.Counter
	DebitVolume  prometheus.Counter

	// Notification metrics
	NotificationsTotal *prometheus.CounterVec
}

// New creates a metrics collector with its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		BetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wagerdome_bets_total",
				Help: "Bet placements by outcome of the placement itself",
			},
			[]string{"outcome"}, // accepted, rejected
		),
		StakeVolume: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wagerdome_stake_volume",
				Help: "Total stake accepted, in balance units",
			},
		),
		BetsVoided: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wagerdome_bets_voided_total",
				Help: "Bets voided by the reconciliation sweep",
			},
		),

		SettlementsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wagerdome_settlements_total",
				Help: "Settlement runs that marked at least one bet",
			},
		),
		SettledBets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wagerdome_settled_bets_total",
				Help: "Bets settled by result",
			},
			[]string{"result"}, // won, lost
		),
		PayoutVolume: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wagerdome_payout_volume",
				Help: "Total paid out to winners, in balance units",
			},
		),

		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wagerdome_events_total",
				Help: "Event lifecycle transitions",
			},
			[]string{"action"}, // created, closed
		),
		ActiveEvents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wagerdome_active_events",
				Help: "Events currently open for betting",
			},
		),

		ProposalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wagerdome_proposals_total",
				Help: "Proposal transitions by status",
			},
			[]string{"status"}, // submitted, approved, rejected
		),

		UsersCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wagerdome_users_created_total",
				Help: "Users registered",
			},
		),
		CreditVolume: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wagerdome_credit_volume",
				Help: "Total credited to balances, in balance units",
			},
		),
		DebitVolume: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wagerdome_debit_volume",
				Help: "Total debited from balances, in balance units",
			},
		),

		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wagerdome_notifications_total",
				Help: "Outbound notifications by delivery outcome",
			},
			[]string{"outcome"}, // delivered, dropped
		),
	}

	m.registerAll()
	return m
}

func (m *Metrics) registerAll() {
	m.registry.MustRegister(
		m.BetsTotal,
		m.StakeVolume,
		m.BetsVoided,
		m.SettlementsTotal,
		m.SettledBets,
		m.PayoutVolume,
		m.EventsTotal,
		m.ActiveEvents,
		m.ProposalsTotal,
		m.UsersCreated,
		m.CreditVolume,
		m.DebitVolume,
		m.NotificationsTotal,
	)
}

// Registry returns the prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// --- Helper methods for recording metrics ---

// RecordBetAccepted records an accepted placement and its stake.
func (m *Metrics) RecordBetAccepted(stake decimal.Decimal) {
	m.BetsTotal.WithLabelValues("accepted").Inc()
	m.StakeVolume.Add(DecimalToFloat64(stake))
}

// RecordBetRejected records a placement refused by validation.
func (m *Metrics) RecordBetRejected() {
	m.BetsTotal.WithLabelValues("rejected").Inc()
}

// RecordSettlement records one settlement run.
func (m *Metrics) RecordSettlement(winners, losers int, payout decimal.Decimal) {
	m.SettlementsTotal.Inc()
	m.SettledBets.WithLabelValues("won").Add(float64(winners))
	m.SettledBets.WithLabelValues("lost").Add(float64(losers))
	m.PayoutVolume.Add(DecimalToFloat64(payout))
}

// DecimalToFloat64 safely converts decimal.Decimal to float64 for metrics.
func DecimalToFloat64(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
