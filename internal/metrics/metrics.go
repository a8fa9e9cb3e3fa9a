// Package metrics exposes Prometheus collectors for the collaboration core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsAppended counts successful store appends by stream kind.
	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "acrosshouse_events_appended_total",
		Help: "Events appended to the store, by stream kind.",
	}, []string{"kind"})

	// AppendConflicts counts appends that exhausted the retry budget.
	AppendConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "acrosshouse_append_conflicts_total",
		Help: "Appends that failed with a sequence conflict after retries.",
	})

	// EventsDelivered counts events handed to subscriber queues.
	EventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "acrosshouse_events_delivered_total",
		Help: "Events enqueued to local subscribers.",
	})

	// SubscribersDropped counts subscribers dropped for backpressure.
	SubscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "acrosshouse_subscribers_dropped_total",
		Help: "Subscribers dropped because their outbound queue overflowed.",
	})

	// Subscribers tracks currently connected subscribers.
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "acrosshouse_subscribers",
		Help: "Currently registered subscribers.",
	})

	// BusPublished counts envelopes published to the cross-instance bus.
	BusPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "acrosshouse_bus_published_total",
		Help: "Event envelopes published to the bus.",
	})

	// BusReceived counts envelopes received from the bus, by disposition.
	BusReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "acrosshouse_bus_received_total",
		Help: "Event envelopes received from the bus.",
	}, []string{"disposition"}) // delivered | echo | duplicate | buffered

	// GapFills counts reorder-window expiries that forced a store read.
	GapFills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "acrosshouse_bus_gap_fills_total",
		Help: "Reorder windows that expired and were filled from the store.",
	})

	// SolvesRecorded counts solve rows inserted.
	SolvesRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "acrosshouse_solves_recorded_total",
		Help: "Puzzle solves recorded.",
	})
)
