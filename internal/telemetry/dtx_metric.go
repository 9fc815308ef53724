package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// DtxMetrics holds the instruments the DTX manager and its components record.
type DtxMetrics struct {
	SubmissionsCounter     metric.Int64Counter // by outcome
	SubmitLatencyHistogram metric.Int64Histogram
	InFlightUpDownCounter  metric.Int64UpDownCounter
	JournalAppendsCounter  metric.Int64Counter // by entry type
	PurgedRecordsCounter   metric.Int64Counter // by pass
	DeadEventsCounter      metric.Int64Counter
	PeerLinksUpDownCounter metric.Int64UpDownCounter
	FramesCounter          metric.Int64Counter // by direction and kind
	StateTransitionCounter metric.Int64Counter
}

// NewDtxMetrics creates and registers the DTX metrics.
func NewDtxMetrics(meter metric.Meter) (*DtxMetrics, error) {
	m := &DtxMetrics{}
	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.SubmissionsCounter, "gojodtx.dtx.submissions_total", "Transactions submitted locally, by outcome."},
		{&m.JournalAppendsCounter, "gojodtx.dtx.journal.appends_total", "Journal entries appended, by type."},
		{&m.PurgedRecordsCounter, "gojodtx.dtx.taskkeeper.purged_total", "Records removed from retained history, by pass."},
		{&m.DeadEventsCounter, "gojodtx.dtx.eventbus.dead_total", "Events published without a subscriber."},
		{&m.FramesCounter, "gojodtx.dtx.transport.frames_total", "Frames sent and received, by direction and kind."},
		{&m.StateTransitionCounter, "gojodtx.dtx.state_transitions_total", "Lifecycle transitions, by target state."},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, err
		}
	}

	m.SubmitLatencyHistogram, err = meter.Int64Histogram(
		"gojodtx.dtx.submit.duration",
		metric.WithDescription("Time from submit to resolution."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.InFlightUpDownCounter, err = meter.Int64UpDownCounter(
		"gojodtx.dtx.submit.in_flight",
		metric.WithDescription("Local submissions awaiting quorum."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.PeerLinksUpDownCounter, err = meter.Int64UpDownCounter(
		"gojodtx.dtx.transport.connected_peers",
		metric.WithDescription("Peer links that completed their handshake."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}
