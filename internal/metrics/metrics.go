package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	SamplesTotal          atomic.Int64
	AlertsFired           atomic.Int64
	AlertsSuppressed      atomic.Int64
	AlertsDropped         atomic.Int64
	TableReloads          atomic.Int64
	TableReloadFailures   atomic.Int64
	MQTTPublishes         atomic.Int64
	MQTTPublishFailures   atomic.Int64
	SnapshotsPublished    atomic.Int64
	EventsBuffered        atomic.Int64
	JournalWrites         atomic.Int64
	JournalWriteFailures  atomic.Int64
	TickOverruns          atomic.Int64
	WebsocketClients      atomic.Int64
	CommandsHandled       atomic.Int64
	CommandFailures       atomic.Int64
)

func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "shiftbeep_samples_total %d\n", SamplesTotal.Load())
	fmt.Fprintf(w, "shiftbeep_alerts_fired_total %d\n", AlertsFired.Load())
	fmt.Fprintf(w, "shiftbeep_alerts_suppressed_total %d\n", AlertsSuppressed.Load())
	fmt.Fprintf(w, "shiftbeep_alerts_dropped_total %d\n", AlertsDropped.Load())
	fmt.Fprintf(w, "shiftbeep_table_reloads_total %d\n", TableReloads.Load())
	fmt.Fprintf(w, "shiftbeep_table_reload_failures_total %d\n", TableReloadFailures.Load())
	fmt.Fprintf(w, "shiftbeep_mqtt_publishes_total %d\n", MQTTPublishes.Load())
	fmt.Fprintf(w, "shiftbeep_mqtt_publish_failures_total %d\n", MQTTPublishFailures.Load())
	fmt.Fprintf(w, "shiftbeep_snapshots_published_total %d\n", SnapshotsPublished.Load())
	fmt.Fprintf(w, "shiftbeep_events_buffered_total %d\n", EventsBuffered.Load())
	fmt.Fprintf(w, "shiftbeep_journal_writes_total %d\n", JournalWrites.Load())
	fmt.Fprintf(w, "shiftbeep_journal_write_failures_total %d\n", JournalWriteFailures.Load())
	fmt.Fprintf(w, "shiftbeep_tick_overruns_total %d\n", TickOverruns.Load())
	fmt.Fprintf(w, "shiftbeep_websocket_clients %d\n", WebsocketClients.Load())
	fmt.Fprintf(w, "shiftbeep_commands_handled_total %d\n", CommandsHandled.Load())
	fmt.Fprintf(w, "shiftbeep_command_failures_total %d\n", CommandFailures.Load())
}
