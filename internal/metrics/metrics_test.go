package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	// Create a new registry for isolated testing
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}

	// Verify metrics are registered
	if m.PacketsReceived == nil {
		t.Error("PacketsReceived metric is nil")
	}
	if m.SessionsActive == nil {
		t.Error("SessionsActive metric is nil")
	}
	if m.BytesToBackend == nil {
		t.Error("BytesToBackend metric is nil")
	}
}

func TestRecordPackets(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordPacketReceived()
	m.RecordPacketReceived()
	m.RecordPacketDropped("no_session")
	m.RecordPacketDropped("mailbox_full")
	m.RecordPacketDropped("no_session")
	m.RecordChunkReceived()
	m.RecordReplySent()

	received := testutil.ToFloat64(m.PacketsReceived)
	if received != 2 {
		t.Errorf("PacketsReceived = %v, want 2", received)
	}

	noSession := testutil.ToFloat64(m.PacketsDropped.WithLabelValues("no_session"))
	if noSession != 2 {
		t.Errorf("PacketsDropped[no_session] = %v, want 2", noSession)
	}

	mailboxFull := testutil.ToFloat64(m.PacketsDropped.WithLabelValues("mailbox_full"))
	if mailboxFull != 1 {
		t.Errorf("PacketsDropped[mailbox_full] = %v, want 1", mailboxFull)
	}

	chunks := testutil.ToFloat64(m.ChunksReceived)
	if chunks != 1 {
		t.Errorf("ChunksReceived = %v, want 1", chunks)
	}

	replies := testutil.ToFloat64(m.RepliesSent)
	if replies != 1 {
		t.Errorf("RepliesSent = %v, want 1", replies)
	}
}

func TestRecordSessions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSessionCreated()
	m.RecordSessionCreated()

	active := testutil.ToFloat64(m.SessionsActive)
	if active != 2 {
		t.Errorf("SessionsActive = %v, want 2", active)
	}

	created := testutil.ToFloat64(m.SessionsCreated)
	if created != 2 {
		t.Errorf("SessionsCreated = %v, want 2", created)
	}
}

func TestRecordCheckin(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordCheckin("proxy", 0.3)
	m.RecordCheckin("proxy", 1.2)
	m.RecordCheckin("payload", 0.5)
	m.RecordCheckin("error", 0.1)

	proxy := testutil.ToFloat64(m.CheckinsTotal.WithLabelValues("proxy"))
	if proxy != 2 {
		t.Errorf("CheckinsTotal[proxy] = %v, want 2", proxy)
	}

	payload := testutil.ToFloat64(m.CheckinsTotal.WithLabelValues("payload"))
	if payload != 1 {
		t.Errorf("CheckinsTotal[payload] = %v, want 1", payload)
	}

	errored := testutil.ToFloat64(m.CheckinsTotal.WithLabelValues("error"))
	if errored != 1 {
		t.Errorf("CheckinsTotal[error] = %v, want 1", errored)
	}
}

func TestRecordBackend(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordBackendConnect()
	m.RecordBackendConnect()
	m.RecordBackendConnectError()
	m.RecordFrameSent(16)
	m.RecordFrameSent(100)
	m.RecordFrameReceived(3)

	connects := testutil.ToFloat64(m.BackendConnects)
	if connects != 2 {
		t.Errorf("BackendConnects = %v, want 2", connects)
	}

	connectErrors := testutil.ToFloat64(m.BackendConnectErrors)
	if connectErrors != 1 {
		t.Errorf("BackendConnectErrors = %v, want 1", connectErrors)
	}

	framesSent := testutil.ToFloat64(m.BackendFramesSent)
	if framesSent != 2 {
		t.Errorf("BackendFramesSent = %v, want 2", framesSent)
	}

	bytesSent := testutil.ToFloat64(m.BytesToBackend)
	if bytesSent != 116 {
		t.Errorf("BytesToBackend = %v, want 116", bytesSent)
	}

	bytesRecv := testutil.ToFloat64(m.BytesFromBackend)
	if bytesRecv != 3 {
		t.Errorf("BytesFromBackend = %v, want 3", bytesRecv)
	}
}

func TestRecordPayloadBootstrap(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordPayloadFetch()
	m.RecordPayloadCacheHit()
	m.RecordPayloadCacheHit()

	fetches := testutil.ToFloat64(m.PayloadFetches)
	if fetches != 1 {
		t.Errorf("PayloadFetches = %v, want 1", fetches)
	}

	hits := testutil.ToFloat64(m.PayloadCacheHits)
	if hits != 2 {
		t.Errorf("PayloadCacheHits = %v, want 2", hits)
	}
}

func TestRecordPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordPanic()

	panics := testutil.ToFloat64(m.PanicsRecovered)
	if panics != 1 {
		t.Errorf("PanicsRecovered = %v, want 1", panics)
	}
}

func TestDefaultMetrics(t *testing.T) {
	m1 := Default()
	m2 := Default()

	if m1 != m2 {
		t.Error("Default() should return same instance")
	}

	if m1 == nil {
		t.Error("Default() returned nil")
	}
}
