package dataplane

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataspace-connector/connector/internal/clock"
	"github.com/dataspace-connector/connector/internal/domain/dataplane"
	"github.com/dataspace-connector/connector/internal/domain/transfer"
	"github.com/dataspace-connector/connector/internal/faults"
	"github.com/dataspace-connector/connector/internal/infrastructure/memory"
	"github.com/dataspace-connector/connector/internal/retry"
	"github.com/dataspace-connector/connector/internal/worker"
)

type memSource struct {
	gate <-chan struct{}
	data map[string]string
}

func (s *memSource) Type() string { return "Mem" }

func (s *memSource) Open(ctx context.Context, addr transfer.DataAddress) (io.ReadCloser, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	data, ok := s.data[addr.Property("key")]
	if !ok {
		return nil, faults.Permanentf("mem source", "no such key %q", addr.Property("key"))
	}
	return io.NopCloser(strings.NewReader(data)), nil
}

type memSink struct {
	mu      sync.Mutex
	written map[string]string
	writes  int
}

func (s *memSink) Type() string { return "Mem" }

func (s *memSink) Write(_ context.Context, addr transfer.DataAddress, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written[addr.Property("key")] = string(b)
	s.writes++
	return nil
}

type reported struct {
	processID string
	err       error
}

type recordingReporter struct {
	ch       chan reported
	failures int
}

func (r *recordingReporter) CompleteDataFlow(_ context.Context, processID string, err error) error {
	if r.failures > 0 {
		r.failures--
		return errors.New("entity leased")
	}
	r.ch <- reported{processID: processID, err: err}
	return nil
}

func memTask(flowID, from, to string) dataplane.Task {
	return dataplane.Task{
		FlowID:      flowID,
		Source:      transfer.DataAddress{Type: "Mem", Properties: map[string]string{"key": from}},
		Destination: transfer.DataAddress{Type: "Mem", Properties: map[string]string{"key": to}},
	}
}

func newManager(t *testing.T, capacity int, gate <-chan struct{}) (*Manager, *memSink, *recordingReporter) {
	t.Helper()
	m := NewManager(Config{
		QueueCapacity: capacity,
		Workers:       1,
		Report:        retry.Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}, nil, zerolog.Nop())
	sink := &memSink{written: map[string]string{}}
	reporter := &recordingReporter{ch: make(chan reported, 16)}
	m.RegisterSource(&memSource{gate: gate, data: map[string]string{"in": "payload"}})
	m.RegisterSink(sink)
	m.SetReporter(reporter)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop(5 * time.Second) })
	return m, sink, reporter
}

func waitReport(t *testing.T, r *recordingReporter) reported {
	t.Helper()
	select {
	case got := <-r.ch:
		return got
	case <-time.After(5 * time.Second):
		t.Fatal("no data flow result reported")
		return reported{}
	}
}

func TestManagerCopiesAndReports(t *testing.T) {
	m, sink, reporter := newManager(t, 10, nil)
	reporter.failures = 2

	require.NoError(t, m.Submit(memTask("tp-1", "in", "out")))
	got := waitReport(t, reporter)

	assert.Equal(t, "tp-1", got.processID)
	assert.NoError(t, got.err)
	sink.mu.Lock()
	assert.Equal(t, "payload", sink.written["out"])
	sink.mu.Unlock()
}

func TestManagerReportsFailure(t *testing.T) {
	m, _, reporter := newManager(t, 10, nil)

	require.NoError(t, m.Submit(memTask("tp-1", "missing", "out")))
	got := waitReport(t, reporter)
	require.Error(t, got.err)
	assert.True(t, faults.IsPermanent(got.err))
}

func TestManagerDeduplicatesInFlightFlows(t *testing.T) {
	gate := make(chan struct{})
	m, _, reporter := newManager(t, 10, gate)

	require.NoError(t, m.Submit(memTask("tp-1", "in", "out")))
	require.NoError(t, m.Submit(memTask("tp-1", "in", "out")))
	assert.Equal(t, int64(1), m.Stats().Submitted)

	close(gate)
	waitReport(t, reporter)
	select {
	case extra := <-reporter.ch:
		t.Fatalf("flow reported twice: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, m.Submit(memTask("tp-1", "in", "out")), "a finished flow may be submitted again")
	waitReport(t, reporter)
}

// stalledReporter blocks every report until release is closed.
type stalledReporter struct {
	entered chan struct{}
	release chan struct{}
}

func (r *stalledReporter) CompleteDataFlow(context.Context, string, error) error {
	r.entered <- struct{}{}
	<-r.release
	return nil
}

func TestManagerKeepsFlowInFlightUntilReported(t *testing.T) {
	m, sink, _ := newManager(t, 10, nil)
	reporter := &stalledReporter{entered: make(chan struct{}, 1), release: make(chan struct{})}
	m.SetReporter(reporter)

	require.NoError(t, m.Submit(memTask("tp-1", "in", "out")))
	select {
	case <-reporter.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("data flow result was not reported")
	}

	// The copy is done but its result is not persisted yet.
	require.NoError(t, m.Submit(memTask("tp-1", "in", "out")))
	assert.Equal(t, int64(1), m.Stats().Submitted)
	close(reporter.release)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, 1, sink.writes)
}

func TestManagerBackpressure(t *testing.T) {
	gate := make(chan struct{})
	m, _, reporter := newManager(t, 2, gate)

	require.NoError(t, m.Submit(memTask("busy", "in", "out")))
	require.Eventually(t, func() bool { return m.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)
	require.NoError(t, m.Submit(memTask("q-1", "in", "out")))
	require.NoError(t, m.Submit(memTask("q-2", "in", "out")))

	err := m.Submit(memTask("q-3", "in", "out"))
	require.Error(t, err)
	assert.ErrorIs(t, err, worker.ErrQueueFull)
	assert.True(t, faults.IsTransient(err))

	close(gate)
	for range 3 {
		waitReport(t, reporter)
	}
	require.NoError(t, m.Submit(memTask("q-3", "in", "out")), "rejected flow is accepted once capacity frees up")
}

func TestManagerRejectsUnknownTypes(t *testing.T) {
	m, _, _ := newManager(t, 10, nil)
	task := memTask("tp-1", "in", "out")
	task.Destination.Type = "Ftp"
	err := m.Submit(task)
	assert.ErrorIs(t, err, dataplane.ErrUnsupportedType)
	assert.True(t, faults.IsPermanent(err))
}

func TestAuthorization(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	auth := NewAuthorization(memory.NewTokenStore(), "did:web:provider", time.Minute, clk)
	ctx := context.Background()

	token, claims, err := auth.Issue(ctx, dataplane.TokenRequest{AgreementID: "ag-1", AssetID: "asset-1", ProcessID: "tp-1", TransferType: "HttpData-PULL", Audience: "did:web:consumer"})
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, "did:web:provider", claims.Issuer)
	assert.Equal(t, clk.Now().Add(time.Minute).Unix(), claims.ExpiresAt)

	got, err := auth.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "tp-1", got.ProcessID)
	assert.Equal(t, "ag-1", got.AgreementID)

	_, err = auth.Verify(ctx, "forged")
	assert.ErrorIs(t, err, dataplane.ErrTokenInvalid)

	clk.Advance(time.Minute)
	_, err = auth.Verify(ctx, token)
	assert.ErrorIs(t, err, dataplane.ErrTokenInvalid)

	token, _, err = auth.Issue(ctx, dataplane.TokenRequest{ProcessID: "tp-1"})
	require.NoError(t, err)
	require.NoError(t, auth.Revoke(ctx, "tp-1"))
	_, err = auth.Verify(ctx, token)
	assert.ErrorIs(t, err, dataplane.ErrTokenInvalid)
}
