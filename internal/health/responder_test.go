package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeProber struct {
	err   error
	delay time.Duration
	calls int
}

func (p *fakeProber) Probe(ctx context.Context) error {
	p.calls++
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.err
}

func testResponder(prober Prober, opts Options) *Responder {
	return NewResponder(prober, nil, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAckEchoesNonce(t *testing.T) {
	r := testResponder(nil, Options{})
	ack := r.Ack(Ping{Nonce: "n-1"})
	assert.True(t, ack.Received)
	assert.Equal(t, "n-1", ack.Nonce)
	assert.False(t, ack.At.IsZero())
}

func TestStatusProbesWhenIdle(t *testing.T) {
	p := &fakeProber{}
	r := testResponder(p, Options{})

	pong := r.Status(context.Background(), Ping{})
	assert.Equal(t, StatusOnline, pong.Status)
	assert.Equal(t, ProbeOK, pong.Probe)
	assert.Equal(t, 1, p.calls)
	assert.GreaterOrEqual(t, pong.UptimeSeconds, int64(0))
}

func TestStatusSkipsAfterRecentActivity(t *testing.T) {
	p := &fakeProber{}
	r := testResponder(p, Options{Grace: time.Minute})
	r.Activity().Touch(time.Now().Add(-10 * time.Second))

	pong := r.Status(context.Background(), Ping{})
	assert.Equal(t, ProbeSkipped, pong.Probe)
	assert.Equal(t, "recent_activity", pong.Reason)
	assert.Equal(t, StatusOnline, pong.Status)
	assert.Equal(t, 0, p.calls)
	if assert.NotNil(t, pong.LastActivitySeconds) {
		assert.InDelta(t, 10, *pong.LastActivitySeconds, 2)
	}

	// Stale activity no longer suppresses the probe.
	r.activity = &Activity{}
	r.Activity().Touch(time.Now().Add(-2 * time.Minute))
	pong = r.Status(context.Background(), Ping{})
	assert.Equal(t, ProbeOK, pong.Probe)
	assert.Equal(t, 1, p.calls)
}

func TestStatusSkipRequested(t *testing.T) {
	p := &fakeProber{}
	pong := testResponder(p, Options{}).Status(context.Background(), Ping{SkipProbe: true})
	assert.Equal(t, ProbeSkipped, pong.Probe)
	assert.Equal(t, "requested", pong.Reason)
	assert.Equal(t, 0, p.calls)

	pong = testResponder(nil, Options{}).Status(context.Background(), Ping{})
	assert.Equal(t, ProbeSkipped, pong.Probe)
}

func TestStatusProbeFailures(t *testing.T) {
	pong := testResponder(&fakeProber{err: errors.New("gateway 503")}, Options{}).Status(context.Background(), Ping{})
	assert.Equal(t, StatusUnresponsive, pong.Status)
	assert.Equal(t, ProbeFailed, pong.Probe)

	slow := &fakeProber{delay: time.Second}
	pong = testResponder(slow, Options{ProbeTimeout: 20 * time.Millisecond}).Status(context.Background(), Ping{})
	assert.Equal(t, StatusUnresponsive, pong.Status)
	assert.Equal(t, ProbeTimeout, pong.Probe)
	assert.Less(t, pong.LatencyMS, int64(1000))
}

func TestActivityKeepsLatest(t *testing.T) {
	var a Activity
	assert.True(t, a.Last().IsZero())

	t1 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a.Touch(t1)
	a.Touch(t1.Add(-time.Hour))
	assert.Equal(t, t1, a.Last())
}
