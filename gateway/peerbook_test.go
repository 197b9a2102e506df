// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/narwhal/config"
	"github.com/luxfi/narwhal/types"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func addr(b byte) types.Address {
	var a types.Address
	a[0] = b
	return a
}

func testPeerBookConfig() config.Config {
	cfg := config.Default()
	cfg.MaxFailuresPerPeer = 3
	cfg.FailureWindow = time.Minute
	cfg.BanDuration = 5 * time.Minute
	return cfg
}

func TestPeerBookUnknownPeerIsDialable(t *testing.T) {
	b := NewPeerBook(testPeerBookConfig(), &fakeClock{now: time.Unix(0, 0)})
	p := addr(1)
	require.True(t, b.Dialable(p))
	require.False(t, b.IsBanned(p))
	require.False(t, b.IsCoolingDown(p))
}

func TestPeerBookBansAfterThresholdFailures(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	b := NewPeerBook(testPeerBookConfig(), clk)
	p := addr(1)

	b.ReportFailure(p, "a")
	b.ReportFailure(p, "b")
	require.True(t, b.Dialable(p), "below threshold, peer must remain dialable")

	b.ReportFailure(p, "c")
	require.False(t, b.Dialable(p))
	require.True(t, b.IsBanned(p))
}

func TestPeerBookFailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	cfg := testPeerBookConfig()
	b := NewPeerBook(cfg, clk)
	p := addr(1)

	b.ReportFailure(p, "a")
	b.ReportFailure(p, "b")
	clk.advance(cfg.FailureWindow + time.Second)
	b.ReportFailure(p, "c")

	require.True(t, b.Dialable(p), "the first two failures should have aged out of the window")
}

func TestPeerBookBanExpires(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	cfg := testPeerBookConfig()
	b := NewPeerBook(cfg, clk)
	p := addr(1)

	b.ReportFailure(p, "a")
	b.ReportFailure(p, "b")
	b.ReportFailure(p, "c")
	require.True(t, b.IsBanned(p))

	clk.advance(cfg.BanDuration + time.Second)
	require.False(t, b.IsBanned(p))
	require.True(t, b.Dialable(p))
}

func TestPeerBookCooldown(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	b := NewPeerBook(testPeerBookConfig(), clk)
	p := addr(1)

	b.Cooldown(p, 10*time.Second)
	require.True(t, b.IsCoolingDown(p))
	require.False(t, b.Dialable(p))

	clk.advance(11 * time.Second)
	require.False(t, b.IsCoolingDown(p))
	require.True(t, b.Dialable(p))
}

func TestPeerBookTracksPeersIndependently(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	b := NewPeerBook(testPeerBookConfig(), clk)
	p1, p2 := addr(1), addr(2)

	b.ReportFailure(p1, "a")
	b.ReportFailure(p1, "b")
	b.ReportFailure(p1, "c")
	require.True(t, b.IsBanned(p1))
	require.False(t, b.IsBanned(p2))
}
