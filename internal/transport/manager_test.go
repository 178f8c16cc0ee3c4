package transport

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T, staleness time.Duration) (*Manager, *Manager, uuid.UUID, uuid.UUID) {
	t.Helper()
	hub := NewHub()
	idA, idB := uuid.New(), uuid.New()

	mgrA := NewManager(hub.NewRadio(Identity{ID: idA, DisplayName: "a"}),
		Identity{ID: idA, DisplayName: "a"}, staleness, slog.Default())
	t.Cleanup(mgrA.Close)
	mgrB := NewManager(hub.NewRadio(Identity{ID: idB, DisplayName: "b"}),
		Identity{ID: idB, DisplayName: "b"}, staleness, slog.Default())
	t.Cleanup(mgrB.Close)
	return mgrA, mgrB, idA, idB
}

func TestDiscovery(t *testing.T) {
	mgrA, mgrB, _, idB := newPair(t, 5*time.Second)

	require.NoError(t, mgrB.StartAdvertising())
	require.NoError(t, mgrA.StartDiscovery())

	require.Eventually(t, func() bool {
		devices := mgrA.NearbyDevices()
		return len(devices) == 1 && devices[0].ID == idB && devices[0].DisplayName == "b"
	}, 2*time.Second, 10*time.Millisecond)

	t.Run("toggles are idempotent", func(t *testing.T) {
		require.NoError(t, mgrA.StartDiscovery())
		require.NoError(t, mgrA.StartDiscovery())
		require.NoError(t, mgrA.StopDiscovery())
		require.NoError(t, mgrA.StopDiscovery())
		require.NoError(t, mgrB.StartAdvertising())
		require.NoError(t, mgrB.StopAdvertising())
		require.NoError(t, mgrB.StopAdvertising())
	})
}

func TestConnectAndExchangeFrames(t *testing.T) {
	mgrA, mgrB, idA, idB := newPair(t, 5*time.Second)
	require.NoError(t, mgrB.StartAdvertising())

	conn, err := mgrA.Connect(context.Background(), idB)
	require.NoError(t, err)
	require.Equal(t, idB, conn.PeerID())
	require.True(t, mgrA.IsConnected(idB))

	require.NoError(t, mgrA.SendTo(idB, []byte("hello")))

	select {
	case in := <-mgrB.Inbound():
		require.Equal(t, idA, in.From)
		require.Equal(t, []byte("hello"), in.Frame)
	case <-time.After(2 * time.Second):
		t.Fatal("frame never arrived")
	}

	// Reverse direction over the same connection
	require.Eventually(t, func() bool { return mgrB.IsConnected(idA) }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, mgrB.SendTo(idA, []byte("hi back")))

	select {
	case in := <-mgrA.Inbound():
		require.Equal(t, idB, in.From)
		require.Equal(t, []byte("hi back"), in.Frame)
	case <-time.After(2 * time.Second):
		t.Fatal("reply never arrived")
	}
}

func TestConnectFailures(t *testing.T) {
	mgrA, _, _, idB := newPair(t, 5*time.Second)

	t.Run("unknown peer is unreachable", func(t *testing.T) {
		_, err := mgrA.Connect(context.Background(), uuid.New())
		require.ErrorIs(t, err, ErrUnreachable)
	})

	t.Run("non-advertising peer is unreachable", func(t *testing.T) {
		_, err := mgrA.Connect(context.Background(), idB)
		require.ErrorIs(t, err, ErrUnreachable)
	})

	t.Run("send to unconnected peer fails", func(t *testing.T) {
		require.ErrorIs(t, mgrA.SendTo(idB, []byte("x")), ErrNotConnected)
	})
}

func TestBroadcastToZeroPeers(t *testing.T) {
	mgrA, _, _, _ := newPair(t, 5*time.Second)
	mgrA.Broadcast([]byte("into the void")) // must not panic or block
}

func TestStalePeerPruning(t *testing.T) {
	hub := NewHub()
	idA, idB := uuid.New(), uuid.New()

	mgrA := NewManager(hub.NewRadio(Identity{ID: idA, DisplayName: "a"}),
		Identity{ID: idA, DisplayName: "a"}, 150*time.Millisecond, slog.Default())
	t.Cleanup(mgrA.Close)
	radioB := hub.NewRadio(Identity{ID: idB, DisplayName: "b"})
	require.NoError(t, radioB.StartAdvertising(Identity{ID: idB, DisplayName: "b"}))
	require.NoError(t, mgrA.StartDiscovery())

	require.Eventually(t, func() bool {
		return len(mgrA.NearbyDevices()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// No further signal from b: the staleness window removes it
	require.Eventually(t, func() bool {
		return len(mgrA.NearbyDevices()) == 0
	}, 5*time.Second, 20*time.Millisecond)

	// A fresh RSSI sample resurrects the peer
	hub.Signal(idB, -40)
	require.Eventually(t, func() bool {
		devices := mgrA.NearbyDevices()
		return len(devices) == 1 && devices[0].SignalStrength == -40
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectClosesChannel(t *testing.T) {
	mgrA, mgrB, _, idB := newPair(t, 5*time.Second)
	require.NoError(t, mgrB.StartAdvertising())

	_, err := mgrA.Connect(context.Background(), idB)
	require.NoError(t, err)
	require.True(t, mgrA.IsConnected(idB))

	mgrA.Disconnect(idB)
	require.False(t, mgrA.IsConnected(idB))
	require.ErrorIs(t, mgrA.SendTo(idB, []byte("x")), ErrNotConnected)
}

func TestNearbyDevicesSortedBySignal(t *testing.T) {
	hub := NewHub()
	idA := uuid.New()
	mgrA := NewManager(hub.NewRadio(Identity{ID: idA, DisplayName: "a"}),
		Identity{ID: idA, DisplayName: "a"}, 5*time.Second, slog.Default())
	t.Cleanup(mgrA.Close)
	require.NoError(t, mgrA.StartDiscovery())

	weak, strong := uuid.New(), uuid.New()
	hub.NewRadio(Identity{ID: weak, DisplayName: "weak"}).StartAdvertising(Identity{ID: weak, DisplayName: "weak"})
	hub.NewRadio(Identity{ID: strong, DisplayName: "strong"}).StartAdvertising(Identity{ID: strong, DisplayName: "strong"})

	require.Eventually(t, func() bool {
		return len(mgrA.NearbyDevices()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	hub.Signal(weak, -90)
	hub.Signal(strong, -30)

	require.Eventually(t, func() bool {
		devices := mgrA.NearbyDevices()
		return len(devices) == 2 && devices[0].ID == strong && devices[1].ID == weak
	}, 2*time.Second, 10*time.Millisecond)
}
