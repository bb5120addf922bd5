package integration

import (
	"fmt"
	"sync"
	"time"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/carpool-chat/internal/broker"
	"github.com/Tyrowin/carpool-chat/internal/config"
	"github.com/Tyrowin/carpool-chat/test/testhelpers"
)

// TestCrossProcessDelivery runs two server processes on one shared broker and
// checks each member receives every message exactly once.
func TestCrossProcessDelivery(t *testing.T) {
	bus := broker.NewMemoryBus()
	west := testhelpers.NewStack(t, bus)
	east := testhelpers.NewStack(t, bus)

	alice := west.Connect(t)
	bob := east.Connect(t)

	require.NoError(t, testhelpers.Join(alice, "R1"))
	require.NoError(t, testhelpers.Join(bob, "R1"))
	west.WaitForMembers(t, "R1", 1)
	east.WaitForMembers(t, "R1", 1)

	require.NoError(t, testhelpers.SendChat(alice, "R1", "Ana", "first"))
	testhelpers.ExpectMessage(t, alice, "Ana", "first")
	testhelpers.ExpectMessage(t, bob, "Ana", "first")

	// A duplicate of "first" would arrive before "second".
	require.NoError(t, testhelpers.SendChat(bob, "R1", "Ben", "second"))
	testhelpers.ExpectMessage(t, alice, "Ben", "second")
	testhelpers.ExpectMessage(t, bob, "Ben", "second")
}

// TestCrossProcessIsolation checks a process only subscribes rooms its own
// connections joined.
func TestCrossProcessIsolation(t *testing.T) {
	bus := broker.NewMemoryBus()
	west := testhelpers.NewStack(t, bus)
	east := testhelpers.NewStack(t, bus)

	alice := west.Connect(t)
	require.NoError(t, testhelpers.Join(alice, "R1"))
	west.WaitForMembers(t, "R1", 1)

	require.Equal(t, []string{"R1"}, west.Broker.Subscriptions())
	require.Empty(t, east.Broker.Subscriptions())

	bob := east.Connect(t)
	require.NoError(t, testhelpers.SendChat(bob, "R1", "Ben", "from east"))
	testhelpers.ExpectMessage(t, alice, "Ben", "from east")
	require.Empty(t, east.Broker.Subscriptions())
}

// TestManyClientsOneRoom connects several clients to one room and checks
// every client sees every message in the order it was published.
func TestManyClientsOneRoom(t *testing.T) {
	const numClients = 6
	const numMessages = 5

	stack := testhelpers.NewStack(t, nil, func(cfg *config.Config) {
		cfg.RateLimit.Burst = 100
	})
	clients := make([]*websocket.Conn, numClients)
	for i := range clients {
		clients[i] = stack.Connect(t)
		require.NoError(t, testhelpers.Join(clients[i], "pool"))
	}
	stack.WaitForMembers(t, "pool", numClients)
	require.Equal(t, []string{"pool"}, stack.Broker.Subscriptions())

	for i := 0; i < numMessages; i++ {
		require.NoError(t, testhelpers.SendChat(clients[0], "pool", "Ana", fmt.Sprintf("msg-%d", i)))
	}

	var wg sync.WaitGroup
	errs := make(chan error, numClients)
	for i, conn := range clients {
		wg.Add(1)
		go func(i int, conn *websocket.Conn) {
			defer wg.Done()
			for j := 0; j < numMessages; j++ {
				got, err := testhelpers.ReceiveMessage(conn, 2*time.Second)
				if err != nil {
					errs <- fmt.Errorf("client %d message %d: %w", i, j, err)
					return
				}
				if want := fmt.Sprintf("msg-%d", j); got.Message != want {
					errs <- fmt.Errorf("client %d: expected %s, got %s", i, want, got.Message)
					return
				}
			}
		}(i, conn)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

// TestConcurrentJoinAndLeave churns connections through one room and checks
// the subscription matches membership once everything settles.
func TestConcurrentJoinAndLeave(t *testing.T) {
	const numClients = 10

	stack := testhelpers.NewStack(t, nil)
	anchor := stack.Connect(t)
	require.NoError(t, testhelpers.Join(anchor, "busy"))
	stack.WaitForMembers(t, "busy", 1)

	var wg sync.WaitGroup
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := testhelpers.ConnectWebSocket(stack.WebSocketURL())
			if err != nil {
				t.Errorf("connect: %v", err)
				return
			}
			_ = testhelpers.Join(conn, "busy")
			_ = testhelpers.CloseWebSocket(conn)
		}()
	}
	wg.Wait()

	stack.WaitForMembers(t, "busy", 1)
	require.True(t, stack.Bridge.IsSubscribed("busy"))

	require.NoError(t, testhelpers.CloseWebSocket(anchor))
	testhelpers.Eventually(t, func() bool {
		return len(stack.Bridge.Subscriptions()) == 0 && len(stack.Broker.Subscriptions()) == 0
	}, "subscription outlived the last member")
}
