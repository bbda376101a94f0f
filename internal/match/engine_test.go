package match

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbaresearch/moatt-go/internal/registry"
	"github.com/sbaresearch/moatt-go/internal/stream"
	"github.com/sbaresearch/moatt-go/internal/wire"
)

func newPipeStream(t *testing.T) (*stream.Stream, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return stream.New(server), client
}

func imsiSim(t *testing.T, digits string) wire.SimIdentifier {
	t.Helper()
	imsi, err := wire.NewImsi(digits)
	require.NoError(t, err)
	return wire.NewSimIdentifierImsi(imsi)
}

// registeredSession mints a session directly against a store, bypassing
// the REST surface, for test setup convenience.
func registeredSession(t *testing.T, store *registry.Store) wire.SessionToken {
	t.Helper()
	tok, err := store.MintSession()
	require.NoError(t, err)
	return tok
}

func TestRequestNotFoundWhenSimNeverRegistered(t *testing.T) {
	admin, err := wire.RandomToken()
	require.NoError(t, err)
	store := registry.New(admin, time.Hour)
	probe := registeredSession(t, store)

	engine := New(store)
	result := engine.Request(context.Background(), probe, wire.ConnectRequest{Identifier: imsiSim(t, "111222333")})
	assert.Equal(t, wire.ConnectNotFound, result.Status)
}

func TestRequestNotAvailableWhenNoProviderParked(t *testing.T) {
	sim := imsiSim(t, "111222333")
	admin, err := wire.RandomToken()
	require.NoError(t, err)
	store := registry.New(admin, time.Hour)
	provider := registeredSession(t, store)
	store.Register(provider, sim)
	probe := registeredSession(t, store)

	engine := New(store)
	result := engine.Request(context.Background(), probe, wire.ConnectRequest{Identifier: sim})
	assert.Equal(t, wire.ConnectNotAvailable, result.Status)
}

func TestRequestMatchesParkedProviderAndReturnsItsStream(t *testing.T) {
	sim := imsiSim(t, "111222333")
	admin, err := wire.RandomToken()
	require.NoError(t, err)
	store := registry.New(admin, time.Hour)
	provider := registeredSession(t, store)
	store.Register(provider, sim)
	probe := registeredSession(t, store)

	engine := New(store)
	providerStream, _ := newPipeStream(t)

	handle := engine.Wait(providerStream, []wire.SimIdentifier{sim}, func(ctx context.Context, req wire.ConnectRequest) wire.ConnectStatus {
		return wire.ConnectSuccess
	})

	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		handle.Serve(context.Background())
	}()

	result := engine.Request(context.Background(), probe, wire.ConnectRequest{Identifier: sim})
	assert.Equal(t, wire.ConnectSuccess, result.Status)
	assert.Same(t, providerStream, result.ProviderStream)
	assert.NotEmpty(t, result.PairingID)
	<-serveDone
}

func TestProviderParkedUnderMultipleSimsReservedFromAll(t *testing.T) {
	simA := imsiSim(t, "111111111")
	simB := imsiSim(t, "222222222")
	admin, err := wire.RandomToken()
	require.NoError(t, err)
	store := registry.New(admin, time.Hour)
	provider := registeredSession(t, store)
	store.Register(provider, simA)
	store.Register(provider, simB)
	probe := registeredSession(t, store)

	engine := New(store)
	providerStream, _ := newPipeStream(t)

	handle := engine.Wait(providerStream, []wire.SimIdentifier{simA, simB}, func(ctx context.Context, req wire.ConnectRequest) wire.ConnectStatus {
		return wire.ConnectSuccess
	})
	go handle.Serve(context.Background())

	result := engine.Request(context.Background(), probe, wire.ConnectRequest{Identifier: simA})
	require.Equal(t, wire.ConnectSuccess, result.Status)

	// The single physical provider connection can only serve one probe —
	// it must no longer be waiting under simB either.
	assert.Equal(t, 0, engine.WaitingCount(simB))
}

func TestFIFOTieBreakAmongMultipleWaitingProviders(t *testing.T) {
	sim := imsiSim(t, "333444555")
	admin, err := wire.RandomToken()
	require.NoError(t, err)
	store := registry.New(admin, time.Hour)
	provider := registeredSession(t, store)
	store.Register(provider, sim)
	probe := registeredSession(t, store)

	engine := New(store)

	var reservedOrder []int
	var mu sync.Mutex

	const n = 5
	handles := make([]*ProviderHandle, n)
	streams := make([]*stream.Stream, n)
	for i := 0; i < n; i++ {
		i := i
		streams[i], _ = newPipeStream(t)
		handles[i] = engine.Wait(streams[i], []wire.SimIdentifier{sim}, func(ctx context.Context, req wire.ConnectRequest) wire.ConnectStatus {
			mu.Lock()
			reservedOrder = append(reservedOrder, i)
			mu.Unlock()
			return wire.ConnectSuccess
		})
		// Serialize registration order: Wait appends synchronously under
		// the engine's lock, so issuing these in a loop already fixes the
		// FIFO order without extra synchronization.
	}

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		h := h
		go func() {
			defer wg.Done()
			h.Serve(context.Background())
		}()
	}

	for i := 0; i < n; i++ {
		result := engine.Request(context.Background(), probe, wire.ConnectRequest{Identifier: sim})
		require.Equal(t, wire.ConnectSuccess, result.Status)
		require.Same(t, streams[i], result.ProviderStream, "expected FIFO registrant %d to be reserved next", i)
	}

	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, reservedOrder)
}

func TestCancelRemovesProviderFromAllWaitingSims(t *testing.T) {
	simA := imsiSim(t, "444555666")
	simB := imsiSim(t, "777888999")
	admin, err := wire.RandomToken()
	require.NoError(t, err)
	store := registry.New(admin, time.Hour)

	engine := New(store)
	providerStream, _ := newPipeStream(t)

	handle := engine.Wait(providerStream, []wire.SimIdentifier{simA, simB}, nil)
	handle.Cancel()

	assert.Equal(t, 0, engine.WaitingCount(simA))
	assert.Equal(t, 0, engine.WaitingCount(simB))
}

func TestRequestReturnsNotAvailableWhenProviderCancelledMidReservation(t *testing.T) {
	sim := imsiSim(t, "123123123")
	admin, err := wire.RandomToken()
	require.NoError(t, err)
	store := registry.New(admin, time.Hour)
	provider := registeredSession(t, store)
	store.Register(provider, sim)
	probe := registeredSession(t, store)

	engine := New(store)
	providerStream, _ := newPipeStream(t)

	handle := engine.Wait(providerStream, []wire.SimIdentifier{sim}, func(ctx context.Context, req wire.ConnectRequest) wire.ConnectStatus {
		return wire.ConnectSuccess
	})

	// Cancel before the probe ever arrives; the reservation slot is gone.
	handle.Cancel()

	result := engine.Request(context.Background(), probe, wire.ConnectRequest{Identifier: sim})
	assert.Equal(t, wire.ConnectNotAvailable, result.Status)
}
