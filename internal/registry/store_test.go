package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbaresearch/moatt-go/internal/wire"
)

func newAdminToken(t *testing.T) wire.Token {
	t.Helper()
	tok, err := wire.RandomToken()
	require.NoError(t, err)
	return tok
}

func imsiSim(t *testing.T, digits string) wire.SimIdentifier {
	t.Helper()
	imsi, err := wire.NewImsi(digits)
	require.NoError(t, err)
	return wire.NewSimIdentifierImsi(imsi)
}

func TestAdminValid(t *testing.T) {
	admin := newAdminToken(t)
	store := New(admin, time.Hour)
	assert.True(t, store.AdminValid(admin))

	other, err := wire.RandomToken()
	require.NoError(t, err)
	assert.False(t, store.AdminValid(other))
}

func TestMintedSessionIsValidUntilExpiry(t *testing.T) {
	store := New(newAdminToken(t), 10*time.Millisecond)
	tok, err := store.MintSession()
	require.NoError(t, err)

	assert.Equal(t, wire.AuthSuccess, store.Valid(context.Background(), tok))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, wire.AuthNotRegistered, store.Valid(context.Background(), tok))
}

func TestUnknownSessionIsNotRegistered(t *testing.T) {
	store := New(newAdminToken(t), time.Hour)
	var tok wire.SessionToken
	assert.Equal(t, wire.AuthNotRegistered, store.Valid(context.Background(), tok))
}

// TestLookupSucceedsAcrossDistinctSessionTokens is the S1 scenario from
// spec.md §8: a provider registers under one session token and a probe
// authenticated under a *different* token must still resolve the SIM.
func TestLookupSucceedsAcrossDistinctSessionTokens(t *testing.T) {
	store := New(newAdminToken(t), time.Hour)
	sim := imsiSim(t, "111222333")

	provider, err := store.MintSession()
	require.NoError(t, err)
	probe, err := store.MintSession()
	require.NoError(t, err)
	require.NotEqual(t, provider, probe)

	store.Register(provider, sim)

	binding, err := store.Lookup(context.Background(), probe, sim)
	require.NoError(t, err)
	assert.Equal(t, provider, binding.Owner)
}

func TestLookupReportsNotFoundForUnregisteredSim(t *testing.T) {
	store := New(newAdminToken(t), time.Hour)
	probe, err := store.MintSession()
	require.NoError(t, err)

	_, err = store.Lookup(context.Background(), probe, imsiSim(t, "999888777"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLookupReportsForbiddenAcrossScopes(t *testing.T) {
	store := New(newAdminToken(t), time.Hour)
	sim := imsiSim(t, "444555666")

	provider, err := store.MintSessionScoped("tenant-a")
	require.NoError(t, err)
	store.Register(provider, sim)

	probe, err := store.MintSessionScoped("tenant-b")
	require.NoError(t, err)

	_, err = store.Lookup(context.Background(), probe, sim)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestRegisterIsNoOpForUnknownSession(t *testing.T) {
	store := New(newAdminToken(t), time.Hour)
	var unknown wire.SessionToken
	sim := imsiSim(t, "123123123")

	store.Register(unknown, sim)

	_, err := store.Lookup(context.Background(), unknown, sim)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubscribeNotifiesOnRegistration(t *testing.T) {
	store := New(newAdminToken(t), time.Hour)
	provider, err := store.MintSession()
	require.NoError(t, err)
	sim := imsiSim(t, "321321321")

	ch := store.Subscribe(provider)
	defer store.Unsubscribe(provider, ch)

	assert.Empty(t, store.SimsForSession(provider))

	store.Register(provider, sim)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a notification after Register")
	}

	sims := store.SimsForSession(provider)
	require.Len(t, sims, 1)
	assert.Equal(t, sim.String(), sims[0].String())
}

func TestUnsubscribeStopsFurtherNotifications(t *testing.T) {
	store := New(newAdminToken(t), time.Hour)
	provider, err := store.MintSession()
	require.NoError(t, err)

	ch := store.Subscribe(provider)
	store.Unsubscribe(provider, ch)

	store.Register(provider, imsiSim(t, "555666777"))

	select {
	case <-ch:
		t.Fatal("channel should not receive after Unsubscribe")
	default:
	}
}

func TestSnapshotReturnsAllRegistrations(t *testing.T) {
	store := New(newAdminToken(t), time.Hour)
	provider, err := store.MintSession()
	require.NoError(t, err)

	store.Register(provider, imsiSim(t, "111111111"))
	store.Register(provider, imsiSim(t, "222222222"))

	assert.Len(t, store.Snapshot(), 2)
}
