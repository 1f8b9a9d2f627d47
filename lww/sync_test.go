package lww

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/awarekit/bus"
)

func newSync(t *testing.T, b bus.MessageBus, peer string) *Sync[string] {
	t.Helper()
	s, err := NewSync(NewMap[string](peer), SyncConfig{Bus: b, Subject: "lww.test"})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestNewSync_Validation(t *testing.T) {
	_, err := NewSync(NewMap[int]("a"), SyncConfig{Subject: "x"})
	assert.Error(t, err)

	_, err = NewSync(NewMap[int]("a"), SyncConfig{Bus: bus.NewMemoryBus(bus.DefaultConfig())})
	assert.ErrorIs(t, err, bus.ErrInvalidSubject)
}

func TestSync_Replicates(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	alice := newSync(t, b, "alice")
	bob := newSync(t, b, "bob")

	require.NoError(t, alice.Set("title", "draft"))
	require.Eventually(t, func() bool {
		v, ok := bob.Map().Get("title")
		return ok && v == "draft"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, bob.Delete("title"))
	require.Eventually(t, func() bool {
		return !alice.Map().Has("title")
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, alice.Map().State(), bob.Map().State())
}

func TestSync_OnChangeAndMalformed(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	bob := newSync(t, b, "bob")
	got := make(chan []string, 4)
	cancel := bob.OnChange(func(keys []string) { got <- keys })
	defer cancel()

	require.NoError(t, b.Publish("lww.test", []byte("not json")))
	alice := newSync(t, b, "alice")
	require.NoError(t, alice.Set("k", "v"))

	select {
	case keys := <-got:
		assert.Equal(t, []string{"k"}, keys)
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}
}

func TestSync_DoubleStart(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	s := newSync(t, b, "a")
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
}

func TestSync_LateJoinerCatchesUp(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	alice := newSync(t, b, "alice")
	require.NoError(t, alice.Set("title", "draft"))

	// bob subscribes after the write was published and only announces an
	// empty map; alice has to answer for bob to converge.
	bob := newSync(t, b, "bob")
	require.Eventually(t, func() bool {
		v, ok := bob.Map().Get("title")
		return ok && v == "draft"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, alice.Map().State(), bob.Map().State())
}

func TestSync_StartNilContext(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	s, err := NewSync(NewMap[string]("a"), SyncConfig{Bus: b, Subject: "lww.test"})
	require.NoError(t, err)
	require.NotPanics(t, func() { require.NoError(t, s.Start(nil)) })
	assert.NoError(t, s.Stop())
}
