package snapshot

import (
	"net/netip"
	"testing"
	"time"

	"github.com/WebFirstLanguage/kadnet/internal/dht"
	"github.com/WebFirstLanguage/kadnet/pkg/kad"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNode(t *testing.T, config *dht.NodeConfig) *dht.Node {
	t.Helper()
	n, err := dht.NewNode(config)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func populatedNode(t *testing.T) *dht.Node {
	t.Helper()
	n := newNode(t, &dht.NodeConfig{Address: "127.0.0.1:0"})

	for i := 0; i < 5; i++ {
		c := kad.Contact{
			ID:   kad.MustRandomID(),
			Addr: netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), uint16(4000+i)),
		}
		_, err := n.Table().Put(c)
		require.NoError(t, err)
	}

	ts := time.UnixMilli(time.Now().Add(-time.Hour).UnixMilli())
	require.NoError(t, n.Store().PutOwned(kad.Value{Key: kad.MustRandomID(), Timestamp: ts, Data: []byte("owned")}))
	require.NoError(t, n.Store().Put(kad.Value{Key: kad.MustRandomID(), Timestamp: ts, Data: []byte("replica")}))
	return n
}

func TestMaterialize(t *testing.T) {
	n := populatedNode(t)
	s := Materialize(n)

	assert.Equal(t, Version, s.Version)
	assert.Equal(t, n.ID().Bytes(), s.ID)
	assert.Equal(t, n.Addr().String(), s.Address)
	assert.Len(t, s.Contacts, 5)
	require.Len(t, s.OwnerValues, 1)
	require.Len(t, s.Values, 1)
	assert.Equal(t, []byte("owned"), s.OwnerValues[0].Data)
	assert.Equal(t, []byte("replica"), s.Values[0].Data)
}

func TestSaveLoadReconstruct(t *testing.T) {
	fs := afero.NewMemMapFs()
	original := populatedNode(t)
	state := Materialize(original)

	require.NoError(t, Save(fs, "data/node.cbor", state))
	loaded, err := Load(fs, "data/node.cbor")
	require.NoError(t, err)
	assert.Equal(t, state, loaded)

	rebuilt, err := Reconstruct(loaded, &dht.NodeConfig{Address: "127.0.0.1:0"})
	require.NoError(t, err)
	t.Cleanup(func() { rebuilt.Close() })

	assert.Equal(t, original.ID(), rebuilt.ID())
	assert.ElementsMatch(t, original.Table().Contacts(), rebuilt.Table().Contacts())
	assert.ElementsMatch(t, original.Store().OwnerValues(), rebuilt.Store().OwnerValues())
	assert.ElementsMatch(t, original.Store().Values(), rebuilt.Store().Values())
}

func TestSaveIsCanonical(t *testing.T) {
	fs := afero.NewMemMapFs()
	state := Materialize(populatedNode(t))

	require.NoError(t, Save(fs, "a.cbor", state))
	require.NoError(t, Save(fs, "b.cbor", state))

	a, err := afero.ReadFile(fs, "a.cbor")
	require.NoError(t, err)
	b, err := afero.ReadFile(fs, "b.cbor")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	exists, err := afero.Exists(fs, "a.cbor.tmp")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(afero.NewMemMapFs(), "missing.cbor")
	assert.ErrorIs(t, err, kad.ErrNotFound)
}

func TestLoadCorrupt(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "bad.cbor", []byte{0xff, 0x00}, 0o600))

	_, err := Load(fs, "bad.cbor")
	assert.Error(t, err)
}

func TestReconstructRejectsBadState(t *testing.T) {
	_, err := Reconstruct(State{Version: 99}, nil)
	assert.ErrorIs(t, err, kad.ErrInvalidInput)

	_, err = Reconstruct(State{Version: Version, ID: []byte{1, 2}}, nil)
	assert.ErrorIs(t, err, kad.ErrInvalidInput)
}

func TestReconstructSkipsBadEntries(t *testing.T) {
	state := Materialize(populatedNode(t))
	state.Contacts = append(state.Contacts, Contact{ID: []byte{1}, Addr: "10.0.0.1:1"})

	n, err := Reconstruct(state, &dht.NodeConfig{Address: "127.0.0.1:0"})
	require.NotNil(t, n)
	t.Cleanup(func() { n.Close() })

	assert.ErrorIs(t, err, kad.ErrInvalidInput)
	assert.Equal(t, 5, n.Table().Size())
}
