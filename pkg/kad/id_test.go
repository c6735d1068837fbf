package kad

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idWithLastByte(b byte) ID {
	var id ID
	id[len(id)-1] = b
	return id
}

func TestParseID(t *testing.T) {
	id, err := ParseID(make([]byte, 20))
	require.NoError(t, err)
	assert.True(t, id.IsZero())

	for _, n := range []int{0, 19, 21, 32} {
		_, err := ParseID(make([]byte, n))
		assert.ErrorIs(t, err, ErrInvalidInput, "length %d", n)
	}
}

func TestParseHexRoundTrip(t *testing.T) {
	id := MustRandomID()
	parsed, err := ParseHex(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseHex("zz")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDistanceProperties(t *testing.T) {
	for i := 0; i < 50; i++ {
		a, b := MustRandomID(), MustRandomID()
		assert.Equal(t, a.Distance(b), b.Distance(a), "symmetry")
		assert.True(t, a.Distance(a).IsZero(), "identity")
		assert.Equal(t, a, a.Distance(b).Distance(b), "xor is its own inverse")
	}
}

func TestComparisons(t *testing.T) {
	one, two := idWithLastByte(1), idWithLastByte(2)

	assert.True(t, one.Less(two))
	assert.True(t, one.LessOrEqual(two))
	assert.True(t, one.LessOrEqual(one))
	assert.False(t, one.Greater(two))
	assert.True(t, two.Greater(one))
	assert.True(t, two.GreaterOrEqual(one))
	assert.True(t, two.GreaterOrEqual(two))
	assert.False(t, two.Greater(two))
	assert.True(t, one.Equal(idWithLastByte(1)))

	var high ID
	high[0] = 0x01
	assert.True(t, high.Greater(two), "most significant byte dominates")
}

func TestBucketIndex(t *testing.T) {
	var owner ID
	assert.Equal(t, -1, BucketIndex(owner, owner))
	assert.Equal(t, 0, BucketIndex(owner, idWithLastByte(1)))
	assert.Equal(t, 1, BucketIndex(owner, idWithLastByte(2)))
	assert.Equal(t, 1, BucketIndex(owner, idWithLastByte(3)))
	assert.Equal(t, 7, BucketIndex(owner, idWithLastByte(0x80)))

	var top ID
	top[0] = 0x80
	assert.Equal(t, 159, BucketIndex(owner, top))
}

func TestDistanceCmpOrdersByTarget(t *testing.T) {
	target := idWithLastByte(0x10)
	ids := []ID{idWithLastByte(0xFF), idWithLastByte(0x11), idWithLastByte(0x10), idWithLastByte(0x00)}
	slices.SortFunc(ids, DistanceCmp(target))

	assert.Equal(t, idWithLastByte(0x10), ids[0])
	assert.Equal(t, idWithLastByte(0x11), ids[1])
	assert.Equal(t, idWithLastByte(0x00), ids[2])
	assert.Equal(t, idWithLastByte(0xFF), ids[3])
	assert.True(t, Closer(target, ids[1], ids[2]))
}

func TestHashKeyDeterministic(t *testing.T) {
	a := HashKey([]byte("alpha"))
	assert.Equal(t, a, HashKey([]byte("alpha")))
	assert.NotEqual(t, a, HashKey([]byte("beta")))
	assert.False(t, a.IsZero())
}

func TestRandomIDsDiffer(t *testing.T) {
	assert.NotEqual(t, MustRandomID(), MustRandomID())
}

func TestRandomIDInBucket(t *testing.T) {
	owner := MustRandomID()
	for _, idx := range []int{0, 1, 7, 8, 63, 100, 159} {
		for i := 0; i < 10; i++ {
			id, err := RandomIDInBucket(owner, idx)
			require.NoError(t, err)
			assert.Equal(t, idx, BucketIndex(owner, id), "index %d", idx)
		}
	}

	_, err := RandomIDInBucket(owner, 160)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = RandomIDInBucket(owner, -1)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
