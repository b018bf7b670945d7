package key

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormaliseRejectsEmptyAndWhitespace(t *testing.T) {
	_, err := Normalise("", Rules{MaxKeyLength: 200})
	require.Error(t, err)

	_, err = Normalise("has space", Rules{MaxKeyLength: 200})
	require.Error(t, err)
}

func TestNormaliseAppliesPrefix(t *testing.T) {
	nk, err := Normalise("k", Rules{Prefix: "p", MaxKeyLength: 200})
	require.NoError(t, err)
	assert.Equal(t, "p:k", nk.CanonicalKey)
	assert.False(t, nk.HasHashedKey())
	assert.Equal(t, "p:k", nk.DerivedKey(false))
	assert.Equal(t, "k", nk.DerivedKey(true))
}

func TestNormaliseTooLongWithoutHashingFails(t *testing.T) {
	_, err := Normalise("k", Rules{Prefix: "p", MaxKeyLength: 2})
	require.Error(t, err)
	var invalid *InvalidKeyError
	require.ErrorAs(t, err, &invalid)
}

func TestNormaliseAutoHashesLongKeys(t *testing.T) {
	nk, err := Normalise("averylongapplicationkeythatexceedsthelimit", Rules{
		Prefix: "p", MaxKeyLength: 10, AutoHash: true,
	})
	require.NoError(t, err)
	assert.True(t, nk.HasHashedKey())
	assert.Equal(t, AlgorithmXXHash64, nk.Algorithm)
}

func TestNormaliseForceHashIsDeterministic(t *testing.T) {
	a, err := Normalise("k", Rules{ForceHash: true, MaxKeyLength: 200})
	require.NoError(t, err)
	b, err := Normalise("k", Rules{ForceHash: true, MaxKeyLength: 200})
	require.NoError(t, err)
	assert.Equal(t, a.HashedKey, b.HashedKey)
}

func TestNormaliseIdempotent(t *testing.T) {
	rules := Rules{Prefix: "p", MaxKeyLength: 200}
	a, err := Normalise("k", rules)
	require.NoError(t, err)
	b, err := Normalise(a.ApplicationKey, rules)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
