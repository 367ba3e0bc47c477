package keys

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePrivateKey(t *testing.T) {
	km := NewKeyManager()

	first, err := km.GeneratePrivateKey()
	require.NoError(t, err)
	second, err := km.GeneratePrivateKey()
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.NoError(t, km.ValidatePrivateKey(first))
}

func TestValidatePrivateKey(t *testing.T) {
	km := NewKeyManager()

	assert.NoError(t, km.ValidatePrivateKey(""), "empty keys are generated later")
	assert.Error(t, km.ValidatePrivateKey("not-base64!"))
	assert.Error(t, km.ValidatePrivateKey(base64.StdEncoding.EncodeToString([]byte("short"))))
}

func TestPublicKeyAndPeerID(t *testing.T) {
	km := NewKeyManager()
	priv, err := km.GeneratePrivateKey()
	require.NoError(t, err)

	pub, err := km.GetPublicKey(priv)
	require.NoError(t, err)
	assert.NoError(t, km.ValidatePublicKey(pub))

	id, err := km.PeerID(pub)
	require.NoError(t, err)

	decoded, err := km.DecodePrivateKey(priv)
	require.NoError(t, err)
	pubKey, err := km.DecodePublicKey(pub)
	require.NoError(t, err)
	assert.True(t, decoded.GetPublic().Equals(pubKey))
	assert.True(t, id.MatchesPrivateKey(decoded))
}

func TestDecodeErrors(t *testing.T) {
	km := NewKeyManager()

	_, err := km.DecodePrivateKey("")
	assert.Error(t, err)
	_, err = km.GetPublicKey("AAAA")
	assert.Error(t, err)
	_, err = km.PeerID("AAAA")
	assert.Error(t, err)
}
