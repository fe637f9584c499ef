package crypto

import (
	crypto_rand "crypto/rand"
	"testing"

	"github.com/kevinburke/nacl/box"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptWithKey(t *testing.T) {
	require := require.New(t)
	key := make([]byte, 32)
	_, err := crypto_rand.Read(key)
	require.Nil(err)

	enc, err := EncryptWithKey(key, []byte("hello"), []byte("ad"))
	require.Nil(err)
	dec, err := DecryptWithKey(key, enc, []byte("ad"))
	require.Nil(err)
	require.Equal([]byte("hello"), dec)

	_, err = DecryptWithKey(key, enc, []byte("wrong ad"))
	require.NotNil(err)
}

func TestDHIsSymmetric(t *testing.T) {
	require := require.New(t)
	alicePub, alicePriv, err := box.GenerateKey(crypto_rand.Reader)
	require.Nil(err)
	bobPub, bobPriv, err := box.GenerateKey(crypto_rand.Reader)
	require.Nil(err)

	ab := DH(alicePriv[:], bobPub[:])
	ba := DH(bobPriv[:], alicePub[:])
	require.Equal(ab, ba)
	require.Len(ab, 32)
}

func TestDeriveSecretIsDeterministic(t *testing.T) {
	require := require.New(t)
	s1, err := DeriveSecret([]byte("material"), "info")
	require.Nil(err)
	s2, err := DeriveSecret([]byte("material"), "info")
	require.Nil(err)
	require.Equal(s1, s2)
	require.Len(s1, 32)

	s3, err := DeriveSecret([]byte("material"), "other info")
	require.Nil(err)
	require.NotEqual(s1, s3)
}

func TestEncryptDecryptWithDH(t *testing.T) {
	require := require.New(t)
	alicePub, alicePriv, err := box.GenerateKey(crypto_rand.Reader)
	require.Nil(err)
	bobPub, bobPriv, err := box.GenerateKey(crypto_rand.Reader)
	require.Nil(err)

	enc, err := EncryptWithDH(bobPub[:], alicePriv[:], []byte("hi"), nil)
	require.Nil(err)
	dec, err := DecryptWithDH(alicePub[:], bobPriv[:], enc, nil)
	require.Nil(err)
	require.Equal([]byte("hi"), dec)
}
