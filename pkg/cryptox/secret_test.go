package cryptox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateSecret(t *testing.T) {
	t.Parallel()

	a, err := GenerateSecret()
	require.NoError(t, err)
	require.Len(t, a, 43) // 32 bytes base64url, no padding

	b, err := GenerateSecret()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestHashAndVerifySecret(t *testing.T) {
	t.Parallel()

	secret := "correct horse battery staple"
	hash, err := HashSecret(secret)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(hash, "$argon2id$v=19$"))

	require.NoError(t, VerifySecret(secret, hash))
	require.Error(t, VerifySecret("wrong secret", hash))
}

func TestHashSecretUniqueSalts(t *testing.T) {
	t.Parallel()

	h1, err := HashSecret("same input")
	require.NoError(t, err)
	h2, err := HashSecret("same input")
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)

	require.NoError(t, VerifySecret("same input", h1))
	require.NoError(t, VerifySecret("same input", h2))
}

func TestVerifySecretRejectsMalformedHashes(t *testing.T) {
	t.Parallel()

	for _, encoded := range []string{
		"",
		"not a hash",
		"$argon2i$v=19$m=19456,t=2,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=18$m=19456,t=2,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=bad$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=19456,t=2,p=1$!!!$aGFzaA",
	} {
		require.Error(t, VerifySecret("anything", encoded), "encoded=%q", encoded)
	}
}
