package files

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticResolverJoinsAndEscapes(t *testing.T) {
	r := NewStatic("https://files.example.com/")
	link, err := r.ResolveFileURL(context.Background(), "/projects/42/devis final.pdf")
	require.NoError(t, err)
	assert.Equal(t, "https://files.example.com/projects/42/devis%20final.pdf", link)

	link, err = r.ResolveFileURL(context.Background(), "https://cdn.example.com/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/a.pdf", link)

	_, err = r.ResolveFileURL(context.Background(), " ")
	assert.ErrorIs(t, err, ErrEmptyPath)
}

func TestGCSResolverSignsObjectKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	r, err := NewGCS(GCSOptions{
		Bucket:     "worksite-docs",
		AccessID:   "signer@example.iam.gserviceaccount.com",
		PrivateKey: pemKey,
		TTL:        10 * time.Minute,
	})
	require.NoError(t, err)

	link, err := r.ResolveFileURL(context.Background(), "https://storage.googleapis.com/worksite-docs/projects/42/contract.pdf")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(link, "https://storage.googleapis.com/worksite-docs/projects/42/contract.pdf?"), link)
	assert.Contains(t, link, "X-Goog-Signature=")

	_, err = NewGCS(GCSOptions{Bucket: "b"})
	assert.Error(t, err)
}

type countingResolver struct {
	calls int
	err   error
}

func (c *countingResolver) ResolveFileURL(_ context.Context, path string) (string, error) {
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	return "signed://" + path, nil
}

func TestCachedResolverReusesLinks(t *testing.T) {
	next := &countingResolver{}
	r := NewCached(next, 4, time.Minute)

	for i := 0; i < 3; i++ {
		link, err := r.ResolveFileURL(context.Background(), "a.pdf")
		require.NoError(t, err)
		assert.Equal(t, "signed://a.pdf", link)
	}
	assert.Equal(t, 1, next.calls)

	failing := NewCached(&countingResolver{err: errors.New("boom")}, 4, time.Minute)
	_, err := failing.ResolveFileURL(context.Background(), "a.pdf")
	assert.Error(t, err)
}
