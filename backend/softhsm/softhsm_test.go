package softhsm

import (
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustedge-io/trustedge/backend"
)

func TestGenerateSignVerifyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(dir, []byte("store passphrase"))
	require.NoError(t, err)

	resp, err := b.Do(backend.Request{Op: backend.OpGenerateAsymmetricKey})
	require.NoError(t, err)
	require.NotEmpty(t, resp.KeyID)

	msg := []byte("sign me")
	signResp, err := b.Do(backend.Request{Op: backend.OpSign, KeyID: resp.KeyID, Message: msg})
	require.NoError(t, err)

	_, err = b.Do(backend.Request{Op: backend.OpVerify, KeyID: resp.KeyID, Message: msg, Signature: signResp.Signature})
	assert.NoError(t, err)
}

func TestGenerateP256SignVerifyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(dir, []byte("store passphrase"))
	require.NoError(t, err)

	resp, err := b.Do(backend.Request{Op: backend.OpGenerateAsymmetricKey, KeyAlgorithm: string(AlgorithmP256)})
	require.NoError(t, err)
	require.NotEmpty(t, resp.KeyID)
	assert.Contains(t, b.ListKeyIDs(), resp.KeyID)

	msg := []byte("sign me with p256")
	signResp, err := b.Do(backend.Request{Op: backend.OpSign, KeyID: resp.KeyID, Message: msg})
	require.NoError(t, err)

	_, err = b.Do(backend.Request{Op: backend.OpVerify, KeyID: resp.KeyID, Message: msg, Signature: signResp.Signature})
	assert.NoError(t, err)

	_, err = b.Do(backend.Request{Op: backend.OpVerify, KeyID: resp.KeyID, Message: []byte("tampered"), Signature: signResp.Signature})
	assert.Error(t, err)
}

func TestP256KeySurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	b1, err := Open(dir, []byte("pw"))
	require.NoError(t, err)
	resp, err := b1.Do(backend.Request{Op: backend.OpGenerateAsymmetricKey, KeyAlgorithm: string(AlgorithmP256)})
	require.NoError(t, err)

	b2, err := Open(dir, []byte("pw"))
	require.NoError(t, err)
	assert.Contains(t, b2.ListKeyIDs(), resp.KeyID)

	msg := []byte("after reopen")
	signResp, err := b2.Do(backend.Request{Op: backend.OpSign, KeyID: resp.KeyID, Message: msg})
	require.NoError(t, err)
	_, err = b2.Do(backend.Request{Op: backend.OpVerify, KeyID: resp.KeyID, Message: msg, Signature: signResp.Signature})
	assert.NoError(t, err)
}

func TestReopenPersistsKeys(t *testing.T) {
	dir := t.TempDir()
	b1, err := Open(dir, []byte("pw"))
	require.NoError(t, err)
	resp, err := b1.Do(backend.Request{Op: backend.OpGenerateAsymmetricKey})
	require.NoError(t, err)

	b2, err := Open(dir, []byte("pw"))
	require.NoError(t, err)
	assert.Contains(t, b2.ListKeyIDs(), resp.KeyID)
}

func TestCorruptedIndexRejected(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(dir, []byte("pw"))
	require.NoError(t, err)
	_, err = b.Do(backend.Request{Op: backend.OpGenerateAsymmetricKey})
	require.NoError(t, err)

	// Tamper with the on-disk index directly.
	path := b.indexPath()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = Open(dir, []byte("pw"))
	assert.ErrorIs(t, err, backend.ErrBackendCorrupted)
}

func TestConcurrentOpenConsistentKeyList(t *testing.T) {
	dir := t.TempDir()
	seed, err := Open(dir, []byte("pw"))
	require.NoError(t, err)
	_, err = seed.Do(backend.Request{Op: backend.OpGenerateAsymmetricKey})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := Open(dir, []byte("pw"))
			require.NoError(t, err)
			results[i] = b.ListKeyIDs()
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Len(t, r, 1)
	}
}
