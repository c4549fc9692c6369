package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
)

func TestSealPassthrough(t *testing.T) {
	inner, err := NewBadgerStore(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer inner.Close()

	store, err := Seal(inner, SealConfig{})
	require.NoError(t, err)
	assert.Same(t, inner, store)

	_, err = Seal(inner, SealConfig{Compression: "lz4"})
	assert.ErrorIs(t, err, merr.ErrParameterInvalid)

	_, err = Seal(inner, SealConfig{EncryptionKey: "not-base64!"})
	assert.ErrorIs(t, err, merr.ErrParameterInvalid)
}

func TestSealedCiphertextIsBoundToDocument(t *testing.T) {
	ctx := context.Background()
	inner, err := NewBadgerStore(BadgerConfig{InMemory: true})
	require.NoError(t, err)

	encKey := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x07}, 32))
	store, err := Seal(inner, SealConfig{EncryptionKey: encKey, MacKey: encKey})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(ctx, "doc-a", Record{Snapshot: []byte("secret"), UpdatedAt: time.Now()}))

	raw, err := inner.Get(ctx, "doc-a")
	require.NoError(t, err)
	assert.NotContains(t, string(raw.Snapshot), "secret")

	// 把 doc-a 的密文挪到 doc-b 下，读取必须失败。
	require.NoError(t, inner.Put(ctx, "doc-b", *raw))
	_, err = store.Get(ctx, "doc-b")
	assert.ErrorIs(t, err, merr.ErrIoFailed)

	record, err := store.Get(ctx, "doc-a")
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), record.Snapshot)
}

func TestSealKeyRotation(t *testing.T) {
	ctx := context.Background()
	inner, err := NewBadgerStore(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer inner.Close()

	oldKey := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x01}, 32))
	newKey := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x02}, 32))

	before, err := Seal(inner, SealConfig{EncryptionKey: oldKey, MacKey: oldKey, KeyID: 1})
	require.NoError(t, err)
	require.NoError(t, before.Put(ctx, "doc", Record{Snapshot: []byte("v1"), UpdatedAt: time.Now()}))

	after, err := Seal(inner, SealConfig{
		EncryptionKey: newKey, MacKey: newKey, KeyID: 2,
		RetiredKeys: []RetiredKey{{ID: 1, EncryptionKey: oldKey, MacKey: oldKey}},
	})
	require.NoError(t, err)

	record, err := after.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), record.Snapshot)

	require.NoError(t, after.Put(ctx, "doc", Record{Snapshot: []byte("v2"), UpdatedAt: time.Now()}))
	_, err = before.Get(ctx, "doc")
	assert.ErrorIs(t, err, merr.ErrIoFailed)
}

func TestNewStore(t *testing.T) {
	ctx := context.Background()

	store, err := New(ctx, Config{}, Dependencies{})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = New(ctx, Config{Backend: BackendEtcd}, Dependencies{})
	assert.ErrorIs(t, err, merr.ErrParameterMissing)

	_, err = New(ctx, Config{Backend: "s3"}, Dependencies{})
	assert.ErrorIs(t, err, merr.ErrParameterInvalid)

	_, err = New(ctx, Config{Backend: BackendPostgres}, Dependencies{})
	assert.ErrorIs(t, err, merr.ErrParameterMissing)

	_, err = New(ctx, Config{Backend: BackendBadger}, Dependencies{})
	assert.ErrorIs(t, err, merr.ErrParameterMissing)
}
