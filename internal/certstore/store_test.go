package certstore

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	s3aws "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)

	key := IssuedCertKey("cert-456")
	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, key, []byte("pem")))
	ok, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("pem"), data)

	require.NoError(t, s.Put(ctx, key, []byte("pem2")))
	data, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("pem2"), data)

	require.NoError(t, s.Delete(ctx, key))
	require.NoError(t, s.Delete(ctx, key))
	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSWritesPrivateFilesWithoutLeftovers(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFS(dir)
	require.NoError(t, err)

	require.NoError(t, s.Put(context.Background(), IssuedKeyKey("c1"), []byte("secret")))

	info, err := os.Stat(filepath.Join(dir, "issued", "c1.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Join(dir, "issued"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestKeysCannotEscapeRoot(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "../etc/passwd", "/abs", "a/../../b", ".."} {
		err := s.Put(context.Background(), key, []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3aws.PutObjectInput, _ ...func(*s3aws.Options)) (*s3aws.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3aws.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3aws.GetObjectInput, _ ...func(*s3aws.Options)) (*s3aws.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3aws.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3aws.HeadObjectInput, _ ...func(*s3aws.Options)) (*s3aws.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3aws.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3aws.DeleteObjectInput, _ ...func(*s3aws.Options)) (*s3aws.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3aws.DeleteObjectOutput{}, nil
}

func TestS3RoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFakeS3()
	s := NewS3WithClient(f, "certs", "/prod/")

	require.NoError(t, s.Put(ctx, UploadCertKey("acme.example.com"), []byte("pem")))
	_, stored := f.objects["certs/prod/uploads/acme.example.com.crt"]
	assert.True(t, stored)

	ok, err := s.Exists(ctx, UploadCertKey("acme.example.com"))
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := s.Get(ctx, UploadCertKey("acme.example.com"))
	require.NoError(t, err)
	assert.Equal(t, []byte("pem"), data)

	require.NoError(t, s.Delete(ctx, UploadCertKey("acme.example.com")))

	ok, err = s.Exists(ctx, UploadCertKey("acme.example.com"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, UploadCertKey("acme.example.com"))
	assert.ErrorIs(t, err, ErrNotFound)
}
