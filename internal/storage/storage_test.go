package storage_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudnetproc/internal/domain"
	"cloudnetproc/internal/storage"
)

func writeTemp(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "artifact.nc")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestObjectKey(t *testing.T) {
	fp := domain.Fingerprint{Site: "hyytiala", Date: domain.NewDate(2024, 1, 1), Product: "radar"}
	assert.Equal(t, "hyytiala/2024-01-01/x.nc", storage.ObjectKey(fp, "/tmp/x.nc", 0, ""))
	assert.Equal(t, "hyytiala/2024-01-01/abc/x.nc", storage.ObjectKey(fp, "x.nc", 1, "abc"))
	assert.Equal(t, "hyytiala/2024-01-01/v2/0123456789ab/x.nc", storage.ObjectKey(fp, "x.nc", 2, "0123456789abcdef"))
	assert.NotEqual(t, storage.ObjectKey(fp, "x.nc", 2, "aaaa"), storage.ObjectKey(fp, "x.nc", 2, "bbbb"),
		"different content never shares a key")
}

func TestLocalUploadAndPromote(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	l, err := storage.NewLocal(root)
	require.NoError(t, err)

	src := writeTemp(t, "data")
	require.NoError(t, l.Upload(ctx, "a/b.nc", src, true))
	_, err = os.Stat(filepath.Join(root, "volatile", "a", "b.nc"))
	require.NoError(t, err)

	require.NoError(t, l.Promote(ctx, "a/b.nc", "a/v2/b.nc"))
	require.NoError(t, l.Promote(ctx, "a/b.nc", "a/v2/b.nc"), "promote is idempotent")
	data, err := os.ReadFile(filepath.Join(root, "stable", "a", "v2", "b.nc"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))

	assert.True(t, errors.Is(l.Promote(ctx, "missing.nc", "missing.nc"), storage.ErrNotFound))

	require.NoError(t, l.Upload(ctx, "a/c.nc", src, true))
	require.NoError(t, l.Discard(ctx, "a/c.nc"))
	assert.NoFileExists(t, filepath.Join(root, "volatile", "a", "c.nc"))
	require.NoError(t, l.Discard(ctx, "a/c.nc"), "discarding a missing object succeeds")
}

func TestFileChecksum(t *testing.T) {
	sum, size, err := storage.FileChecksum(writeTemp(t, "abc"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", sum)
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.CopySource)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]; !ok {
		return nil, errors.New("NotFound")
	}
	return &s3.HeadObjectOutput{}, nil
}

func TestS3Promote(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string][]byte{}}
	st := storage.NewS3WithClient(fake, storage.S3Config{VolatileBucket: "vol", StableBucket: "prod"}, nil)

	require.NoError(t, st.Upload(ctx, "site/2024-01-01/x.nc", writeTemp(t, "nc"), true))
	assert.Contains(t, fake.objects, "vol/site/2024-01-01/x.nc")

	require.NoError(t, st.Promote(ctx, "site/2024-01-01/x.nc", "site/2024-01-01/v2/x.nc"))
	assert.Contains(t, fake.objects, "prod/site/2024-01-01/v2/x.nc")
	assert.NotContains(t, fake.objects, "vol/site/2024-01-01/x.nc")

	require.NoError(t, st.Promote(ctx, "site/2024-01-01/x.nc", "site/2024-01-01/v2/x.nc"), "second promote finds the stable copy")
	assert.Error(t, st.Promote(ctx, "missing.nc", "missing.nc"))

	require.NoError(t, st.Upload(ctx, "site/2024-01-01/y.nc", writeTemp(t, "nc"), true))
	require.NoError(t, st.Discard(ctx, "site/2024-01-01/y.nc"))
	assert.NotContains(t, fake.objects, "vol/site/2024-01-01/y.nc")
}

func TestMemoryPromoteAndDiscard(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	m.Stable["k1"] = []byte("v1")
	require.NoError(t, m.Upload(ctx, "k1", writeTemp(t, "vol"), true))

	require.NoError(t, m.Promote(ctx, "k1", "v2/k1"))
	assert.Equal(t, "v1", string(m.Stable["k1"]), "promote never touches other stable objects")
	assert.Equal(t, "vol", string(m.Stable["v2/k1"]))
	require.NoError(t, m.Promote(ctx, "k1", "v2/k1"))

	m.Volatile["k2"] = []byte("x")
	require.NoError(t, m.Discard(ctx, "k2"))
	assert.Empty(t, m.Volatile)
}
