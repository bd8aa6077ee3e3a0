package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrotrace/tracecore/pkg/audit"
	"github.com/agrotrace/tracecore/pkg/auth"
	"github.com/agrotrace/tracecore/pkg/store/ledger"
)

type object struct {
	body []byte
	meta map[string]string
}

// fakeS3 is an in-memory S3API.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]object
	puts    int
	putErr  error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]object)}
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]; !ok {
		return nil, errors.New("NotFound")
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.puts++
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = object{body: body, meta: in.Metadata}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.body)), Metadata: obj.meta}, nil
}

func generatePack(t *testing.T) *audit.EvidencePack {
	t.Helper()
	l := ledger.NewMemoryLedger()
	rec := audit.NewRecorder(l)
	_, err := rec.RecordCriticalClose(context.Background(), audit.EntityShipment, 1, "S-1", "shipment closed", nil,
		&auth.User{ID: "u-1", TenantID: "t1"})
	require.NoError(t, err)

	pack, err := audit.NewExporter(l).GeneratePack(context.Background(), audit.ExportRequest{TenantID: "t1"})
	require.NoError(t, err)
	return pack
}

func TestS3Sink_UploadAndFetch(t *testing.T) {
	client := newFakeS3()
	sink := NewS3SinkWithClient(client, "evidence", "/audit/packs/")
	pack := generatePack(t)

	key, err := sink.Upload(context.Background(), pack)
	require.NoError(t, err)
	assert.Equal(t, "audit/packs/t1/"+pack.Manifest.BundleID+".zip", key)

	stored := client.objects["evidence/"+key]
	assert.Equal(t, pack.Checksum, stored.meta["sha256"])
	assert.Equal(t, "t1", stored.meta["tenant-id"])

	data, err := sink.Fetch(context.Background(), "t1", pack.Manifest.BundleID)
	require.NoError(t, err)
	assert.Equal(t, pack.Zip, data)
}

func TestS3Sink_UploadIsIdempotent(t *testing.T) {
	client := newFakeS3()
	sink := NewS3SinkWithClient(client, "evidence", "")
	pack := generatePack(t)

	_, err := sink.Upload(context.Background(), pack)
	require.NoError(t, err)
	key, err := sink.Upload(context.Background(), pack)
	require.NoError(t, err)

	assert.Equal(t, 1, client.puts)
	assert.Equal(t, "t1/"+pack.Manifest.BundleID+".zip", key)
}

func TestS3Sink_FetchDetectsCorruption(t *testing.T) {
	client := newFakeS3()
	sink := NewS3SinkWithClient(client, "evidence", "")
	pack := generatePack(t)

	key, err := sink.Upload(context.Background(), pack)
	require.NoError(t, err)

	obj := client.objects["evidence/"+key]
	obj.body = append([]byte(nil), obj.body...)
	obj.body[len(obj.body)-1] ^= 0xff
	client.objects["evidence/"+key] = obj

	_, err = sink.Fetch(context.Background(), "t1", pack.Manifest.BundleID)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestS3Sink_Errors(t *testing.T) {
	client := newFakeS3()
	client.putErr = errors.New("access denied")
	sink := NewS3SinkWithClient(client, "evidence", "")

	_, err := sink.Upload(context.Background(), generatePack(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")

	_, err = sink.Upload(context.Background(), nil)
	assert.Error(t, err)

	_, err = sink.Fetch(context.Background(), "t1", "missing")
	assert.Error(t, err)

	_, err = NewS3Sink(context.Background(), S3Config{})
	assert.ErrorIs(t, err, ErrBucketNotConfigured)
}
