package corpus

import (
	"bytes"
	"context"
	"errors"
	"image"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/MrCodeEU/faceid/pkg/faceimage"
)

// fakeS3 keeps objects in memory. Only the calls S3Corpus makes are implemented.
type fakeS3 struct {
	s3iface.S3API

	mu       sync.Mutex
	objects  map[string][]byte
	putErr   error
	pageSize int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte), pageSize: 2}
}

func (f *fakeS3) PutObjectWithContext(ctx aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.StringValue(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) ListObjectsV2PagesWithContext(ctx aws.Context, in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, _ ...request.Option) error {
	f.mu.Lock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.StringValue(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	f.mu.Unlock()
	sort.Strings(keys)

	for start := 0; start < len(keys) || start == 0; start += f.pageSize {
		end := start + f.pageSize
		if end > len(keys) {
			end = len(keys)
		}
		page := &s3.ListObjectsV2Output{}
		for _, k := range keys[start:end] {
			page.Contents = append(page.Contents, &s3.Object{Key: aws.String(k)})
		}
		if !fn(page, end == len(keys)) || end == len(keys) {
			break
		}
	}
	return nil
}

func TestS3Corpus_AppendAndSnapshot(t *testing.T) {
	client := newFakeS3()
	sc := NewS3CorpusWithClient(client, "faces", "/TrainedImages/")
	ctx := context.Background()

	stored, err := sc.Append(ctx, "carol", []*image.Gray{testFace(1), testFace(2), testFace(3)})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("expected 3 stored, got %d", len(stored))
	}
	if !strings.HasPrefix(stored[0], "s3://faces/TrainedImages/carol_") {
		t.Errorf("unexpected location: %s", stored[0])
	}

	// Objects outside the prefix are not part of the corpus.
	client.objects["Other/eve_1.png"] = []byte("x")

	snap, err := sc.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.Len() != 3 {
		t.Fatalf("expected 3 images, got %d", snap.Len())
	}
	if snap.Generation != 2 {
		t.Errorf("expected generation 2, got %d", snap.Generation)
	}
	for i, img := range snap.Images {
		if img.Name != "carol" {
			t.Errorf("image %d: expected carol, got %s", i, img.Name)
		}
		if faceimage.Grayscale(snap.Faces[i]).Bounds().Dx() != 8 {
			t.Errorf("image %d: unexpected size", i)
		}
	}
}

func TestS3Corpus_EmptyPrefix(t *testing.T) {
	sc := NewS3CorpusWithClient(newFakeS3(), "faces", "")

	images, err := sc.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	if len(images) != 0 {
		t.Errorf("expected empty corpus, got %d", len(images))
	}

	if _, err := sc.Append(context.Background(), "dave", []*image.Gray{testFace(1)}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	images, err = sc.Enumerate(context.Background())
	if err != nil || len(images) != 1 {
		t.Fatalf("expected 1 image, got %d (err=%v)", len(images), err)
	}
	if strings.Contains(images[0].Path, "//dave") {
		t.Errorf("unexpected path: %s", images[0].Path)
	}
}

func TestS3Corpus_PutFailure(t *testing.T) {
	client := newFakeS3()
	client.putErr = errors.New("access denied")
	sc := NewS3CorpusWithClient(client, "faces", "TrainedImages")

	stored, err := sc.Append(context.Background(), "carol", []*image.Gray{testFace(1), testFace(2)})
	if len(stored) != 0 {
		t.Errorf("expected nothing stored, got %v", stored)
	}
	if !errors.Is(err, client.putErr) {
		t.Errorf("expected put error, got %v", err)
	}
	if sc.Generation() != 1 {
		t.Errorf("expected generation 1, got %d", sc.Generation())
	}
}
