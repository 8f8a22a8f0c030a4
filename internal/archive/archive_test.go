package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"speech-recognition-bridge/internal/models"
	"speech-recognition-bridge/internal/observability/metrics"
	"speech-recognition-bridge/internal/service/audio"
)

type apiError struct {
	code string
}

func (e *apiError) Error() string                 { return e.code }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return e.code }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

// fakeS3 is an in-memory bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &apiError{code: "NoSuchKey"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &apiError{code: "NotFound"}
	}
	return &s3.HeadObjectOutput{}, nil
}

var testMetrics = metrics.DefaultMetrics

func testUtterance() models.Utterance {
	return models.Utterance{
		ID:        "u1",
		SessionID: "s/1",
		Audio:     []byte{1, 0, 2, 0, 3, 0},
		Format:    audio.DefaultFormat(),
		StartedAt: time.Date(2026, 3, 4, 5, 6, 7, 890e6, time.UTC),
	}
}

func readAll(t *testing.T, store FileStore, p string) []byte {
	t.Helper()
	r, err := store.Read(context.Background(), p)
	if err != nil {
		t.Fatalf("read %s: %v", p, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestUtterancePath(t *testing.T) {
	got := UtterancePath(testUtterance())
	want := "utterance/s_1/20260304-050607.890-u1.wav"
	if got != want {
		t.Errorf("UtterancePath = %q, want %q", got, want)
	}
}

func TestLogAudioPath(t *testing.T) {
	got := LogAudioPath("0001.wav", time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC))
	want := "log/20260304/20260304-050607.000-0001.wav"
	if got != want {
		t.Errorf("LogAudioPath = %q, want %q", got, want)
	}
}

func TestSaveUtterance_Local(t *testing.T) {
	store, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	a := New(store, WithMetrics(testMetrics))
	utt := testUtterance()

	p, err := a.SaveUtterance(context.Background(), utt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pcm, f, err := audio.DecodeWAV(bytes.NewReader(readAll(t, store, p)))
	if err != nil {
		t.Fatalf("stored file is not a WAV: %v", err)
	}
	if !bytes.Equal(pcm, utt.Audio) || f != utt.Format {
		t.Errorf("round trip mismatch: %v %+v", pcm, f)
	}
}

func TestSaveLogAudio_S3(t *testing.T) {
	fake := newFakeS3()
	a := New(NewS3(fake, "bucket", "bridge"), WithMetrics(testMetrics))

	p, err := a.SaveLogAudio(context.Background(), "0002.wav", []byte{9, 0}, audio.DefaultFormat(), time.Unix(0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := fake.objects["bridge/"+p]; !ok {
		t.Fatalf("expected object under prefix, have %v", fake.objects)
	}
}

func TestSave_UploadError(t *testing.T) {
	fake := newFakeS3()
	fake.putErr = errors.New("denied")
	a := New(NewS3(fake, "bucket", ""), WithMetrics(testMetrics))

	_, err := a.SaveUtterance(context.Background(), testUtterance())
	if err == nil || !strings.Contains(err.Error(), "denied") {
		t.Errorf("expected upload error, got %v", err)
	}
}

func TestLocalStore(t *testing.T) {
	store, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := store.Read(ctx, "missing"); !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
	w, err := store.Write(ctx, "a/b.bin")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "x")
	w.Close()

	if ok, _ := store.Exists(ctx, "a/b.bin"); !ok {
		t.Error("expected file to exist")
	}
	if err := store.Delete(ctx, "a/b.bin"); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "a/b.bin"); err != nil {
		t.Errorf("delete must be idempotent, got %v", err)
	}
}

func TestS3Store_NotFound(t *testing.T) {
	store := NewS3(newFakeS3(), "bucket", "")
	ctx := context.Background()

	if _, err := store.Read(ctx, "missing"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
	ok, err := store.Exists(ctx, "missing")
	if err != nil || ok {
		t.Errorf("expected (false, nil), got (%v, %v)", ok, err)
	}
}

func TestIsS3NotFound(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&apiError{code: "NoSuchKey"}, true},
		{&apiError{code: "NotFound"}, true},
		{&apiError{code: "AccessDenied"}, false},
		{errors.New("timeout"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := isS3NotFound(tt.err); got != tt.want {
			t.Errorf("isS3NotFound(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestNewS3Client(t *testing.T) {
	c := NewS3Client(S3Config{Region: "us-east-1", Endpoint: "http://127.0.0.1:9000", UsePathStyle: true, AccessKeyID: "k", SecretAccessKey: "s"})
	if c == nil {
		t.Fatal("expected a client")
	}
}
