package s3remote

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cradle/action"
	"github.com/teranos/cradle/errors"
)

type object struct {
	body []byte
	meta map[string]string
}

// fakeS3 is an in-memory object store. Listings return pageSize keys per page
// so pagination is exercised.
type fakeS3 struct {
	mu       gosync.Mutex
	objects  map[string]object
	pageSize int
	puts     int
	heads    int
	getErr   map[string]error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string]object{}, pageSize: 2, getErr: map[string]error{}}
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) && k > aws.ToString(in.ContinuationToken) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if len(keys) > f.pageSize {
		keys = keys[:f.pageSize]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	for _, k := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	if err := f.getErr[key]; err != nil {
		return nil, err
	}
	obj, ok := f.objects[key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.body))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heads++
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{Metadata: obj.meta}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	f.objects[aws.ToString(in.Key)] = object{body: body, meta: in.Metadata}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

var t0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func newRemote(f *fakeS3) *Remote {
	return NewWithClient(f, Config{Bucket: "cradle", Prefix: "family/"}, nil)
}

func TestPushThenFetch(t *testing.T) {
	ctx := context.Background()
	f := newFakeS3()
	r := newRemote(f)
	p1, p2 := uuid.New(), uuid.New()

	var mine []action.Action
	for i := 0; i < 3; i++ {
		mine = append(mine, action.New(action.Diaper, t0.Add(time.Duration(i)*time.Hour), action.Attrs{}))
	}
	theirs := action.New(action.Sleep, t0, action.Attrs{})
	require.NoError(t, r.Push(ctx, p1, mine, nil))
	require.NoError(t, r.Push(ctx, p2, []action.Action{theirs}, nil))
	f.objects["family/profiles/README.txt"] = object{body: []byte("not an action")}

	snap, err := newRemote(f).FetchSnapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Profiles[p1], 3)
	require.Len(t, snap.Profiles[p2], 1)
	assert.True(t, snap.Profiles[p2][0].Equal(theirs))
	assert.Empty(t, snap.Known)
}

func TestPushDeletes(t *testing.T) {
	ctx := context.Background()
	f := newFakeS3()
	r := newRemote(f)
	pid := uuid.New()
	a := action.New(action.Diaper, t0, action.Attrs{})
	b := action.New(action.Diaper, t0.Add(time.Hour), action.Attrs{})
	require.NoError(t, r.Push(ctx, pid, []action.Action{a, b}, nil))

	require.NoError(t, r.Push(ctx, pid, []action.Action{b}, []uuid.UUID{a.ID, uuid.New()}))

	snap, err := r.FetchSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Profiles[pid], 1)
	assert.Equal(t, b.ID, snap.Profiles[pid][0].ID)
}

func TestPushKeepsNewerStoredCopy(t *testing.T) {
	ctx := context.Background()
	f := newFakeS3()
	pid := uuid.New()
	a := action.New(action.Feeding, t0, action.Attrs{BottleVolume: action.Ptr(90.0)}).Closed(t0.Add(time.Hour))

	newer := a
	newer.BottleVolume = action.Ptr(150.0)
	newer.UpdatedAt = t0.Add(2 * time.Hour)
	require.NoError(t, newRemote(f).Push(ctx, pid, []action.Action{newer}, nil))

	// a device that never fetched pushes its stale copy
	stale := newRemote(f)
	require.NoError(t, stale.Push(ctx, pid, []action.Action{a}, nil))
	assert.Equal(t, 1, f.puts, "stale copy must not overwrite")

	snap, err := stale.FetchSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 150.0, *snap.Profiles[pid][0].BottleVolume)

	heads := f.heads
	require.NoError(t, stale.Push(ctx, pid, snap.Profiles[pid], nil))
	assert.Equal(t, heads, f.heads, "versions seen in the last fetch skip the round trip")
}

func TestFetchForgetsObjectsDeletedElsewhere(t *testing.T) {
	ctx := context.Background()
	f := newFakeS3()
	r := newRemote(f)
	pid := uuid.New()
	a := action.New(action.Diaper, t0, action.Attrs{})
	require.NoError(t, r.Push(ctx, pid, []action.Action{a}, nil))

	// another device deletes the object
	require.NoError(t, newRemote(f).Push(ctx, pid, nil, []uuid.UUID{a.ID}))

	snap, err := r.FetchSnapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Profiles[pid])

	require.NoError(t, r.Push(ctx, pid, []action.Action{a}, nil))
	f.mu.Lock()
	_, ok := f.objects[r.key(pid, a.ID)]
	f.mu.Unlock()
	assert.True(t, ok, "push after the deletion must write the object again")
}

func TestFetchReportsUnreadableAsKnown(t *testing.T) {
	ctx := context.Background()
	f := newFakeS3()
	r := newRemote(f)
	pid := uuid.New()
	good := action.New(action.Diaper, t0, action.Attrs{})
	require.NoError(t, r.Push(ctx, pid, []action.Action{good}, nil))

	corrupt := uuid.New()
	f.objects[r.key(pid, corrupt)] = object{body: []byte("{")}
	denied := uuid.New()
	f.objects[r.key(pid, denied)] = object{body: []byte("{}")}
	f.getErr[r.key(pid, denied)] = errors.New("AccessDenied")

	snap, err := r.FetchSnapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Profiles[pid], 1)
	assert.ElementsMatch(t, []uuid.UUID{corrupt, denied}, snap.Known[pid])
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestParseKey(t *testing.T) {
	r := newRemote(newFakeS3())
	pid, aid := uuid.New(), uuid.New()

	gotP, gotA, ok := r.parseKey(r.key(pid, aid))
	require.True(t, ok)
	assert.Equal(t, pid, gotP)
	assert.Equal(t, aid, gotA)

	for _, bad := range []string{"other/profiles/x.json", "family/profiles/" + pid.String() + "/notes.json", "family/profiles/flat.json"} {
		_, _, ok := r.parseKey(bad)
		assert.False(t, ok, bad)
	}
}
