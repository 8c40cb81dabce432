package share

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ShareFM/cache"
	"ShareFM/core/contentcrypto"
	"ShareFM/core/download"
	"ShareFM/model"
	"ShareFM/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIndex struct {
	grants      []model.AccessGrant
	grantsErr   error
	shares      []model.PlaylistShare
	sharesErr   error
	snapshot    model.PlaylistSnapshot
	grantCalls  atomic.Int32
	checkpoints atomic.Int32
}

func (f *fakeIndex) FetchGrants(context.Context, string) ([]model.AccessGrant, error) {
	f.grantCalls.Add(1)
	return f.grants, f.grantsErr
}

func (f *fakeIndex) FetchPlaylistShares(context.Context, string) ([]model.PlaylistShare, error) {
	return f.shares, f.sharesErr
}

func (f *fakeIndex) FetchCheckpointTrackIDs(context.Context, string, string, int64) (model.PlaylistSnapshot, error) {
	f.checkpoints.Add(1)
	return f.snapshot, nil
}

func (f *fakeIndex) FetchTrackMeta(_ context.Context, ids []string) (map[string]model.TrackMeta, error) {
	out := make(map[string]model.TrackMeta)
	for _, id := range ids {
		out[id] = model.TrackMeta{TrackID: id, Title: "T " + id, Artist: "A", MetaHash: "m" + id}
	}
	return out, nil
}

func (f *fakeIndex) FetchContentAliases(context.Context, []string) (map[string]string, error) {
	return map[string]string{}, nil
}

type countingEngine struct {
	calls atomic.Int32
}

func (e *countingEngine) Decrypt(context.Context, model.ContentRef, model.Identity, string) (*contentcrypto.Plaintext, error) {
	e.calls.Add(1)
	return &contentcrypto.Plaintext{Data: []byte("ID3"), MimeType: "audio/mpeg"}, nil
}

const grantee = "0xgrantee"

func grant(contentID, trackID string, updatedAt int64) model.AccessGrant {
	return model.AccessGrant{
		Grantee:   grantee,
		Granted:   true,
		UpdatedAt: updatedAt,
		Content: model.ContentRef{
			ContentID:    model.CanonicalID(contentID),
			TrackID:      trackID,
			Owner:        "0xowner",
			PiecePointer: "piece",
			Algo:         model.AlgoAES256GCM,
			UpdatedAt:    updatedAt,
		},
	}
}

func newService(t *testing.T, idx *fakeIndex) (*Service, *countingEngine) {
	t.Helper()
	engine := &countingEngine{}
	cc := cache.NewContentCache(t.TempDir(), engine, nil)
	bridge := download.NewBridge(repository.NewMemoryDownloadRepository(), download.NewFileMediaStore(t.TempDir()), cc)
	svc := NewService(Options{Index: idx, Content: cc, Bridge: bridge, TTL: time.Minute})
	t.Cleanup(svc.WaitRefresh)
	return svc, engine
}

func TestSharedLibraryPartialFailure(t *testing.T) {
	idx := &fakeIndex{
		grants:    []model.AccessGrant{grant("0xc1", "0x01", 100)},
		sharesErr: errors.New("playlist index down"),
	}
	svc, _ := newService(t, idx)

	res, err := svc.SharedLibrary(context.Background(), "0xGRANTEE", false)
	require.NoError(t, err)
	assert.True(t, res.Loading)
	require.Len(t, res.Value.Tracks, 1)
	assert.Empty(t, res.Value.Playlists)
	require.Len(t, res.Value.Warnings, 1)
	assert.Contains(t, res.Value.Warnings[0], "playlist index down")
}

func TestSharedLibraryBothSourcesFail(t *testing.T) {
	idx := &fakeIndex{grantsErr: errors.New("a"), sharesErr: errors.New("b")}
	svc, _ := newService(t, idx)

	_, err := svc.SharedLibrary(context.Background(), grantee, false)
	assert.Error(t, err)
}

func TestSharedLibraryServedFromCache(t *testing.T) {
	idx := &fakeIndex{
		grants: []model.AccessGrant{grant("0xc1", "0x01", 100)},
		shares: []model.PlaylistShare{{PlaylistID: "0xp", Grantee: grantee}},
	}
	svc, _ := newService(t, idx)

	_, err := svc.SharedLibrary(context.Background(), grantee, false)
	require.NoError(t, err)
	res, err := svc.SharedLibrary(context.Background(), grantee, false)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.False(t, res.Refreshing)
	assert.Len(t, res.Value.Playlists, 1)
	assert.Equal(t, int32(1), idx.grantCalls.Load())
}

func TestResolveSharedTracksDegrades(t *testing.T) {
	svc, _ := newService(t, &fakeIndex{grantsErr: errors.New("down")})
	tracks, err := svc.ResolveSharedTracks(context.Background(), grantee)
	require.NoError(t, err)
	assert.Empty(t, tracks)
}

func TestPlaylistTracksCachedByCheckpoint(t *testing.T) {
	idx := &fakeIndex{
		grants: []model.AccessGrant{grant("0xc1", model.CanonicalID("0x01"), 100)},
		snapshot: model.PlaylistSnapshot{
			Version:         5,
			OrderedTrackIDs: []model.RawTrackRef{{Raw: "0x01"}},
		},
	}
	svc, _ := newService(t, idx)
	sh := model.PlaylistShare{PlaylistID: "0xp", Owner: "0xowner", Grantee: grantee, PlaylistVersion: 7, TracksHash: "0xh"}

	first, err := svc.PlaylistTracks(context.Background(), sh, false)
	require.NoError(t, err)
	require.Len(t, first.Value, 1)
	assert.True(t, first.Value[0].Playable())

	second, err := svc.PlaylistTracks(context.Background(), sh, false)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Value, second.Value)
	assert.Equal(t, int32(1), idx.checkpoints.Load())
}

func TestDecryptToCachePrefersDownloadedCopy(t *testing.T) {
	svc, engine := newService(t, &fakeIndex{})
	me := model.Identity{Address: "0xme"}
	track := model.SharedTrack{
		ContentID: "0xc1", Owner: "0xowner", PiecePointer: "piece",
		Algo: model.AlgoAES256GCM, Title: "Song", Artist: "Band",
	}

	entry, err := svc.DecryptToCache(context.Background(), me, track.ContentRef())
	require.NoError(t, err)
	again, err := svc.DecryptToCache(context.Background(), me, track.ContentRef())
	require.NoError(t, err)
	assert.Equal(t, entry.LocalPath, again.LocalPath)
	assert.Equal(t, int32(1), engine.calls.Load())

	saved, err := svc.Persist(context.Background(), entry, download.MetadataFrom(track))
	require.NoError(t, err)

	local, err := svc.DecryptToCache(context.Background(), me, track.ContentRef())
	require.NoError(t, err)
	assert.Equal(t, saved.DeviceMediaRef, local.LocalPath)
	assert.Equal(t, int32(1), engine.calls.Load())

	got, err := svc.Local(context.Background(), "0xc1")
	require.NoError(t, err)
	assert.Equal(t, saved.DeviceMediaRef, got.LocalPath)

	_, err = svc.Local(context.Background(), "0xc2")
	assert.ErrorIs(t, err, ErrNotCached)
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newServiceWithClock(t *testing.T, idx *fakeIndex) (*Service, *stepClock) {
	t.Helper()
	clock := &stepClock{now: time.Unix(1_700_000_000, 0)}
	cc := cache.NewContentCache(t.TempDir(), &countingEngine{}, nil)
	bridge := download.NewBridge(repository.NewMemoryDownloadRepository(), download.NewFileMediaStore(t.TempDir()), cc)
	svc := NewService(Options{Index: idx, Content: cc, Bridge: bridge, TTL: time.Minute, Clock: clock.Now})
	t.Cleanup(svc.WaitRefresh)
	return svc, clock
}

func TestSharedLibraryLockedTrackDoesNotForceRefresh(t *testing.T) {
	locked := grant("0xc1", "0x01", 100)
	locked.Content.PiecePointer = ""
	idx := &fakeIndex{grants: []model.AccessGrant{locked}}
	svc, _ := newService(t, idx)

	_, err := svc.SharedLibrary(context.Background(), grantee, false)
	require.NoError(t, err)

	res, err := svc.SharedLibrary(context.Background(), grantee, false)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.False(t, res.Stale)
	assert.False(t, res.Refreshing)
	svc.WaitRefresh()
	assert.Equal(t, int32(1), idx.grantCalls.Load())
}

func TestSharedLibraryRefreshKeptAcrossGrantees(t *testing.T) {
	idx := &fakeIndex{grants: []model.AccessGrant{grant("0xc1", "0x01", 100)}}
	svc, clock := newServiceWithClock(t, idx)
	ctx := context.Background()

	_, err := svc.SharedLibrary(ctx, grantee, false)
	require.NoError(t, err)
	_, err = svc.SharedLibrary(ctx, "0xother", false)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	idx.grants = []model.AccessGrant{grant("0xc1", "0x01", 100), grant("0xc2", "0x02", 200)}

	// 另一个接收方的读取不能丢弃前一个接收方的后台刷新
	res, err := svc.SharedLibrary(ctx, grantee, false)
	require.NoError(t, err)
	assert.True(t, res.Refreshing)
	_, err = svc.SharedLibrary(ctx, "0xother", false)
	require.NoError(t, err)
	svc.WaitRefresh()

	res, err = svc.SharedLibrary(ctx, grantee, false)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.False(t, res.Stale)
	assert.Len(t, res.Value.Tracks, 2)
}
