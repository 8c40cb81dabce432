package reconcile

import (
	"context"
	"errors"
	"testing"

	"ShareFM/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIndex struct {
	snapshot    model.PlaylistSnapshot
	snapshotErr error
	grants      []model.AccessGrant
	grantsErr   error
	metas       map[string]model.TrackMeta
	aliases     map[string]string
	aliasCalls  int
}

func (f *fakeIndex) FetchGrants(context.Context, string) ([]model.AccessGrant, error) {
	return f.grants, f.grantsErr
}

func (f *fakeIndex) FetchCheckpointTrackIDs(context.Context, string, string, int64) (model.PlaylistSnapshot, error) {
	return f.snapshot, f.snapshotErr
}

func (f *fakeIndex) FetchTrackMeta(_ context.Context, ids []string) (map[string]model.TrackMeta, error) {
	out := make(map[string]model.TrackMeta)
	for _, id := range ids {
		if m, ok := f.metas[id]; ok {
			out[id] = m
		}
	}
	return out, nil
}

func (f *fakeIndex) FetchContentAliases(_ context.Context, ids []string) (map[string]string, error) {
	f.aliasCalls++
	out := make(map[string]string)
	for _, id := range ids {
		c := model.CanonicalID(id)
		if t, ok := f.aliases[c]; ok {
			out[c] = t
		}
	}
	return out, nil
}

func id(short string) string { return model.CanonicalID(short) }

const (
	owner   = "0xowner"
	grantee = "0xgrantee"
)

func grant(contentID, trackID string, updatedAt int64) model.AccessGrant {
	return model.AccessGrant{
		Grantee:   grantee,
		Granted:   true,
		UpdatedAt: updatedAt,
		Content: model.ContentRef{
			ContentID:    id(contentID),
			TrackID:      trackID,
			Owner:        owner,
			PiecePointer: "piece-" + contentID,
			Algo:         model.AlgoAES256GCM,
			UpdatedAt:    updatedAt,
		},
	}
}

func share() model.PlaylistShare {
	return model.PlaylistShare{PlaylistID: "0xp", Owner: owner, Grantee: grantee, PlaylistVersion: 7, TracksHash: "0xh"}
}

func snapshot(raws ...string) model.PlaylistSnapshot {
	s := model.PlaylistSnapshot{PlaylistID: id("0xp"), Version: 5}
	for _, raw := range raws {
		s.OrderedTrackIDs = append(s.OrderedTrackIDs, model.RawTrackRef{Raw: raw})
	}
	return s
}

func TestResolvePlaylistMetaHashPrefersMostRecentGrant(t *testing.T) {
	idx := &fakeIndex{
		snapshot: snapshot("0x71"),
		grants: []model.AccessGrant{
			grant("0xc2", id("0x72"), 200),
			grant("0xc1", id("0x71"), 100),
		},
		metas: map[string]model.TrackMeta{
			id("0x71"): {TrackID: id("0x71"), Title: "Song", Artist: "A", MetaHash: id("0xaa")},
			id("0x72"): {TrackID: id("0x72"), Title: "Song", Artist: "A", MetaHash: id("0xaa")},
		},
	}
	res, err := NewReconciler(idx, nil).ResolvePlaylist(context.Background(), share())
	require.NoError(t, err)
	require.Len(t, res.Tracks, 1)
	assert.Equal(t, id("0xc2"), res.Tracks[0].ContentID)
	assert.Equal(t, "piece-0xc2", res.Tracks[0].PiecePointer)
	assert.Equal(t, id("0x71"), res.Tracks[0].TrackID)
	assert.Equal(t, 1, res.Resolved)
}

func TestResolvePlaylistIsDeterministicAcrossGrantOrder(t *testing.T) {
	metas := map[string]model.TrackMeta{
		id("0x71"): {TrackID: id("0x71"), Title: "Song", MetaHash: id("0xaa")},
		id("0x72"): {TrackID: id("0x72"), Title: "Song", MetaHash: id("0xaa")},
	}
	a := &fakeIndex{snapshot: snapshot("0x71"), metas: metas,
		grants: []model.AccessGrant{grant("0xc1", id("0x71"), 100), grant("0xc2", id("0x72"), 100)}}
	b := &fakeIndex{snapshot: snapshot("0x71"), metas: metas,
		grants: []model.AccessGrant{grant("0xc2", id("0x72"), 100), grant("0xc1", id("0x71"), 100)}}

	ra, err := NewReconciler(a, nil).ResolvePlaylist(context.Background(), share())
	require.NoError(t, err)
	rb, err := NewReconciler(b, nil).ResolvePlaylist(context.Background(), share())
	require.NoError(t, err)
	again, err := NewReconciler(a, nil).ResolvePlaylist(context.Background(), share())
	require.NoError(t, err)

	assert.Equal(t, ra.Tracks, rb.Tracks)
	assert.Equal(t, ra.Tracks, again.Tracks)
	assert.Equal(t, id("0xc1"), ra.Tracks[0].ContentID)
}

func TestResolvePlaylistFallbackOrder(t *testing.T) {
	idx := &fakeIndex{
		// 0xc3 是 content id，经别名解析成 0x73；0x74 没有 meta_hash；0x79 查不到
		snapshot: snapshot("0xc3", "0x74", "0x79"),
		aliases:  map[string]string{id("0xc3"): id("0x73")},
		grants: []model.AccessGrant{
			grant("0xc3", id("0x73"), 10),
			grant("0xc4", id("0x74"), 10),
			{Grantee: grantee, Granted: true, UpdatedAt: 5, Content: model.ContentRef{
				ContentID: id("0xc9"), TrackID: id("0x99"), Owner: "0xsomeoneelse", PiecePointer: "x", Algo: 1}},
		},
		metas: map[string]model.TrackMeta{
			id("0x73"): {TrackID: id("0x73"), Title: "Three", Artist: "A", Album: "LP", MetaHash: id("0xbb")},
			id("0x74"): {TrackID: id("0x74"), Title: "Four", Artist: "B"},
		},
	}
	res, err := NewReconciler(idx, nil).ResolvePlaylist(context.Background(), share())
	require.NoError(t, err)
	require.Len(t, res.Tracks, 3)

	assert.Equal(t, id("0x73"), res.Tracks[0].TrackID)
	assert.Equal(t, id("0xc3"), res.Tracks[0].ContentID)
	assert.Equal(t, "Three", res.Tracks[0].Title)

	assert.Equal(t, id("0xc4"), res.Tracks[1].ContentID)
	assert.Equal(t, "Unknown Album", res.Tracks[1].Album)

	locked := res.Tracks[2]
	assert.Empty(t, locked.ContentID)
	assert.Empty(t, locked.PiecePointer)
	assert.False(t, locked.Playable())
	assert.Equal(t, "Track 0x00000000", locked.Title)
	assert.Equal(t, "Unknown Artist", locked.Artist)
	assert.Equal(t, owner, locked.Owner)

	assert.Equal(t, 2, res.Resolved)
	assert.Equal(t, 3, res.Total)
}

func TestResolvePlaylistRawContentIDWithoutAlias(t *testing.T) {
	idx := &fakeIndex{
		snapshot: snapshot("0xc5"),
		grants:   []model.AccessGrant{grant("0xc5", "", 10)},
	}
	res, err := NewReconciler(idx, nil).ResolvePlaylist(context.Background(), share())
	require.NoError(t, err)
	require.Len(t, res.Tracks, 1)
	assert.Equal(t, id("0xc5"), res.Tracks[0].ContentID)
}

func TestResolvePlaylistGrantFailureDegrades(t *testing.T) {
	idx := &fakeIndex{snapshot: snapshot("0x71"), grantsErr: errors.New("index down")}
	res, err := NewReconciler(idx, nil).ResolvePlaylist(context.Background(), share())
	require.NoError(t, err)
	require.Len(t, res.Tracks, 1)
	assert.Empty(t, res.Tracks[0].ContentID)
	require.Len(t, res.Warnings, 1)
	assert.EqualError(t, res.Warnings[0], "index down")
}

func TestResolvePlaylistCheckpointFailureIsFatal(t *testing.T) {
	idx := &fakeIndex{snapshotErr: errors.New("boom")}
	_, err := NewReconciler(idx, nil).ResolvePlaylist(context.Background(), share())
	assert.Error(t, err)
}

func TestResolvePlaylistEmptyCheckpoint(t *testing.T) {
	idx := &fakeIndex{snapshot: snapshot()}
	res, err := NewReconciler(idx, nil).ResolvePlaylist(context.Background(), share())
	require.NoError(t, err)
	assert.Empty(t, res.Tracks)
	assert.Zero(t, idx.aliasCalls)
}

func TestResolveSharedTracksDedupesAndOrders(t *testing.T) {
	idx := &fakeIndex{
		grants: []model.AccessGrant{
			grant("0xc1", id("0x71"), 100),
			grant("0xc2", id("0x72"), 300),
			grant("0xc3", "", 200),
			grant("0xc4", id("0x74"), 50),
		},
		aliases: map[string]string{id("0xc3"): id("0x73")},
		metas: map[string]model.TrackMeta{
			id("0x71"): {TrackID: id("0x71"), Title: "Dup", MetaHash: id("0xaa")},
			id("0x72"): {TrackID: id("0x72"), Title: "Dup", MetaHash: id("0xaa")},
			id("0x73"): {TrackID: id("0x73"), Title: "Aliased"},
		},
	}
	res, err := NewReconciler(idx, nil).ResolveSharedTracks(context.Background(), grantee)
	require.NoError(t, err)
	require.Len(t, res.Tracks, 3)

	assert.Equal(t, id("0xc2"), res.Tracks[0].ContentID)
	assert.Equal(t, id("0xc3"), res.Tracks[1].ContentID)
	assert.Equal(t, id("0x73"), res.Tracks[1].TrackID)
	assert.Equal(t, "Aliased", res.Tracks[1].Title)
	assert.Equal(t, id("0xc4"), res.Tracks[2].ContentID)
	assert.Equal(t, "Track "+model.ShortHex(id("0x74")), res.Tracks[2].Title)
}

func TestResolveSharedTracksCarriesGrantError(t *testing.T) {
	idx := &fakeIndex{grantsErr: errors.New("index down")}
	res, err := NewReconciler(idx, nil).ResolveSharedTracks(context.Background(), grantee)
	assert.Error(t, err)
	require.NotNil(t, res)
	assert.Empty(t, res.Tracks)
}
