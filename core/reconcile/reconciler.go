package reconcile

import (
	"context"
	"fmt"
	"sort"

	"ShareFM/logger"
	"ShareFM/model"

	"go.uber.org/zap"
)

// IndexSource 调和器依赖的索引查询
type IndexSource interface {
	FetchGrants(ctx context.Context, grantee string) ([]model.AccessGrant, error)
	FetchCheckpointTrackIDs(ctx context.Context, playlistID, tracksHash string, versionLTE int64) (model.PlaylistSnapshot, error)
	FetchTrackMeta(ctx context.Context, ids []string) (map[string]model.TrackMeta, error)
	FetchContentAliases(ctx context.Context, contentIDs []string) (map[string]string, error)
}

// Resolution 一次解析的结果。Warnings 是降级过的非致命错误
type Resolution struct {
	Tracks   []model.SharedTrack
	Resolved int
	Total    int
	Warnings []error
}

func (r *Resolution) warn(err error) {
	if err != nil {
		r.Warnings = append(r.Warnings, err)
	}
}

// Reconciler 把播放列表的原始曲目引用解析成 grantee 可解密的内容
type Reconciler struct {
	index IndexSource
	log   *zap.Logger
}

// NewReconciler 创建调和器
func NewReconciler(index IndexSource, log *zap.Logger) *Reconciler {
	if log == nil {
		log = logger.Named("reconcile")
	}
	return &Reconciler{index: index, log: log}
}

// ResolvePlaylist 解析一个播放列表分享的检查点。
// 只有检查点查询失败是致命的，其它索引失败降级并记在 Warnings 里。
func (r *Reconciler) ResolvePlaylist(ctx context.Context, share model.PlaylistShare) (*Resolution, error) {
	snap, err := r.index.FetchCheckpointTrackIDs(ctx, share.PlaylistID, share.TracksHash, share.PlaylistVersion)
	if err != nil {
		return nil, fmt.Errorf("fetch checkpoint %s: %w", share.CheckpointKey(), err)
	}
	res := &Resolution{Total: len(snap.OrderedTrackIDs)}
	if len(snap.OrderedTrackIDs) == 0 {
		return res, nil
	}

	grantee := model.NormalizeAddress(share.Grantee)
	owner := model.NormalizeAddress(share.Owner)

	grants, err := r.index.FetchGrants(ctx, grantee)
	res.warn(err)
	var owned []model.AccessGrant
	for _, g := range grants {
		if owner == "" || g.Content.Owner == owner {
			owned = append(owned, g)
		}
	}

	// 原始引用先当作 content id 查别名，授权里缺 track id 的也一起查
	aliasKeys := make([]string, 0, len(snap.OrderedTrackIDs)+len(owned))
	for _, ref := range snap.OrderedTrackIDs {
		aliasKeys = append(aliasKeys, ref.Raw)
	}
	for _, g := range owned {
		if g.Content.TrackID == "" {
			aliasKeys = append(aliasKeys, g.Content.ContentID)
		}
	}
	aliases, err := r.index.FetchContentAliases(ctx, aliasKeys)
	res.warn(err)

	trackIDs := make([]model.TrackID, len(snap.OrderedTrackIDs))
	metaKeys := make([]string, 0, len(trackIDs)+len(owned))
	for i, ref := range snap.OrderedTrackIDs {
		trackIDs[i] = resolveTrackID(ref, aliases)
		metaKeys = append(metaKeys, string(trackIDs[i]))
	}
	entries := make([]grantEntry, 0, len(owned))
	for _, g := range owned {
		e := grantEntry{grant: g, trackID: g.Content.TrackID}
		if e.trackID == "" {
			e.trackID = aliases[g.Content.ContentID]
		}
		if e.trackID != "" {
			metaKeys = append(metaKeys, e.trackID)
		}
		entries = append(entries, e)
	}

	metas, err := r.index.FetchTrackMeta(ctx, metaKeys)
	res.warn(err)

	ix := newAccessIndex()
	for _, e := range entries {
		if m, ok := metas[e.trackID]; ok {
			e.metaHash = m.MetaHash
		}
		ix.add(e)
	}

	res.Tracks = make([]model.SharedTrack, 0, len(trackIDs))
	for i, ref := range snap.OrderedTrackIDs {
		trackID := string(trackIDs[i])
		meta, hasMeta := metas[trackID]

		var metaHash string
		if hasMeta {
			metaHash = meta.MetaHash
		}
		entry, found := ix.lookup(metaHash, trackID, model.CanonicalID(ref.Raw))

		st := model.SharedTrack{TrackID: trackID, Owner: owner}
		if found {
			st = withGrant(st, entry)
			if !hasMeta {
				meta, hasMeta = metas[entry.trackID]
			}
			res.Resolved++
		}
		res.Tracks = append(res.Tracks, withMeta(st, meta, hasMeta))
	}

	r.log.Info("playlist resolved",
		logger.String("playlist", share.PlaylistID),
		logger.Int64("version", snap.Version),
		logger.Int("resolved", res.Resolved),
		logger.Int("total", res.Total),
		logger.Int("grants", ix.size()),
		logger.Int("warnings", len(res.Warnings)),
	)
	return res, nil
}

// resolveTrackID 原始引用命中别名表就是 content id，否则它本身就是 track id
func resolveTrackID(ref model.RawTrackRef, aliases map[string]string) model.TrackID {
	raw := model.CanonicalID(ref.Raw)
	if trackID, ok := aliases[raw]; ok && trackID != "" {
		return model.TrackID(trackID)
	}
	return model.TrackID(raw)
}

func withGrant(st model.SharedTrack, e grantEntry) model.SharedTrack {
	c := e.grant.Content
	st.ContentID = c.ContentID
	st.Owner = c.Owner
	st.PiecePointer = c.PiecePointer
	st.DatasetOwner = c.DatasetOwner
	st.Algo = c.Algo
	st.SharedAt = e.grant.UpdatedAt
	if st.TrackID == "" {
		st.TrackID = e.trackID
	}
	return st
}

func withMeta(st model.SharedTrack, meta model.TrackMeta, ok bool) model.SharedTrack {
	if ok {
		st.Title = meta.Title
		st.Artist = meta.Artist
		st.Album = meta.Album
		st.CoverRef = meta.CoverRef
		st.DurationSec = meta.DurationSec
		st.MetaHash = meta.MetaHash
	}
	if st.Title == "" {
		ref := st.TrackID
		if ref == "" {
			ref = st.ContentID
		}
		st.Title = "Track " + model.ShortHex(ref)
	}
	if st.Artist == "" {
		st.Artist = "Unknown Artist"
	}
	if st.Album == "" {
		st.Album = "Unknown Album"
	}
	return st
}

// ResolveSharedTracks 把 grantee 的全部授权投影成曲目列表。
// 同一 meta_hash 只保留最新的授权，结果按授权时间倒序。
// 授权查询失败时返回已拿到的部分结果和错误，由调用方决定是否降级。
func (r *Reconciler) ResolveSharedTracks(ctx context.Context, grantee string) (*Resolution, error) {
	res := &Resolution{}
	grants, grantsErr := r.index.FetchGrants(ctx, model.NormalizeAddress(grantee))
	if len(grants) == 0 {
		return res, grantsErr
	}

	var missing []string
	for _, g := range grants {
		if g.Content.TrackID == "" {
			missing = append(missing, g.Content.ContentID)
		}
	}
	aliases := map[string]string{}
	if len(missing) > 0 {
		var err error
		aliases, err = r.index.FetchContentAliases(ctx, missing)
		res.warn(err)
	}

	entries := make([]grantEntry, 0, len(grants))
	trackIDs := make([]string, 0, len(grants))
	for _, g := range grants {
		e := grantEntry{grant: g, trackID: g.Content.TrackID}
		if e.trackID == "" {
			e.trackID = aliases[g.Content.ContentID]
		}
		if e.trackID != "" {
			trackIDs = append(trackIDs, e.trackID)
		}
		entries = append(entries, e)
	}

	metas, err := r.index.FetchTrackMeta(ctx, trackIDs)
	res.warn(err)

	// 有 meta_hash 的按 meta_hash 去重，没有的按 content id 去重
	winners := make(map[string]grantEntry)
	for _, e := range entries {
		if m, ok := metas[e.trackID]; ok {
			e.metaHash = m.MetaHash
		}
		key := "c:" + e.contentID()
		if e.metaHash != "" {
			key = "m:" + e.metaHash
		}
		put(winners, key, e)
	}

	ordered := make([]grantEntry, 0, len(winners))
	for _, e := range winners {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool { return newer(ordered[i], ordered[j]) })

	res.Tracks = make([]model.SharedTrack, 0, len(ordered))
	for _, e := range ordered {
		meta, ok := metas[e.trackID]
		st := withGrant(model.SharedTrack{TrackID: e.trackID}, e)
		res.Tracks = append(res.Tracks, withMeta(st, meta, ok))
	}
	res.Resolved = len(res.Tracks)
	res.Total = len(res.Tracks)

	r.log.Debug("shared tracks resolved",
		logger.String("grantee", grantee),
		logger.Int("grants", len(grants)),
		logger.Int("tracks", len(res.Tracks)),
	)
	return res, grantsErr
}
