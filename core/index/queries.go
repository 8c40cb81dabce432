package index

import (
	"context"
	"encoding/hex"
	"errors"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"ShareFM/logger"
	"ShareFM/model"

	"golang.org/x/sync/errgroup"
)

const grantsQuery = `query Grants($grantee: Bytes!, $first: Int!, $skip: Int!) {
  accessGrants(where: {grantee: $grantee, granted: true}, orderBy: updatedAt, orderDirection: desc, first: $first, skip: $skip) {
    grantee
    granted
    updatedAt
    content { id trackId owner datasetOwner pieceCid algo updatedAt }
  }
}`

const sharesQuery = `query PlaylistShares($grantee: Bytes!, $first: Int!, $skip: Int!) {
  playlistShares(where: {grantee: $grantee, granted: true}, orderBy: updatedAt, orderDirection: desc, first: $first, skip: $skip) {
    id
    playlistId
    owner
    grantee
    granted
    playlistVersion
    trackCount
    tracksHash
    sharedAt
    updatedAt
    playlist { name coverCid }
  }
}`

const checkpointQuery = `query Checkpoint($playlistId: Bytes!, $tracksHash: Bytes!, $version: BigInt!) {
  playlistTrackVersions(where: {playlistId: $playlistId, tracksHash: $tracksHash, version_lte: $version}, orderBy: version, orderDirection: desc, first: 1000) {
    version
    position
    trackId
  }
}`

const tracksQuery = `query Tracks($ids: [Bytes!]!) {
  tracks(where: {id_in: $ids}, first: 1000) { id title artist album coverCid durationSec metaHash }
}`

const coversQuery = `query Covers($hashes: [Bytes!]!) {
  tracks(where: {metaHash_in: $hashes, coverCid_not: null}, first: 1000) { metaHash coverCid }
}`

const aliasesQuery = `query Aliases($ids: [Bytes!]!) {
  contentEntries(where: {id_in: $ids}, first: 1000) { id trackId }
}`

type grantRow struct {
	Grantee   string  `json:"grantee"`
	Granted   bool    `json:"granted"`
	UpdatedAt flexInt `json:"updatedAt"`
	Content   *struct {
		ID           string  `json:"id"`
		TrackID      string  `json:"trackId"`
		Owner        string  `json:"owner"`
		DatasetOwner string  `json:"datasetOwner"`
		PieceCid     string  `json:"pieceCid"`
		Algo         flexInt `json:"algo"`
		UpdatedAt    flexInt `json:"updatedAt"`
	} `json:"content"`
}

type shareRow struct {
	ID              string  `json:"id"`
	PlaylistID      string  `json:"playlistId"`
	Owner           string  `json:"owner"`
	Grantee         string  `json:"grantee"`
	Granted         bool    `json:"granted"`
	PlaylistVersion flexInt `json:"playlistVersion"`
	TrackCount      flexInt `json:"trackCount"`
	TracksHash      string  `json:"tracksHash"`
	SharedAt        flexInt `json:"sharedAt"`
	UpdatedAt       flexInt `json:"updatedAt"`
	Playlist        *struct {
		Name     string `json:"name"`
		CoverCid string `json:"coverCid"`
	} `json:"playlist"`
}

type checkpointRow struct {
	Version  flexInt `json:"version"`
	Position flexInt `json:"position"`
	TrackID  string  `json:"trackId"`
}

type trackRow struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Artist      string  `json:"artist"`
	Album       string  `json:"album"`
	CoverCid    string  `json:"coverCid"`
	DurationSec flexInt `json:"durationSec"`
	MetaHash    string  `json:"metaHash"`
}

type aliasRow struct {
	ID      string `json:"id"`
	TrackID string `json:"trackId"`
}

// FetchGrants 查询授权给 grantee 的全部有效授权
func (c *Client) FetchGrants(ctx context.Context, grantee string) ([]model.AccessGrant, error) {
	grantee = model.NormalizeAddress(grantee)
	var out []model.AccessGrant
	for page := 0; page < maxPages; page++ {
		var data struct {
			AccessGrants []grantRow `json:"accessGrants"`
		}
		vars := map[string]interface{}{"grantee": grantee, "first": pageSize, "skip": page * pageSize}
		if err := c.query(ctx, c.accessURL, grantsQuery, vars, &data); err != nil {
			return out, &FetchError{Source: SourceAccess, Op: "grants", Err: err}
		}
		for _, row := range data.AccessGrants {
			if !row.Granted || row.Content == nil || strings.TrimSpace(row.Content.ID) == "" {
				continue
			}
			updated := toMillis(int64(row.UpdatedAt))
			contentUpdated := toMillis(int64(row.Content.UpdatedAt))
			if contentUpdated == 0 {
				contentUpdated = updated
			}
			out = append(out, model.AccessGrant{
				Grantee:   model.NormalizeAddress(row.Grantee),
				Granted:   true,
				UpdatedAt: updated,
				Content: model.ContentRef{
					ContentID:    model.CanonicalID(row.Content.ID),
					TrackID:      canonicalOrEmpty(row.Content.TrackID),
					Owner:        model.NormalizeAddress(row.Content.Owner),
					DatasetOwner: model.NormalizeAddress(row.Content.DatasetOwner),
					PiecePointer: decodeBytesToUTF8(row.Content.PieceCid),
					Algo:         uint8(row.Content.Algo),
					UpdatedAt:    contentUpdated,
				},
			})
		}
		if len(data.AccessGrants) < pageSize {
			break
		}
	}
	return out, nil
}

// FetchPlaylistShares 查询分享给 grantee 的播放列表
func (c *Client) FetchPlaylistShares(ctx context.Context, grantee string) ([]model.PlaylistShare, error) {
	grantee = model.NormalizeAddress(grantee)
	var out []model.PlaylistShare
	for page := 0; page < maxPages; page++ {
		var data struct {
			PlaylistShares []shareRow `json:"playlistShares"`
		}
		vars := map[string]interface{}{"grantee": grantee, "first": pageSize, "skip": page * pageSize}
		if err := c.query(ctx, c.playlistURL, sharesQuery, vars, &data); err != nil {
			return out, &FetchError{Source: SourcePlaylist, Op: "playlist shares", Err: err}
		}
		for _, row := range data.PlaylistShares {
			if !row.Granted {
				continue
			}
			share := model.PlaylistShare{
				ShareID:         row.ID,
				PlaylistID:      model.CanonicalID(row.PlaylistID),
				Owner:           model.NormalizeAddress(row.Owner),
				Grantee:         model.NormalizeAddress(row.Grantee),
				Granted:         true,
				PlaylistVersion: int64(row.PlaylistVersion),
				TrackCount:      int(row.TrackCount),
				TracksHash:      model.CanonicalID(row.TracksHash),
				SharedAt:        toMillis(int64(row.SharedAt)),
				UpdatedAt:       toMillis(int64(row.UpdatedAt)),
			}
			if row.Playlist != nil {
				share.Summary = model.PlaylistSummary{Name: row.Playlist.Name, CoverRef: row.Playlist.CoverCid}
			}
			out = append(out, share)
		}
		if len(data.PlaylistShares) < pageSize {
			break
		}
	}
	return out, nil
}

// FetchCheckpointTrackIDs 查询检查点的有序曲目引用。
// version 只是上界，实际使用命中行里的最大版本，再按 position 排序。
func (c *Client) FetchCheckpointTrackIDs(ctx context.Context, playlistID, tracksHash string, versionLTE int64) (model.PlaylistSnapshot, error) {
	snap := model.PlaylistSnapshot{
		PlaylistID: model.CanonicalID(playlistID),
		TracksHash: model.CanonicalID(tracksHash),
	}
	var data struct {
		Rows []checkpointRow `json:"playlistTrackVersions"`
	}
	vars := map[string]interface{}{
		"playlistId": snap.PlaylistID,
		"tracksHash": snap.TracksHash,
		"version":    strconv.FormatInt(versionLTE, 10),
	}
	if err := c.query(ctx, c.playlistURL, checkpointQuery, vars, &data); err != nil {
		return snap, &FetchError{Source: SourcePlaylist, Op: "checkpoint tracks", Err: err}
	}

	rows := selectLatestCheckpoint(data.Rows)
	if len(rows) > 0 {
		snap.Version = int64(rows[0].Version)
	}
	for _, row := range rows {
		snap.OrderedTrackIDs = append(snap.OrderedTrackIDs, model.RawTrackRef{Raw: row.TrackID})
	}
	return snap, nil
}

// selectLatestCheckpoint 只保留最大版本的行并按 position 稳定排序
func selectLatestCheckpoint(rows []checkpointRow) []checkpointRow {
	var maxVersion flexInt = -1
	for _, row := range rows {
		if row.Version > maxVersion {
			maxVersion = row.Version
		}
	}
	var kept []checkpointRow
	for _, row := range rows {
		if row.Version == maxVersion && strings.TrimSpace(row.TrackID) != "" {
			kept = append(kept, row)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Position < kept[j].Position })
	return kept
}

// FetchTrackMeta 批量查询曲目元数据，返回以规范化 track id 为键的表。
// 缺封面的行按 meta_hash 补齐；索引里查不到的 id 走注册表兜底。
// 部分批次失败时仍返回已拿到的结果和一个 *FetchError。
func (c *Client) FetchTrackMeta(ctx context.Context, ids []string) (map[string]model.TrackMeta, error) {
	wanted := dedupeIDs(ids)
	metas := make(map[string]model.TrackMeta, len(wanted))
	if len(wanted) == 0 {
		return metas, nil
	}

	rows, fetchErr := fetchChunked(ctx, c, wanted, func(ctx context.Context, chunk []string) ([]trackRow, error) {
		var data struct {
			Tracks []trackRow `json:"tracks"`
		}
		if err := c.query(ctx, c.accessURL, tracksQuery, map[string]interface{}{"ids": chunk}, &data); err != nil {
			return nil, err
		}
		return data.Tracks, nil
	})
	for _, row := range rows {
		id := model.CanonicalID(row.ID)
		metas[id] = mergeMeta(metas[id], model.TrackMeta{
			TrackID:     id,
			Title:       strings.TrimSpace(row.Title),
			Artist:      strings.TrimSpace(row.Artist),
			Album:       strings.TrimSpace(row.Album),
			CoverRef:    strings.TrimSpace(row.CoverCid),
			DurationSec: int(row.DurationSec),
			MetaHash:    canonicalOrEmpty(row.MetaHash),
		})
	}

	if err := c.backfillCovers(ctx, metas); err != nil {
		c.log.Warn("cover backfill failed", logger.ErrorField(err))
	}

	var missing []string
	for _, id := range wanted {
		if _, ok := metas[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 && c.registry != nil {
		for id, meta := range c.registryFallback(ctx, missing) {
			metas[id] = meta
		}
	}

	if fetchErr != nil {
		return metas, &FetchError{Source: SourceAccess, Op: "track metadata", Err: fetchErr}
	}
	return metas, nil
}

// backfillCovers 缺封面的行按 meta_hash 找同一首歌其它注册的封面
func (c *Client) backfillCovers(ctx context.Context, metas map[string]model.TrackMeta) error {
	var hashes []string
	for _, m := range metas {
		if m.CoverRef == "" && m.MetaHash != "" {
			hashes = append(hashes, m.MetaHash)
		}
	}
	hashes = dedupeIDs(hashes)
	if len(hashes) == 0 {
		return nil
	}

	rows, err := fetchChunked(ctx, c, hashes, func(ctx context.Context, chunk []string) ([]trackRow, error) {
		var data struct {
			Tracks []trackRow `json:"tracks"`
		}
		if err := c.query(ctx, c.accessURL, coversQuery, map[string]interface{}{"hashes": chunk}, &data); err != nil {
			return nil, err
		}
		return data.Tracks, nil
	})
	covers := make(map[string]string)
	for _, row := range rows {
		hash := canonicalOrEmpty(row.MetaHash)
		cover := strings.TrimSpace(row.CoverCid)
		if hash == "" || cover == "" {
			continue
		}
		if _, ok := covers[hash]; !ok {
			covers[hash] = cover
		}
	}
	for id, m := range metas {
		if m.CoverRef == "" && m.MetaHash != "" {
			if cover, ok := covers[m.MetaHash]; ok {
				m.CoverRef = cover
				metas[id] = m
			}
		}
	}
	return err
}

// FetchContentAliases 查询 content id 对应的 track id
func (c *Client) FetchContentAliases(ctx context.Context, contentIDs []string) (map[string]string, error) {
	wanted := dedupeIDs(contentIDs)
	aliases := make(map[string]string, len(wanted))
	if len(wanted) == 0 {
		return aliases, nil
	}
	rows, err := fetchChunked(ctx, c, wanted, func(ctx context.Context, chunk []string) ([]aliasRow, error) {
		var data struct {
			ContentEntries []aliasRow `json:"contentEntries"`
		}
		if err := c.query(ctx, c.accessURL, aliasesQuery, map[string]interface{}{"ids": chunk}, &data); err != nil {
			return nil, err
		}
		return data.ContentEntries, nil
	})
	for _, row := range rows {
		id := model.CanonicalID(row.ID)
		trackID := canonicalOrEmpty(row.TrackID)
		if trackID == "" {
			continue
		}
		if _, ok := aliases[id]; !ok {
			aliases[id] = trackID
		}
	}
	if err != nil {
		return aliases, &FetchError{Source: SourceAccess, Op: "content aliases", Err: err}
	}
	return aliases, nil
}

// fetchChunked 按 batchSize 分块并发查询，结果按分块顺序拼接，保证合并顺序确定。
// 单个分块失败不影响其它分块。
func fetchChunked[T any](ctx context.Context, c *Client, ids []string, fetch func(context.Context, []string) ([]T, error)) ([]T, error) {
	var chunks [][]string
	for start := 0; start < len(ids); start += c.batchSize {
		end := start + c.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}

	results := make([][]T, len(chunks))
	errs := make([]error, len(chunks))
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			rows, err := fetch(ctx, chunk)
			results[i] = rows
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()

	var out []T
	for _, rows := range results {
		out = append(out, rows...)
	}
	return out, errors.Join(errs...)
}

// mergeMeta 重复键按字段保留先出现的非空值
func mergeMeta(existing, incoming model.TrackMeta) model.TrackMeta {
	if existing.TrackID == "" {
		return incoming
	}
	if existing.Title == "" {
		existing.Title = incoming.Title
	}
	if existing.Artist == "" {
		existing.Artist = incoming.Artist
	}
	if existing.Album == "" {
		existing.Album = incoming.Album
	}
	if existing.CoverRef == "" {
		existing.CoverRef = incoming.CoverRef
	}
	if existing.DurationSec == 0 {
		existing.DurationSec = incoming.DurationSec
	}
	if existing.MetaHash == "" {
		existing.MetaHash = incoming.MetaHash
	}
	return existing
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, raw := range ids {
		id := canonicalOrEmpty(raw)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func canonicalOrEmpty(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	return model.CanonicalID(raw)
}

// decodeBytesToUTF8 子图的 Bytes 字段可能是十六进制编码的 CID 字符串，能解成可打印 UTF-8 就用解码结果
func decodeBytesToUTF8(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return s
	}
	b, err := hex.DecodeString(s[2:])
	if err != nil || len(b) == 0 || !utf8.Valid(b) {
		return s
	}
	for _, r := range string(b) {
		if r < 0x20 || r == 0x7f {
			return s
		}
	}
	return string(b)
}
