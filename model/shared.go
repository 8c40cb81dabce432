package model

import (
	"fmt"
	"time"
)

// AlgoAES256GCM 唯一支持的加密方案: AES-256-GCM 负载 + ECIES P-256 包裹密钥。
// 0 表示未记录（旧数据），一律拒绝。
const AlgoAES256GCM uint8 = 1

// Identity 请求解密的一方
type Identity struct {
	Address string `json:"address"`
}

// ContentRef 一个加密内容条目
type ContentRef struct {
	ContentID    string `json:"contentId"`
	TrackID      string `json:"trackId"`
	Owner        string `json:"owner"`
	DatasetOwner string `json:"datasetOwner"`
	PiecePointer string `json:"piecePointer"`
	Algo         uint8  `json:"algo"`
	UpdatedAt    int64  `json:"updatedAt"`
}

// AccessGrant 授权某个接收方解密某个内容；granted=false 即撤销
type AccessGrant struct {
	Grantee   string     `json:"grantee"`
	Content   ContentRef `json:"content"`
	Granted   bool       `json:"granted"`
	UpdatedAt int64      `json:"updatedAt"`
}

// TrackMeta 曲目元数据。MetaHash 是跨重复注册的关联键
type TrackMeta struct {
	TrackID     string `json:"trackId"`
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	Album       string `json:"album"`
	CoverRef    string `json:"coverRef,omitempty"`
	DurationSec int    `json:"durationSec,omitempty"`
	MetaHash    string `json:"metaHash,omitempty"`
}

// PlaylistSnapshot 某个版本的有序曲目列表，(TracksHash, Version) 是检查点键
type PlaylistSnapshot struct {
	PlaylistID      string        `json:"playlistId"`
	TracksHash      string        `json:"tracksHash"`
	Version         int64         `json:"version"`
	OrderedTrackIDs []RawTrackRef `json:"-"`
}

// PlaylistSummary 列表展示用的概要
type PlaylistSummary struct {
	Name     string `json:"name"`
	CoverRef string `json:"coverRef,omitempty"`
}

// PlaylistShare 播放列表分享记录
type PlaylistShare struct {
	ShareID         string          `json:"shareId"`
	PlaylistID      string          `json:"playlistId"`
	Owner           string          `json:"owner"`
	Grantee         string          `json:"grantee"`
	Granted         bool            `json:"granted"`
	PlaylistVersion int64           `json:"playlistVersion"`
	TrackCount      int             `json:"trackCount"`
	TracksHash      string          `json:"tracksHash"`
	SharedAt        int64           `json:"sharedAt"`
	UpdatedAt       int64           `json:"updatedAt"`
	Summary         PlaylistSummary `json:"playlistSummary"`
}

// CheckpointKey 播放列表曲目缓存的键: playlist_id:version:tracks_hash
func (p PlaylistShare) CheckpointKey() string {
	return fmt.Sprintf("%s:%d:%s", CanonicalID(p.PlaylistID), p.PlaylistVersion, CanonicalID(p.TracksHash))
}

// SharedTrack 交给播放层的解析结果。ContentID 为空表示暂不可播放
type SharedTrack struct {
	ContentID    string `json:"contentId"`
	TrackID      string `json:"trackId"`
	Owner        string `json:"owner"`
	PiecePointer string `json:"piecePointer"`
	DatasetOwner string `json:"datasetOwner"`
	Algo         uint8  `json:"algo"`
	Title        string `json:"title"`
	Artist       string `json:"artist"`
	Album        string `json:"album"`
	CoverRef     string `json:"coverRef,omitempty"`
	DurationSec  int    `json:"durationSec,omitempty"`
	MetaHash     string `json:"metaHash,omitempty"`
	SharedAt     int64  `json:"sharedAt,omitempty"`
}

// Playable 是否具备解密所需的字段
func (t SharedTrack) Playable() bool {
	return t.ContentID != "" && t.PiecePointer != ""
}

// ContentRef 投影回内容引用
func (t SharedTrack) ContentRef() ContentRef {
	return ContentRef{
		ContentID:    t.ContentID,
		TrackID:      t.TrackID,
		Owner:        t.Owner,
		DatasetOwner: t.DatasetOwner,
		PiecePointer: t.PiecePointer,
		Algo:         t.Algo,
	}
}

// Meta 投影出元数据
func (t SharedTrack) Meta() TrackMeta {
	return TrackMeta{
		TrackID:     t.TrackID,
		Title:       t.Title,
		Artist:      t.Artist,
		Album:       t.Album,
		CoverRef:    t.CoverRef,
		DurationSec: t.DurationSec,
		MetaHash:    t.MetaHash,
	}
}

// SharedListing 「分享给我」的全局列表
type SharedListing struct {
	Tracks    []SharedTrack   `json:"tracks"`
	Playlists []PlaylistShare `json:"playlists"`
	Warnings  []string        `json:"warnings,omitempty"`
}

// CacheEntry 已解密并落到临时目录的文件
type CacheEntry struct {
	ContentID string `json:"contentId"`
	LocalPath string `json:"localPath"`
	MimeType  string `json:"mimeType"`
}

// DownloadedEntry 持久化到设备媒体库的副本，存在时取代 CacheEntry
type DownloadedEntry struct {
	ContentID              string    `json:"contentId" gorm:"primaryKey;size:66"`
	DeviceMediaRef         string    `json:"deviceMediaRef" gorm:"size:1024;not null"`
	Title                  string    `json:"title" gorm:"size:255"`
	Artist                 string    `json:"artist" gorm:"size:255"`
	Album                  string    `json:"album" gorm:"size:255"`
	MimeType               string    `json:"mimeType" gorm:"size:64"`
	StoragePointerSnapshot string    `json:"storagePointerSnapshot" gorm:"size:255"`
	DownloadedAt           time.Time `json:"downloadedAt" gorm:"index"`
}

// TableName 指定表名
func (DownloadedEntry) TableName() string {
	return "downloaded_entries"
}
