package reconcile

import (
	"ShareFM/model"
)

// grantEntry 一条授权以及它解析出的 track id / meta hash
type grantEntry struct {
	grant    model.AccessGrant
	trackID  string
	metaHash string
}

func (e grantEntry) contentID() string { return e.grant.Content.ContentID }

// newer 判断 a 是否应当取代 b：updated_at 大者胜，相等时 content id 字典序小者胜，保证结果与输入顺序无关
func newer(a, b grantEntry) bool {
	if a.grant.UpdatedAt != b.grant.UpdatedAt {
		return a.grant.UpdatedAt > b.grant.UpdatedAt
	}
	return a.contentID() < b.contentID()
}

// accessIndex grantee 的授权查找表
type accessIndex struct {
	byContent  map[string]grantEntry
	byTrack    map[string]grantEntry
	byMetaHash map[string]grantEntry
}

func newAccessIndex() *accessIndex {
	return &accessIndex{
		byContent:  make(map[string]grantEntry),
		byTrack:    make(map[string]grantEntry),
		byMetaHash: make(map[string]grantEntry),
	}
}

func put(table map[string]grantEntry, key string, e grantEntry) {
	if key == "" {
		return
	}
	if cur, ok := table[key]; !ok || newer(e, cur) {
		table[key] = e
	}
}

func (ix *accessIndex) add(e grantEntry) {
	put(ix.byContent, e.contentID(), e)
	put(ix.byTrack, e.trackID, e)
	put(ix.byMetaHash, e.metaHash, e)
}

// lookup 查找顺序: meta_hash -> track_id -> 原始引用当作 content_id
func (ix *accessIndex) lookup(metaHash, trackID, rawAsContent string) (grantEntry, bool) {
	if metaHash != "" {
		if e, ok := ix.byMetaHash[metaHash]; ok {
			return e, true
		}
	}
	if trackID != "" {
		if e, ok := ix.byTrack[trackID]; ok {
			return e, true
		}
	}
	if rawAsContent != "" {
		if e, ok := ix.byContent[rawAsContent]; ok {
			return e, true
		}
	}
	return grantEntry{}, false
}

func (ix *accessIndex) size() int { return len(ix.byContent) }
