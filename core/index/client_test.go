package index

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"ShareFM/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIndex 按查询里的根字段分发到对应的处理函数
type fakeIndex struct {
	mu       sync.Mutex
	handlers map[string]func(vars map[string]interface{}) string
	calls    map[string]int
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		handlers: make(map[string]func(map[string]interface{}) string),
		calls:    make(map[string]int),
	}
}

func (f *fakeIndex) on(field string, h func(vars map[string]interface{}) string) {
	f.handlers[field] = h
}

func (f *fakeIndex) count(field string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[field]
}

func (f *fakeIndex) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req gqlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.Header.Get("X-Request-Id") == "" {
		http.Error(w, "missing request id", http.StatusBadRequest)
		return
	}
	// coverCid_not 是补封面的查询，优先匹配
	fields := []string{"coverCid_not", "accessGrants", "playlistShares", "playlistTrackVersions", "contentEntries", "tracks"}
	for _, field := range fields {
		if strings.Contains(req.Query, field) {
			h, ok := f.handlers[field]
			if !ok {
				break
			}
			f.mu.Lock()
			f.calls[field]++
			f.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(h(req.Variables)))
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"errors":[{"message":"unexpected query"}]}`))
}

func newTestClient(t *testing.T, f *fakeIndex, reg Registry, batch int) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return NewClient(Options{
		AccessURL:   srv.URL,
		PlaylistURL: srv.URL,
		BatchSize:   batch,
		Registry:    reg,
	})
}

func id32(short string) string {
	return model.CanonicalID(short)
}

func TestFetchCheckpointKeepsMaxVersionOrderedByPosition(t *testing.T) {
	f := newFakeIndex()
	f.on("playlistTrackVersions", func(vars map[string]interface{}) string {
		assert.Equal(t, "7", vars["version"])
		return `{"data":{"playlistTrackVersions":[
			{"version":"5","position":2,"trackId":"0xc"},
			{"version":"3","position":0,"trackId":"0xold0"},
			{"version":"5","position":0,"trackId":"0xa"},
			{"version":"3","position":1,"trackId":"0xold1"},
			{"version":"5","position":1,"trackId":"0xb"}
		]}}`
	})
	c := newTestClient(t, f, nil, 0)

	snap, err := c.FetchCheckpointTrackIDs(context.Background(), "0x01", "0x02", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(5), snap.Version)
	assert.Equal(t, []model.RawTrackRef{{Raw: "0xa"}, {Raw: "0xb"}, {Raw: "0xc"}}, snap.OrderedTrackIDs)
}

func TestSelectLatestCheckpointEmpty(t *testing.T) {
	assert.Empty(t, selectLatestCheckpoint(nil))
}

func TestFetchGrantsNormalizesRows(t *testing.T) {
	f := newFakeIndex()
	cid := hexOf("bafyexamplecid")
	f.on("accessGrants", func(vars map[string]interface{}) string {
		assert.Equal(t, "0xgrantee", vars["grantee"])
		return `{"data":{"accessGrants":[
			{"grantee":"0xGRANTEE","granted":true,"updatedAt":"1700000000",
			 "content":{"id":"0x01","trackId":"0x0a","owner":"0xOWNER","datasetOwner":"0xDS","pieceCid":"` + cid + `","algo":1,"updatedAt":"0"}},
			{"grantee":"0xgrantee","granted":false,"updatedAt":"1700000001","content":{"id":"0x02"}},
			{"grantee":"0xgrantee","granted":true,"updatedAt":"1700000002","content":null}
		]}}`
	})
	c := newTestClient(t, f, nil, 0)

	grants, err := c.FetchGrants(context.Background(), " 0xGrantee ")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	g := grants[0]
	assert.Equal(t, id32("0x01"), g.Content.ContentID)
	assert.Equal(t, id32("0x0a"), g.Content.TrackID)
	assert.Equal(t, "0xowner", g.Content.Owner)
	assert.Equal(t, "bafyexamplecid", g.Content.PiecePointer)
	assert.Equal(t, model.AlgoAES256GCM, g.Content.Algo)
	assert.Equal(t, int64(1700000000000), g.UpdatedAt)
	assert.Equal(t, g.UpdatedAt, g.Content.UpdatedAt)
}

func TestFetchGrantsCarriesGraphQLErrorMessage(t *testing.T) {
	f := newFakeIndex()
	f.on("accessGrants", func(map[string]interface{}) string {
		return `{"errors":[{"message":"indexer is behind"}]}`
	})
	c := newTestClient(t, f, nil, 0)

	grants, err := c.FetchGrants(context.Background(), "0xabc")
	assert.Empty(t, grants)
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, SourceAccess, fe.Source)
	assert.Contains(t, err.Error(), "indexer is behind")
}

func TestFetchPlaylistShares(t *testing.T) {
	f := newFakeIndex()
	f.on("playlistShares", func(map[string]interface{}) string {
		return `{"data":{"playlistShares":[
			{"id":"s1","playlistId":"0x10","owner":"0xO","grantee":"0xG","granted":true,"playlistVersion":"4",
			 "trackCount":3,"tracksHash":"0x20","sharedAt":"100","updatedAt":"200","playlist":{"name":"Road","coverCid":"bafycover"}},
			{"id":"s2","playlistId":"0x11","granted":false}
		]}}`
	})
	c := newTestClient(t, f, nil, 0)

	shares, err := c.FetchPlaylistShares(context.Background(), "0xG")
	require.NoError(t, err)
	require.Len(t, shares, 1)
	assert.Equal(t, int64(4), shares[0].PlaylistVersion)
	assert.Equal(t, "Road", shares[0].Summary.Name)
	assert.Equal(t, int64(100000), shares[0].SharedAt)
	assert.Equal(t, id32("0x20"), shares[0].TracksHash)
}

type fakeRegistry struct {
	mu          sync.Mutex
	tracks      map[string]*model.TrackMeta
	registered  map[string]bool
	lookups     int
	statusCalls int
}

func (r *fakeRegistry) LookupTrack(_ context.Context, id string) (*model.TrackMeta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	if m, ok := r.tracks[id]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (r *fakeRegistry) IsRegistered(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusCalls++
	return r.registered[id], nil
}

func TestFetchTrackMetaChunksMergesBackfillsAndFallsBack(t *testing.T) {
	f := newFakeIndex()
	f.on("tracks", func(vars map[string]interface{}) string {
		ids := vars["ids"].([]interface{})
		assert.LessOrEqual(t, len(ids), 2)
		var rows []string
		for _, raw := range ids {
			switch raw.(string) {
			case id32("0x1"):
				rows = append(rows,
					`{"id":"0x1","title":"One","artist":"A","album":"","coverCid":"","metaHash":"0xaa"}`,
					`{"id":"0x1","title":"Ignored","artist":"B","album":"LP","coverCid":"","metaHash":"0xaa"}`)
			case id32("0x2"):
				rows = append(rows, `{"id":"0x2","title":"Two","artist":"A","album":"LP","coverCid":"bafy2","durationSec":"180","metaHash":"0xbb"}`)
			case id32("0x3"):
				rows = append(rows, `{"id":"0x3","title":"Three","artist":"A","album":"LP","coverCid":"","metaHash":""}`)
			}
		}
		return `{"data":{"tracks":[` + strings.Join(rows, ",") + `]}}`
	})
	f.on("coverCid_not", func(vars map[string]interface{}) string {
		assert.Equal(t, []interface{}{id32("0xaa")}, vars["hashes"])
		return `{"data":{"tracks":[{"metaHash":"0xaa","coverCid":"bafyshared"}]}}`
	})
	reg := &fakeRegistry{
		tracks:     map[string]*model.TrackMeta{id32("0x4"): {Title: "Four", Artist: "Chain"}},
		registered: map[string]bool{id32("0x5"): true},
	}
	c := newTestClient(t, f, reg, 2)

	metas, err := c.FetchTrackMeta(context.Background(), []string{"0x1", "0x2", "0x3", "0x4", "0x5", "0x1"})
	require.NoError(t, err)
	assert.Equal(t, 3, f.count("tracks"))

	one := metas[id32("0x1")]
	assert.Equal(t, "One", one.Title)
	assert.Equal(t, "A", one.Artist)
	assert.Equal(t, "LP", one.Album)
	assert.Equal(t, "bafyshared", one.CoverRef)
	assert.Equal(t, 180, metas[id32("0x2")].DurationSec)
	assert.Equal(t, "", metas[id32("0x3")].CoverRef)

	four := metas[id32("0x4")]
	assert.Equal(t, "Four", four.Title)
	assert.Equal(t, id32("0x4"), four.TrackID)
	assert.Empty(t, four.MetaHash)

	_, ok := metas[id32("0x5")]
	assert.False(t, ok)
	assert.Equal(t, 2, reg.lookups)
	assert.Equal(t, 1, reg.statusCalls)
}

func TestFetchTrackMetaPartialFailureKeepsOtherChunks(t *testing.T) {
	f := newFakeIndex()
	f.on("tracks", func(vars map[string]interface{}) string {
		ids := vars["ids"].([]interface{})
		if ids[0].(string) == id32("0x2") {
			return `{"errors":[{"message":"too complex"}]}`
		}
		return `{"data":{"tracks":[{"id":"0x1","title":"One","artist":"A"}]}}`
	})
	c := newTestClient(t, f, nil, 1)

	metas, err := c.FetchTrackMeta(context.Background(), []string{"0x1", "0x2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too complex")
	assert.Equal(t, "One", metas[id32("0x1")].Title)
}

func TestFetchContentAliases(t *testing.T) {
	f := newFakeIndex()
	f.on("contentEntries", func(map[string]interface{}) string {
		return `{"data":{"contentEntries":[
			{"id":"0xc1","trackId":"0x71"},
			{"id":"0xc1","trackId":"0x72"},
			{"id":"0xc2","trackId":""}
		]}}`
	})
	c := newTestClient(t, f, nil, 0)

	aliases, err := c.FetchContentAliases(context.Background(), []string{"0xc1", "0xc2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{id32("0xc1"): id32("0x71")}, aliases)
}

func TestDecodeBytesToUTF8(t *testing.T) {
	assert.Equal(t, "bafyabc", decodeBytesToUTF8(hexOf("bafyabc")))
	assert.Equal(t, "bafyplain", decodeBytesToUTF8("bafyplain"))
	// 二进制内容保持原样
	assert.Equal(t, "0x0001ff", decodeBytesToUTF8("0x0001ff"))
}

func TestToMillis(t *testing.T) {
	assert.Equal(t, int64(1700000000000), toMillis(1700000000))
	assert.Equal(t, int64(1700000000000), toMillis(1700000000000))
	assert.Equal(t, int64(0), toMillis(0))
}

func hexOf(s string) string {
	const digits = "0123456789abcdef"
	var b strings.Builder
	b.WriteString("0x")
	for i := 0; i < len(s); i++ {
		b.WriteByte(digits[s[i]>>4])
		b.WriteByte(digits[s[i]&0x0f])
	}
	return b.String()
}
