package index

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ShareFM/logger"
	"ShareFM/model"

	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
	"golang.org/x/sync/errgroup"
)

// Registry 链上曲目注册表，索引没追上时兜底
type Registry interface {
	LookupTrack(ctx context.Context, trackID string) (*model.TrackMeta, error)
	IsRegistered(ctx context.Context, trackID string) (bool, error)
}

var (
	getTrackSelector     = selector("getTrack(bytes32)")
	isRegisteredSelector = selector("isRegistered(bytes32)")
)

// getTrack 返回 (string title, string artist, string album, uint8 kind,
// bytes32 payload, uint64 registeredAt, string coverCid, uint32 durationSec)
const getTrackWords = 8

func selector(signature string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return h.Sum(nil)[:4]
}

// RPCRegistry 通过 JSON-RPC eth_call 读取注册表合约
type RPCRegistry struct {
	rpcURL     string
	contract   string
	httpClient *http.Client
	nextID     atomic.Int64
}

// NewRPCRegistry 创建注册表客户端
func NewRPCRegistry(rpcURL, contract string, httpClient *http.Client) *RPCRegistry {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &RPCRegistry{
		rpcURL:     rpcURL,
		contract:   strings.ToLower(strings.TrimSpace(contract)),
		httpClient: httpClient,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result string `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (r *RPCRegistry) ethCall(ctx context.Context, data []byte) ([]byte, error) {
	if r.rpcURL == "" || r.contract == "" {
		return nil, errors.New("registry not configured")
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      r.nextID.Add(1),
		Method:  "eth_call",
		Params: []interface{}{
			map[string]string{"to": r.contract, "data": "0x" + hex.EncodeToString(data)},
			"latest",
		},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry rpc HTTP %d", resp.StatusCode)
	}

	var parsed rpcResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode rpc response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", parsed.Error.Code, parsed.Error.Message)
	}
	out := strings.TrimPrefix(strings.TrimSpace(parsed.Result), "0x")
	if out == "" {
		return nil, nil
	}
	return hex.DecodeString(out)
}

func bytes32Arg(trackID string) ([]byte, error) {
	norm, err := model.NormalizeBytes32Hex(trackID)
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(norm[2:])
}

// LookupTrack 读取曲目元数据；返回 nil, nil 表示注册表里没有
func (r *RPCRegistry) LookupTrack(ctx context.Context, trackID string) (*model.TrackMeta, error) {
	arg, err := bytes32Arg(trackID)
	if err != nil {
		return nil, err
	}
	out, err := r.ethCall(ctx, append(append([]byte{}, getTrackSelector...), arg...))
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return decodeGetTrack(model.CanonicalID(trackID), out)
}

func decodeGetTrack(trackID string, out []byte) (*model.TrackMeta, error) {
	if len(out) < getTrackWords*32 {
		return nil, fmt.Errorf("getTrack response too short: %d bytes", len(out))
	}
	title, err := abiString(out, 0)
	if err != nil {
		return nil, fmt.Errorf("title: %w", err)
	}
	artist, err := abiString(out, 1)
	if err != nil {
		return nil, fmt.Errorf("artist: %w", err)
	}
	album, err := abiString(out, 2)
	if err != nil {
		return nil, fmt.Errorf("album: %w", err)
	}
	// 旧合约没有封面字段，解析失败不算错
	cover, _ := abiString(out, 6)
	duration, _ := abiUint(out, 7)

	title, artist = strings.TrimSpace(title), strings.TrimSpace(artist)
	if title == "" && artist == "" {
		return nil, nil
	}
	return &model.TrackMeta{
		TrackID:     trackID,
		Title:       title,
		Artist:      artist,
		Album:       strings.TrimSpace(album),
		CoverRef:    strings.TrimSpace(cover),
		DurationSec: int(duration),
	}, nil
}

// IsRegistered 曲目是否已在注册表登记
func (r *RPCRegistry) IsRegistered(ctx context.Context, trackID string) (bool, error) {
	arg, err := bytes32Arg(trackID)
	if err != nil {
		return false, err
	}
	out, err := r.ethCall(ctx, append(append([]byte{}, isRegisteredSelector...), arg...))
	if err != nil {
		return false, err
	}
	if len(out) < 32 {
		return false, fmt.Errorf("isRegistered response too short: %d bytes", len(out))
	}
	v, err := abiUint(out, 0)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func abiUint(data []byte, word int) (uint64, error) {
	if word < 0 || word >= len(data)/32 {
		return 0, errors.New("word out of range")
	}
	start := word * 32
	w := data[start : start+32]
	for _, b := range w[:24] {
		if b != 0 {
			return 0, errors.New("integer overflows uint64")
		}
	}
	return binary.BigEndian.Uint64(w[24:]), nil
}

// abiString 解码动态 string；偏移和长度都来自远端，先比较再相加，避免溢出
func abiString(data []byte, word int) (string, error) {
	off, err := abiUint(data, word)
	if err != nil {
		return "", err
	}
	size := uint64(len(data))
	if size < 32 || off%32 != 0 || off > size-32 {
		return "", fmt.Errorf("bad string offset %d", off)
	}
	n, err := abiUint(data, int(off/32))
	if err != nil {
		return "", err
	}
	if n > size-off-32 {
		return "", fmt.Errorf("string length %d out of range", n)
	}
	return string(data[off+32 : off+32+n]), nil
}

// registryFallback 对索引缺失的 id 逐个查注册表。
// 查不到只记日志，用 isRegistered 区分「未注册」和「已注册但索引未同步」。
func (c *Client) registryFallback(ctx context.Context, ids []string) map[string]model.TrackMeta {
	var mu sync.Mutex
	found := make(map[string]model.TrackMeta)

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			meta, err := c.registry.LookupTrack(ctx, id)
			if err == nil && meta != nil {
				meta.TrackID = id
				mu.Lock()
				found[id] = *meta
				mu.Unlock()
				return nil
			}
			c.logUnresolved(ctx, id, err)
			return nil
		})
	}
	_ = g.Wait()

	if len(found) > 0 {
		c.log.Info("registry fallback resolved tracks", logger.Int("resolved", len(found)), logger.Int("requested", len(ids)))
	}
	return found
}

func (c *Client) logUnresolved(ctx context.Context, id string, lookupErr error) {
	fields := []zap.Field{logger.String("trackId", id)}
	if lookupErr != nil {
		fields = append(fields, logger.NamedError("lookupError", lookupErr))
	}
	registered, err := c.registry.IsRegistered(ctx, id)
	switch {
	case err != nil:
		c.log.Warn("track unresolved, registry status unknown",
			append(fields, logger.ErrorField(fmt.Errorf("%w: %v", model.ErrRegistryUnresolved, err)))...)
	case registered:
		c.log.Info("track registered but not indexed yet", fields...)
	default:
		c.log.Info("track not registered", fields...)
	}
}
