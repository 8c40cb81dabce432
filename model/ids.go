package model

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ContentID 加密内容的内容寻址标识，统一为 0x + 64 位小写十六进制
type ContentID string

// TrackID 曲目注册标识，同一首歌重复注册时会产生不同的 TrackID
type TrackID string

// RawTrackRef 播放列表快照中的原始曲目引用。
// 它可能是 content id 也可能是 track id，只能通过别名查询转成 TrackID。
type RawTrackRef struct {
	Raw string
}

// NormalizeBytes32Hex 把 1..32 字节的十六进制字符串规范成 32 字节的 0x 小写形式
func NormalizeBytes32Hex(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return "", fmt.Errorf("empty id")
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("id %q is not hex: %w", raw, err)
	}
	if len(b) > 32 {
		return "", fmt.Errorf("id %q longer than 32 bytes", raw)
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return "0x" + hex.EncodeToString(padded), nil
}

// NormalizeContentID 规范化 content id
func NormalizeContentID(raw string) (ContentID, error) {
	s, err := NormalizeBytes32Hex(raw)
	if err != nil {
		return "", err
	}
	return ContentID(s), nil
}

// NormalizeTrackID 规范化 track id
func NormalizeTrackID(raw string) (TrackID, error) {
	s, err := NormalizeBytes32Hex(raw)
	if err != nil {
		return "", err
	}
	return TrackID(s), nil
}

// CanonicalID 尽量规范化，失败时退回去空白后的小写原值。
// 索引中偶尔会出现不规范的 id，查表时两边都用这个函数保证一致。
func CanonicalID(raw string) string {
	if s, err := NormalizeBytes32Hex(raw); err == nil {
		return s
	}
	return strings.ToLower(strings.TrimSpace(raw))
}

// NormalizeAddress 钱包地址统一小写
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// FileSafe 去掉 0x 前缀，用于拼接文件名
func (c ContentID) FileSafe() string {
	return strings.TrimPrefix(string(c), "0x")
}

func (c ContentID) String() string { return string(c) }

func (t TrackID) String() string { return string(t) }

// ShortHex 取前 8 位十六进制，用于占位标题
func ShortHex(id string) string {
	s := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(id)), "0x")
	if len(s) > 8 {
		s = s[:8]
	}
	return "0x" + s
}
