package model

import (
	"errors"
)

// 共享内容流水线的错误分类，调用方用 errors.Is 判断
var (
	ErrNotSupported        = errors.New("content encryption scheme not supported, ask the owner to re-upload")
	ErrNotShared           = errors.New("content not shared to this wallet yet")
	ErrNotUnlocked         = errors.New("content not unlocked yet, still propagating through the index")
	ErrCorruptPayload      = errors.New("encrypted payload is corrupt")
	ErrDecryptFailed       = errors.New("failed to decrypt content")
	ErrBusy                = errors.New("another decrypt or download is already in progress")
	ErrPartialIndexFailure = errors.New("one index source failed, results may be incomplete")
	ErrRegistryUnresolved  = errors.New("track not found in registry")
	ErrMissingKeyPair      = errors.New("no content keypair on this device, generate one by publishing content first")
)

var reasons = []struct {
	err    error
	reason string
}{
	{ErrNotSupported, "Unsupported encryption. Ask the owner to re-upload."},
	{ErrNotShared, "Not shared with this wallet yet."},
	{ErrNotUnlocked, "Not unlocked yet. Try again in a moment."},
	{ErrCorruptPayload, "The encrypted file is damaged."},
	{ErrDecryptFailed, "Could not decrypt this track."},
	{ErrBusy, "Another track is being prepared. Try again shortly."},
	{ErrMissingKeyPair, "Publish a track first to create your content key."},
	{ErrPartialIndexFailure, "Some shared items may be missing."},
	{ErrRegistryUnresolved, "Track details are not available yet."},
}

// Reason 把错误转换成面向用户的提示语
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return "Something went wrong."
}
