package contentcrypto

import (
	"bytes"
	"path/filepath"
	"strings"
)

// DefaultMimeType 无法判断时的兜底类型
const DefaultMimeType = "audio/mpeg"

var extMime = map[string]string{
	".mp3":  "audio/mpeg",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
	".opus": "audio/ogg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
}

var mimeExt = map[string]string{
	"audio/mpeg": "mp3",
	"audio/flac": "flac",
	"audio/ogg":  "ogg",
	"audio/wav":  "wav",
	"audio/mp4":  "m4a",
	"audio/aac":  "aac",
}

// InferMimeType 先看标题里的扩展名，再看文件头
func InferMimeType(title string, data []byte) string {
	if mime, ok := extMime[strings.ToLower(filepath.Ext(strings.TrimSpace(title)))]; ok {
		return mime
	}
	if mime := sniffAudio(data); mime != "" {
		return mime
	}
	return DefaultMimeType
}

// MimeForExtension 扩展名（不带点）对应的 MIME
func MimeForExtension(ext string) string {
	if mime, ok := extMime["."+strings.ToLower(strings.TrimPrefix(ext, "."))]; ok {
		return mime
	}
	return "application/octet-stream"
}

// ExtensionFor MIME 对应的扩展名，未知的用 bin
func ExtensionFor(mime string) string {
	if ext, ok := mimeExt[mime]; ok {
		return ext
	}
	return "bin"
}

func sniffAudio(data []byte) string {
	switch {
	case len(data) >= 3 && bytes.Equal(data[:3], []byte("ID3")):
		return "audio/mpeg"
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("fLaC")):
		return "audio/flac"
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("OggS")):
		return "audio/ogg"
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return "audio/wav"
	case len(data) >= 8 && bytes.Equal(data[4:8], []byte("ftyp")):
		return "audio/mp4"
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xF6 == 0xF0:
		// ADTS: 同步字 12 位，layer 为 0
		return "audio/aac"
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return "audio/mpeg"
	}
	return ""
}
