package fetch

import (
	"mime"
	"net/url"
	"path"
	"sort"
	"strings"
)

var contentTypeExt = map[string]string{
	"image/jpeg":      ".jpg",
	"image/jpg":       ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"image/heic":      ".heic",
	"video/mp4":       ".mp4",
	"video/quicktime": ".mov",
	"video/webm":      ".webm",
	"audio/mpeg":      ".mp3",
	"audio/mp3":       ".mp3",
	"audio/amr":       ".amr",
	"audio/aac":       ".aac",
	"audio/mp4":       ".m4a",
	"audio/ogg":       ".ogg",
	"audio/wav":       ".wav",
}

var keywordExt = []struct {
	needle string
	ext    string
}{
	{"/image/", ".jpg"},
	{"/img/", ".jpg"},
	{"cover", ".jpg"},
	{"thumb", ".jpg"},
	{"emotion", ".jpg"},
	{"express", ".jpg"},
	{"emoji", ".jpg"},
	{"/video/", ".mp4"},
	{"/mp4/", ".mp4"},
	{"/audio/", ".amr"},
	{"/voice/", ".amr"},
}

// DefaultExt is used when nothing else identifies the payload.
const DefaultExt = ".bin"

// InferExt picks a file extension for a downloaded resource. It prefers
// the URL path's own extension, then the response Content-Type, then the
// caller's hint, then keywords in the URL, and finally DefaultExt.
func InferExt(rawURL, contentType, hint string) string {
	if ext := pathExt(rawURL); ext != "" {
		return ext
	}
	if ext := contentTypeToExt(contentType); ext != "" {
		return ext
	}
	if ext := normalizeExt(hint); ext != "" {
		return ext
	}
	low := strings.ToLower(stripQuery(rawURL))
	for _, k := range keywordExt {
		if strings.Contains(low, k.needle) {
			return k.ext
		}
	}
	return DefaultExt
}

func stripQuery(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		return raw[:i]
	}
	return raw
}

func pathExt(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return normalizeExt(path.Ext(u.Path))
}

// normalizeExt returns ".ext" lowercased when ext is 1..5 alphanumerics.
func normalizeExt(ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
	if ext == "" || len(ext) > 5 {
		return ""
	}
	for _, r := range ext {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	return "." + ext
}

func contentTypeToExt(ct string) string {
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	if ext, ok := contentTypeExt[mt]; ok {
		return ext
	}
	if mt == "application/octet-stream" || strings.HasPrefix(mt, "text/") {
		return ""
	}
	exts, _ := mime.ExtensionsByType(mt)
	if len(exts) == 0 {
		return ""
	}
	sort.Strings(exts)
	return normalizeExt(exts[0])
}
