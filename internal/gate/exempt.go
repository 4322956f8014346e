package gate

import (
	"path"
	"strings"
)

var exemptPrefixes = []string{
	"/_next",
	"/favicon.ico",
}

var exemptExt = map[string]bool{
	".js": true, ".css": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true,
	".ico": true, ".webp": true, ".avif": true,
	".txt": true, ".xml": true,
	".woff": true, ".woff2": true, ".ttf": true, ".otf": true,
}

// Exempt reports whether a path bypasses the gate entirely: framework
// assets, the favicon and static files by extension.
// Exempt requests are never counted and get no gate headers.
func Exempt(p string) bool {
	for _, pre := range exemptPrefixes {
		if strings.HasPrefix(p, pre) {
			return true
		}
	}
	return exemptExt[strings.ToLower(path.Ext(p))]
}
