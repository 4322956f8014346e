package sitehandler

import (
	"path"
	"strings"
)

func cacheControlForFile(name string, o *Options) string {
	switch ext := strings.ToLower(path.Ext(name)); ext {
	case ".html", "":
		// pretty urls resolve to html
		return o.HTMLCacheControl
	case ".css", ".js", ".mjs", ".map",
		".png", ".jpg", ".jpeg", ".webp", ".avif", ".gif", ".svg", ".ico",
		".woff", ".woff2", ".ttf", ".otf", ".eot":
		return o.AssetCacheControl
	default:
		return o.OtherCacheControl
	}
}
