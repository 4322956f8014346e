// Package webassets embeds the static site and the fallback pages served
// when the site is unusable.
package webassets

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed fallback site
var embedded embed.FS

// FallbackFS holds maintenance.html and a plain 404.html.
func FallbackFS() fs.FS {
	sub, err := fs.Sub(embedded, "fallback")
	if err != nil {
		panic(fmt.Errorf("webassets: fallback subfs: %w", err))
	}
	return sub
}

// SiteFS returns (fs, true) only if the embedded site has an index.html.
func SiteFS() (fs.FS, bool) {
	sub, err := fs.Sub(embedded, "site")
	if err != nil {
		return nil, false
	}
	if _, err := fs.Stat(sub, "index.html"); err != nil {
		return nil, false
	}
	return sub, true
}
