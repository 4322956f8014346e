package sitehandler

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/maplecatch/maplecatch-web/internal/log"
)

var ErrInvalidOptions = errors.New("sitehandler: invalid options")

type Options struct {
	Logger log.Logger

	// Site is the page tree. Nil puts the handler in maintenance mode.
	Site fs.FS
	// FallbackFS holds the maintenance page and a plain 404.
	FallbackFS fs.FS

	MaintenanceFile string // in FallbackFS, default "maintenance.html"
	Fallback404File string // in FallbackFS, default "404.html"
	Site404File     string // in Site, default "404.html"

	// Cache policies by file extension.
	HTMLCacheControl  string // default "no-cache"
	AssetCacheControl string // default "public, max-age=31536000, immutable"
	OtherCacheControl string // default "public, max-age=3600"

	// MaintenanceRetryAfter is sent with the 503, in seconds. Default 60.
	MaintenanceRetryAfter int
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.MaintenanceFile == "" {
		o.MaintenanceFile = "maintenance.html"
	}
	if o.Fallback404File == "" {
		o.Fallback404File = "404.html"
	}
	if o.Site404File == "" {
		o.Site404File = "404.html"
	}
	if o.HTMLCacheControl == "" {
		o.HTMLCacheControl = "no-cache"
	}
	if o.AssetCacheControl == "" {
		o.AssetCacheControl = "public, max-age=31536000, immutable"
	}
	if o.OtherCacheControl == "" {
		o.OtherCacheControl = "public, max-age=3600"
	}
	if o.MaintenanceRetryAfter <= 0 {
		o.MaintenanceRetryAfter = 60
	}
}

func (o *Options) validate() error {
	if o.FallbackFS == nil {
		return fmt.Errorf("%w: FallbackFS is nil", ErrInvalidOptions)
	}
	// a mispackaged binary should fail at boot, not on the first outage
	if !existsFile(o.FallbackFS, o.MaintenanceFile) {
		return fmt.Errorf("%w: missing %q in fallback FS", ErrInvalidOptions, o.MaintenanceFile)
	}
	return nil
}
