package sitehandler

import (
	"io/fs"
	"path"
	"strings"
)

// resolvePath maps a URL path to a file in fsys. A non-empty redirectTo
// means the caller should send the client to the canonical slash form.
func resolvePath(urlPath string, fsys fs.FS) (file, redirectTo string, ok bool) {
	p := "/" + strings.TrimPrefix(urlPath, "/")

	if strings.ContainsAny(p, "\x00\\") || strings.Contains(p, "..") || hasDotSegments(p) {
		return "", "", false
	}

	dir := strings.HasSuffix(p, "/")
	clean := path.Clean(p)
	name := strings.TrimPrefix(clean, "/")

	switch {
	case clean == "/":
		return found(fsys, "index.html")
	case dir:
		return found(fsys, name+"/index.html")
	case path.Ext(clean) != "":
		return found(fsys, name)
	case existsFile(fsys, name+"/index.html"):
		return "", clean + "/", true
	}
	return "", "", false
}

func found(fsys fs.FS, name string) (string, string, bool) {
	if existsFile(fsys, name) {
		return name, "", true
	}
	return "", "", false
}

// hasDotSegments reports whether any segment is "." or "..".
func hasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

func existsFile(fsys fs.FS, name string) bool {
	if fsys == nil || name == "" || !fs.ValidPath(name) {
		return false
	}
	info, err := fs.Stat(fsys, name)
	return err == nil && !info.IsDir()
}
