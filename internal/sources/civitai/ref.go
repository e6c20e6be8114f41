package civitai

import (
	"net/url"
	"strconv"
	"strings"
)

// Ref is a parsed CivitAI reference. Exactly one of ModelID or VersionID is
// guaranteed non-zero; both set means the version was pinned explicitly.
type Ref struct {
	ModelID   int
	VersionID int
}

// ParseRef recognizes CivitAI references: model page URLs (with optional
// modelVersionId pin), direct download URLs, bare numeric ids and
// "model:version" pairs. Plain filenames are not references.
func ParseRef(ref string) (Ref, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Ref{}, false
	}

	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		u, err := url.Parse(ref)
		if err != nil {
			return Ref{}, false
		}
		host := strings.ToLower(u.Hostname())
		if host != "civitai.com" && host != "www.civitai.com" {
			return Ref{}, false
		}
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")

		// /api/download/models/<versionID>
		if len(parts) >= 4 && parts[0] == "api" && parts[1] == "download" && parts[2] == "models" {
			if id, err := strconv.Atoi(parts[3]); err == nil && id > 0 {
				return Ref{VersionID: id}, true
			}
			return Ref{}, false
		}

		// /models/<modelID>[/slug][?modelVersionId=NN]
		if len(parts) >= 2 && parts[0] == "models" {
			id, err := strconv.Atoi(parts[1])
			if err != nil || id <= 0 {
				return Ref{}, false
			}
			r := Ref{ModelID: id}
			if v := u.Query().Get("modelVersionId"); v != "" {
				if vid, err := strconv.Atoi(v); err == nil && vid > 0 {
					r.VersionID = vid
				}
			}
			return r, true
		}
		return Ref{}, false
	}

	// "model:version"
	if i := strings.IndexByte(ref, ':'); i > 0 {
		mid, err1 := strconv.Atoi(ref[:i])
		vid, err2 := strconv.Atoi(ref[i+1:])
		if err1 == nil && err2 == nil && mid > 0 && vid > 0 {
			return Ref{ModelID: mid, VersionID: vid}, true
		}
		return Ref{}, false
	}

	if id, err := strconv.Atoi(ref); err == nil && id > 0 {
		return Ref{ModelID: id}, true
	}
	return Ref{}, false
}
