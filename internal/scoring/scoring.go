// Package scoring rates located candidates against the requested model name.
// One scorer per source; the point values and acceptance thresholds are
// behaviour-parity constants, not derived.
package scoring

import (
	"path/filepath"
	"strings"
)

// Acceptance thresholds. Global cache is a curated catalog so the bar is
// mid-high; CivitAI carries the least reliable naming so it gets a low bar
// plus a base score.
const (
	GlobalCacheAcceptScore = 50 // accepted when score >= threshold
	HuggingFaceAcceptScore = 10 // accepted when score > threshold
	CivitaiAcceptScore     = 5  // accepted when score > threshold
)

// modelExtensions are stripped when comparing base names.
var modelExtensions = []string{".safetensors", ".ckpt", ".pt", ".pth", ".bin"}

func stripModelExt(name string) string {
	lower := strings.ToLower(name)
	for _, ext := range modelExtensions {
		if strings.HasSuffix(lower, ext) {
			return name[:len(name)-len(ext)]
		}
	}
	return name
}

func normalize(name string) string {
	name = strings.ToLower(stripModelExt(name))
	replacer := strings.NewReplacer("_", "", "-", "", " ", "")
	return replacer.Replace(name)
}

// ScoreGlobalCache rates a catalog filename against the requested name.
// Accepted when >= GlobalCacheAcceptScore.
func ScoreGlobalCache(candidate, requested string) float64 {
	cand := strings.ToLower(strings.TrimSpace(candidate))
	req := strings.ToLower(strings.TrimSpace(requested))
	if cand == "" || req == "" {
		return 0
	}

	if cand == req {
		return 100
	}

	candBase := stripModelExt(cand)
	reqBase := stripModelExt(req)
	if cand == reqBase {
		return 90
	}
	if candBase == req {
		return 85
	}
	if candBase == reqBase {
		return 95
	}

	candNorm := normalize(cand)
	reqNorm := normalize(req)
	if candNorm == reqNorm {
		return 80
	}

	if strings.Contains(candBase, reqBase) {
		return 70
	}
	if strings.Contains(reqBase, candBase) {
		return 55
	}

	if strings.Contains(candNorm, reqNorm) {
		return 50
	}
	if strings.Contains(reqNorm, candNorm) {
		return 45
	}

	return 0
}

// ScoreHuggingFace rates a repo file against the requested name. The repo id
// contributes a bonus on top of the filename score. Accepted when
// > HuggingFaceAcceptScore.
func ScoreHuggingFace(requested, repoID, filename string) float64 {
	req := strings.ToLower(strings.TrimSpace(requested))
	file := strings.ToLower(filepath.Base(filename))
	if req == "" || file == "" {
		return 0
	}

	var score float64
	switch {
	case file == req:
		score = 50
	case stripModelExt(file) == stripModelExt(req):
		score = 45
	case strings.Contains(file, stripModelExt(req)):
		score = 20
	}

	repoName := strings.ToLower(repoID)
	if i := strings.IndexByte(repoName, '/'); i >= 0 {
		repoName = repoName[i+1:]
	}
	reqBase := normalize(req)
	if reqBase != "" && strings.Contains(normalize(repoName), reqBase) {
		score += 15
		if normalize(repoName) == reqBase {
			score += 10
		}
	}

	return score
}

// ScoreCivitai rates a model URL slug against the requested name. Any
// syntactically valid model id earns a flat base score. Accepted when
// > CivitaiAcceptScore.
func ScoreCivitai(requested, slug string, validModelID bool) float64 {
	var score float64
	if validModelID {
		score = 5
	}

	req := strings.ToLower(strings.TrimSpace(stripModelExt(requested)))
	raw := strings.ToLower(strings.TrimSpace(slug))
	if req == "" || raw == "" {
		return score
	}

	spaced := strings.NewReplacer("-", " ", "_", " ")
	slugNorm := spaced.Replace(raw)
	reqNorm := spaced.Replace(req)

	switch {
	case slugNorm == reqNorm:
		score += 40
	case raw == req:
		score += 35
	case strings.Contains(slugNorm, reqNorm) || strings.Contains(reqNorm, slugNorm):
		score += 15
	}

	return score
}
