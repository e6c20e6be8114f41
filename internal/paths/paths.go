// Package paths maps model names and workflow node types onto the fixed tree
// of model subdirectories, and guards every final placement against path
// traversal.
package paths

import (
	"errors"
	"path/filepath"
	"strings"
)

// Model subdirectories the resolver is allowed to place files into.
const (
	DirCheckpoints     = "checkpoints"
	DirLoras           = "loras"
	DirVAE             = "vae"
	DirControlNet      = "controlnet"
	DirEmbeddings      = "embeddings"
	DirUpscaleModels   = "upscale_models"
	DirClipVision      = "clip_vision"
	DirClip            = "clip"
	DirUnet            = "unet"
	DirDiffusionModels = "diffusion_models"
	DirGGUF            = "gguf"
)

// AllowedDirectories is the closed set of placement targets.
var AllowedDirectories = []string{
	DirCheckpoints,
	DirLoras,
	DirVAE,
	DirControlNet,
	DirEmbeddings,
	DirUpscaleModels,
	DirClipVision,
	DirClip,
	DirUnet,
	DirDiffusionModels,
	DirGGUF,
}

// ErrPathEscape is returned when a placement would resolve outside the base
// directory.
var ErrPathEscape = errors.New("path escapes base directory")

type rule struct {
	substr string
	dir    string
}

// Ordered rule tables. Node-type rules are consulted before filename rules;
// earlier entries win, so the more specific substrings come first.
var nodeTypeRules = []rule{
	{"lora", DirLoras},
	{"lycoris", DirLoras},
	{"vae", DirVAE},
	{"controlnet", DirControlNet},
	{"control_net", DirControlNet},
	{"embedding", DirEmbeddings},
	{"textualinversion", DirEmbeddings},
	{"upscale", DirUpscaleModels},
	{"esrgan", DirUpscaleModels},
	{"clipvision", DirClipVision},
	{"clip_vision", DirClipVision},
	{"cliploader", DirClip},
	{"unet", DirUnet},
	{"checkpoint", DirCheckpoints},
}

var filenameRules = []rule{
	{"lora", DirLoras},
	{"lycoris", DirLoras},
	{"locon", DirLoras},
	{"vae", DirVAE},
	{"controlnet", DirControlNet},
	{"control_net", DirControlNet},
	{"embedding", DirEmbeddings},
	{"embed", DirEmbeddings},
	{"upscale", DirUpscaleModels},
	{"esrgan", DirUpscaleModels},
	{"clip_vision", DirClipVision},
	{".gguf", DirGGUF},
}

// InferDirectory picks a target subdirectory for a model. The node type, when
// given, takes priority over the filename; an unrecognised node type and an
// unrecognised filename both fall back to checkpoints. Total and
// deterministic.
func InferDirectory(filename, nodeType string) string {
	if nodeType != "" {
		lower := strings.ToLower(nodeType)
		for _, r := range nodeTypeRules {
			if strings.Contains(lower, r.substr) {
				return r.dir
			}
		}
		return DirCheckpoints
	}

	lower := strings.ToLower(filename)
	for _, r := range filenameRules {
		if strings.Contains(lower, r.substr) {
			return r.dir
		}
	}
	return DirCheckpoints
}

// fallbackFilename is used when sanitising leaves nothing usable.
const fallbackFilename = "model.safetensors"

// SanitizeFilename strips everything but alphanumerics, dot, underscore,
// dash and space, and collapses an empty result to a fallback literal.
func SanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	for _, r := range name {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '.' || r == '_' || r == '-' || r == ' '
		if ok {
			b.WriteRune(r)
		}
	}
	clean := strings.Trim(b.String(), ". ")
	if clean == "" {
		return fallbackFilename
	}
	return clean
}

// ResolveWithinBase joins base with the given components and verifies the
// result is still a descendant of base. Components carrying separators or
// parent references are rejected rather than cleaned.
func ResolveWithinBase(base string, parts ...string) (string, error) {
	baseAbs, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}
	baseAbs = filepath.Clean(baseAbs)

	joined := baseAbs
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return "", ErrPathEscape
		}
		if strings.ContainsAny(p, "/\\") {
			return "", ErrPathEscape
		}
		joined = filepath.Join(joined, p)
	}
	joined = filepath.Clean(joined)

	if !isWithin(baseAbs, joined) {
		return "", ErrPathEscape
	}
	return joined, nil
}

func isWithin(base, p string) bool {
	if p == base {
		return true
	}
	return strings.HasPrefix(p, base+string(filepath.Separator))
}
