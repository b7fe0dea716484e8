package safety

import (
	"fmt"
	"slices"
	"strings"

	"github.com/slighter12/unreal-bridge-go/bridgeerr"
)

// ModeClass describes how safe it is to switch the viewport into a mode.
type ModeClass int

const (
	ModeSafe ModeClass = iota
	// ModeSoftUnsafe modes run but are slow or unstable on some hardware.
	ModeSoftUnsafe
	// ModeHardBlocked modes are never sent; a safe alternative is applied instead.
	ModeHardBlocked
)

func (c ModeClass) String() string {
	switch c {
	case ModeSafe:
		return "safe"
	case ModeSoftUnsafe:
		return "soft_unsafe"
	case ModeHardBlocked:
		return "hard_blocked"
	default:
		return "unknown"
	}
}

type viewModeEntry struct {
	canonical   string
	argument    string
	class       ModeClass
	alternative string
	warning     string
}

var viewModes = []viewModeEntry{
	{canonical: "Lit", argument: "Lit"},
	{canonical: "Unlit", argument: "Unlit"},
	{canonical: "Wireframe", argument: "Wireframe"},
	{canonical: "BrushWireframe", argument: "BrushWireframe"},
	{canonical: "DetailLighting", argument: "Lit_DetailLighting"},
	{canonical: "LightingOnly", argument: "LightingOnly"},
	{canonical: "ReflectionOverride", argument: "ReflectionOverride"},
	{canonical: "CollisionPawn", argument: "CollisionPawn"},
	{canonical: "CollisionVisibility", argument: "CollisionVisibility"},
	{canonical: "LODColoration", argument: "LODColoration"},
	{canonical: "LightmapDensity", argument: "LightmapDensity"},
	{canonical: "ShaderComplexity", argument: "ShaderComplexity", class: ModeSoftUnsafe,
		warning: "ShaderComplexity is expensive and may stall the viewport on large scenes"},
	{canonical: "LightComplexity", argument: "LightComplexity", class: ModeSoftUnsafe,
		warning: "LightComplexity can be slow with many dynamic lights"},
	{canonical: "StationaryLightOverlap", argument: "StationaryLightOverlap", class: ModeSoftUnsafe,
		warning: "StationaryLightOverlap may be slow on large levels"},
	{canonical: "QuadOverdraw", argument: "QuadOverdraw", class: ModeSoftUnsafe,
		warning: "QuadOverdraw requires shader model 5 and may fail on some RHIs"},
	{canonical: "PathTracing", argument: "PathTracing", class: ModeSoftUnsafe,
		warning: "PathTracing requires hardware ray tracing and is very slow"},
	{canonical: "BaseColor", class: ModeHardBlocked, alternative: "Lit"},
	{canonical: "WorldNormal", class: ModeHardBlocked, alternative: "Lit"},
	{canonical: "Metallic", class: ModeHardBlocked, alternative: "Lit"},
	{canonical: "Specular", class: ModeHardBlocked, alternative: "Lit"},
	{canonical: "Roughness", class: ModeHardBlocked, alternative: "Lit"},
	{canonical: "SceneDepth", class: ModeHardBlocked, alternative: "Unlit"},
}

var viewModeAliases = map[string]string{
	"default":         "Lit",
	"normal":          "Lit",
	"nolighting":      "Unlit",
	"wire":            "Wireframe",
	"brushwire":       "BrushWireframe",
	"litdetail":       "DetailLighting",
	"litdetaillight":  "DetailLighting",
	"lightonly":       "LightingOnly",
	"reflections":     "ReflectionOverride",
	"lod":             "LODColoration",
	"lightmap":        "LightmapDensity",
	"shadercomplex":   "ShaderComplexity",
	"shaders":         "ShaderComplexity",
	"lightcomplex":    "LightComplexity",
	"overdraw":        "QuadOverdraw",
	"pathtracer":      "PathTracing",
	"albedo":          "BaseColor",
	"diffuse":         "BaseColor",
	"normals":         "WorldNormal",
	"worldnormals":    "WorldNormal",
	"metalness":       "Metallic",
	"depth":           "SceneDepth",
	"visualizebuffer": "BaseColor",
}

var viewModeIndex = buildViewModeIndex()

func buildViewModeIndex() map[string]viewModeEntry {
	index := make(map[string]viewModeEntry, len(viewModes)+len(viewModeAliases))
	byCanonical := make(map[string]viewModeEntry, len(viewModes))
	for _, entry := range viewModes {
		byCanonical[entry.canonical] = entry
		index[normalizeModeName(entry.canonical)] = entry
		if entry.argument != "" {
			index[normalizeModeName(entry.argument)] = entry
		}
	}
	for alias, canonical := range viewModeAliases {
		index[alias] = byCanonical[canonical]
	}
	return index
}

// normalizeModeName drops case, whitespace and separators.
func normalizeModeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch r {
		case ' ', '\t', '_', '-', '.', '/':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ViewModeResolution is the outcome of resolving a free-form view mode name.
type ViewModeResolution struct {
	Requested   string
	Canonical   string
	Class       ModeClass
	Applied     string
	Command     string
	Substituted bool
	Warning     string
}

// ResolveViewMode normalizes name and decides which mode may actually be applied.
func ResolveViewMode(name string) (ViewModeResolution, error) {
	entry, ok := viewModeIndex[normalizeModeName(name)]
	if !ok || entry.canonical == "" {
		return ViewModeResolution{}, bridgeerr.New(bridgeerr.KindUnknownMode,
			fmt.Sprintf("Unknown view mode %q", name),
			map[string]any{"accepted": CanonicalViewModes()})
	}

	res := ViewModeResolution{
		Requested: name,
		Canonical: entry.canonical,
		Class:     entry.class,
		Applied:   entry.canonical,
		Warning:   entry.warning,
	}
	if entry.class == ModeHardBlocked {
		alt := viewModeIndex[normalizeModeName(entry.alternative)]
		res.Applied = alt.canonical
		res.Substituted = true
		res.Warning = fmt.Sprintf("View mode %s is unsafe over remote control; applied %s instead", entry.canonical, alt.canonical)
		entry = alt
	}
	res.Command = "viewmode " + entry.argument
	return res, nil
}

// CanonicalViewModes lists every accepted canonical view mode name.
func CanonicalViewModes() []string {
	names := make([]string, 0, len(viewModes))
	for _, entry := range viewModes {
		names = append(names, entry.canonical)
	}
	slices.Sort(names)
	return names
}
