package domain

type Resolution struct {
	Name   string
	Width  int
	Height int
}

const DefaultResolutionName = "720p"

var resolutions = map[string]Resolution{
	"480p":  {Name: "480p", Width: 640, Height: 480},
	"720p":  {Name: "720p", Width: 1280, Height: 720},
	"1080p": {Name: "1080p", Width: 1920, Height: 1080},
}

// LookupResolution returns the named preset, falling back to 720p for
// unknown names.
func LookupResolution(name string) Resolution {
	if r, ok := resolutions[name]; ok {
		return r
	}
	return resolutions[DefaultResolutionName]
}
