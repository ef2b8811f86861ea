package webui

import (
	"embed"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
)

//go:embed assets
var embeddedAssets embed.FS

// assetHandler serves files from an optional override directory, falling back
// to the assets compiled into the binary.
type assetHandler struct {
	overrideDir string
	embedded    fs.FS
}

func newAssetHandler(overrideDir string) *assetHandler {
	sub, err := fs.Sub(embeddedAssets, "assets")
	if err != nil {
		panic(err)
	}
	return &assetHandler{
		overrideDir: overrideDir,
		embedded:    sub,
	}
}

func (h *assetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filename := filepath.Base(r.URL.Path)
	if h.overrideDir != "" {
		overridePath := filepath.Join(h.overrideDir, filename)
		if fileExists(overridePath) {
			http.ServeFile(w, r, overridePath)
			return
		}
	}
	if _, err := fs.Stat(h.embedded, filename); err != nil {
		http.NotFound(w, r)
		return
	}
	http.ServeFileFS(w, r, h.embedded, filename)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
