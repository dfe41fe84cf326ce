package middleware

import (
	"net/http"
	"os"
	"path/filepath"
)

const leafSVG = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 200 200"><rect width="200" height="200" fill="#f0f7f0"/><path d="M100 40c-30 25-45 55-45 80 0 25 20 40 45 40s45-15 45-40c0-25-15-55-45-80zm0 105c-5-20-5-45 0-70" fill="none" stroke="#4a7c4e" stroke-width="6" stroke-linecap="round"/><text x="100" y="185" text-anchor="middle" font-family="Arial" font-size="14" fill="#4a7c4e">CROP</text></svg>`

// StaticFileServer serves crop reference images, falling back to a placeholder
// leaf for crops without artwork yet.
func StaticFileServer(dir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(dir, filepath.Clean(r.URL.Path))

		if _, err := os.Stat(path); err == nil {
			w.Header().Set("Cache-Control", "public, max-age=2592000")
			http.ServeFile(w, r, path)
			return
		}

		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.Write([]byte(leafSVG))
	})
}
