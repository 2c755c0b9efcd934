package main

import (
	"embed"
	"html/template"
	"io/fs"
	"net/http"
)

//go:embed templates/*.html static/*.css
var embeddedFiles embed.FS

// parsePage parses the single page template shared by every state of the UI.
func parsePage() (*template.Template, error) {
	return template.ParseFS(embeddedFiles, "templates/index.html")
}

// staticHandler serves the stylesheet under /static/.
func staticHandler() (http.Handler, error) {
	static, err := fs.Sub(embeddedFiles, "static")
	if err != nil {
		return nil, err
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(static))), nil
}
