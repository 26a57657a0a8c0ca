// Package web embeds the browser chat client.
package web

import (
	"embed"
	"io/fs"
)

//go:embed index.html
var files embed.FS

// FS returns the client assets, rooted so that index.html is served at "/".
func FS() fs.FS {
	return files
}
