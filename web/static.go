// Package web embeds the static single-page UI bundle served at "/".
package web

import "embed"

//go:embed dist
var StaticFiles embed.FS
