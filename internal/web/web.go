// Package web embeds the page templates and static assets served by the
// HTTP server.
package web

import "embed"

//go:embed templates/*.html
var Templates embed.FS

//go:embed assets/*
var Assets embed.FS
