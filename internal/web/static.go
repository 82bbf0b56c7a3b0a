package web

import (
	"embed"
)

// staticFiles holds the operator page and its assets.
//
//go:embed static/*
var staticFiles embed.FS
