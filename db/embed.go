package db

import (
	"embed"
	"io/fs"
)

//go:embed migrations
var content embed.FS

func MigrationsFS() fs.FS {
	return content
}
