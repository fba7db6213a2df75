// Package pipecheck provides embedded runtime resources (suite schema, report
// and starter templates) and an overlay filesystem that checks local disk
// first, falling back to embedded.
package pipecheck

import (
	"embed"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

//go:embed schema/suite.schema.json
var rawSchemas embed.FS

//go:embed templates/*.tmpl
var rawTemplates embed.FS

// Schemas is the embedded schema filesystem with the "schema/" prefix stripped.
var Schemas = mustSub(rawSchemas, "schema")

// Templates is the embedded templates filesystem with the "templates/" prefix stripped.
var Templates = mustSub(rawTemplates, "templates")

// SuiteSchemaName is the file name of the suite schema within Schemas.
const SuiteSchemaName = "suite.schema.json"

func mustSub(fsys fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return sub
}

// OverlayFS returns a filesystem that checks localDir on disk first,
// falling back to the embedded filesystem for files not found locally.
// An empty localDir disables the local layer.
func OverlayFS(localDir string, embedded fs.FS) fs.FS {
	return overlayFS{localDir: localDir, embedded: embedded}
}

type overlayFS struct {
	localDir string
	embedded fs.FS
}

func (o overlayFS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) || strings.Contains(name, `\`) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	if o.localDir != "" {
		f, err := os.Open(filepath.Join(o.localDir, filepath.FromSlash(name)))
		if err == nil {
			return f, nil
		}
	}
	return o.embedded.Open(name)
}
