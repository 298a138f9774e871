package policy

import (
	"archive/zip"
	"bytes"
	"fmt"
	"log"
	"strings"
)

const listFileExt = ".rules"

// FlattenListPath derives the on-disk name of a logical list path: leading
// separators trimmed, remaining separators mapped to dots.
func FlattenListPath(p string) string {
	p = strings.TrimLeft(strings.TrimSpace(p), `/\`)
	return strings.Map(
		func(r rune) rune {
			if r == '/' || r == '\\' {
				return '.'
			}
			return r
		},
		p,
	)
}

func listFileName(p string) string {
	return FlattenListPath(p) + listFileExt
}

// bundleEntry is one list extracted from a downloaded bundle.
type bundleEntry struct {
	Path string // logical path as requested
	File *zip.File
}

// openBundle indexes a zip bundle by the flattened name of each entry and
// keeps only entries matching one of wanted.
func openBundle(data []byte, wanted []string) ([]bundleEntry, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open list bundle, err=%w", err)
	}

	byFlat := make(map[string]string, len(wanted))
	for _, p := range wanted {
		byFlat[FlattenListPath(p)] = p
	}

	var entries []bundleEntry
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		logical, found := byFlat[FlattenListPath(f.Name)]
		if !found {
			log.Printf("list bundle: ignoring unrequested entry %s", f.Name)
			continue
		}
		entries = append(entries, bundleEntry{Path: logical, File: f})
	}

	return entries, nil
}
