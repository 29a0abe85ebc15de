package archive

import (
	"time"

	"sitemigrate/internal/sitefs"
)

// FormatVersion is the container version this build writes and reads
const FormatVersion = 1

// LayoutSequential declares that sections follow the manifest in a stable
// order and are extracted by streaming, without an offset index.
const LayoutSequential = "sequential"

// magic opens every container
var magic = [8]byte{'S', 'I', 'T', 'E', 'M', 'I', 'G', 0}

// Kind tags a record. A record is kind (1 byte), payload length (uint64
// big-endian) and payload.
type Kind byte

const (
	KindManifest Kind = 'M'
	KindDatabase Kind = 'D' // payload: JSON dump.Origin
	KindTable    Kind = 'T' // payload: uint16 name length, name, zstd(JSON dump.TableDump)
	KindSection  Kind = 'S' // payload: category name
	KindFile     Kind = 'F' // payload: uint16 category length, category, uint16 path length, path, raw bytes
	KindEnd      Kind = 'E' // payload: JSON Trailer
)

func (k Kind) String() string {
	switch k {
	case KindManifest:
		return "manifest"
	case KindDatabase:
		return "database"
	case KindTable:
		return "table"
	case KindSection:
		return "section"
	case KindFile:
		return "file"
	case KindEnd:
		return "end"
	}
	return "unknown"
}

const recordHeaderSize = 1 + 8

// Flags announce which sections the container carries
type Flags struct {
	Database bool `json:"database"`
	Media    bool `json:"media"`
	Plugins  bool `json:"plugins"`
	Themes   bool `json:"themes"`
}

// Has reports whether category is announced
func (f Flags) Has(category sitefs.Category) bool {
	switch category {
	case sitefs.CategoryMedia:
		return f.Media
	case sitefs.CategoryPlugins:
		return f.Plugins
	case sitefs.CategoryThemes:
		return f.Themes
	}
	return false
}

// Manifest is the first record of a container
type Manifest struct {
	FormatVersion int       `json:"format_version"`
	CreatedAt     time.Time `json:"created_at"`
	SiteURL       string    `json:"site_url"`
	HomeURL       string    `json:"home_url"`
	Flags         Flags     `json:"flags"`
	Layout        string    `json:"layout"`
}

// NewManifest stamps a manifest for the current format
func NewManifest(siteURL, homeURL string, flags Flags, now time.Time) Manifest {
	return Manifest{
		FormatVersion: FormatVersion,
		CreatedAt:     now.UTC(),
		SiteURL:       siteURL,
		HomeURL:       homeURL,
		Flags:         flags,
		Layout:        LayoutSequential,
	}
}

// Trailer closes a container with the record counts it holds
type Trailer struct {
	Tables int                     `json:"tables"`
	Files  map[sitefs.Category]int `json:"files"`
}
