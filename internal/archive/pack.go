package archive

import (
	"errors"
	"fmt"
	"io"
	"os"

	"sitemigrate/internal/dump"
	"sitemigrate/internal/errs"
	"sitemigrate/internal/sitefs"
)

// FileSet is a category's files as paths relative to Root
type FileSet struct {
	Category sitefs.Category
	Root     string
	Paths    []string
}

// File is an unpacked file entry
type File struct {
	Category sitefs.Category
	Path     string
	Data     []byte
}

// TableRef locates a table record
type TableRef struct {
	Name   string `json:"name"`
	Offset int64  `json:"offset"`
}

// FileRef locates a file record
type FileRef struct {
	Category sitefs.Category `json:"category"`
	Path     string          `json:"path"`
	Size     int64           `json:"size"`
	Offset   int64           `json:"offset"`
}

// Index is what a scan learns about a container without decoding it
type Index struct {
	Manifest Manifest
	Origin   dump.Origin
	Tables   []TableRef
	Files    []FileRef
	Trailer  Trailer
}

// Pack writes a complete container: manifest, database section, then one
// section per file set. Flags are derived from what is passed in. Files are
// streamed from fsys.
func Pack(w io.Writer, m Manifest, d *dump.DatabaseDump, sets []FileSet, fsys sitefs.FileSystem) error {
	m.Flags = Flags{Database: d != nil}
	seen := map[sitefs.Category]bool{}
	for _, set := range sets {
		if seen[set.Category] {
			return fmt.Errorf("%w: file category %q given more than once", errs.ErrValidation, set.Category)
		}
		seen[set.Category] = true
		switch set.Category {
		case sitefs.CategoryMedia:
			m.Flags.Media = true
		case sitefs.CategoryPlugins:
			m.Flags.Plugins = true
		case sitefs.CategoryThemes:
			m.Flags.Themes = true
		default:
			return fmt.Errorf("unknown file category %q", set.Category)
		}
	}

	aw, err := NewWriter(w)
	if err != nil {
		return err
	}
	defer aw.Close()

	if err := aw.WriteManifest(m); err != nil {
		return err
	}
	trailer := Trailer{Files: map[sitefs.Category]int{}}
	if d != nil {
		if err := aw.BeginDatabase(d.Origin); err != nil {
			return err
		}
		for _, td := range d.Ordered() {
			if err := aw.WriteTable(td); err != nil {
				return err
			}
			trailer.Tables++
		}
	}
	for _, category := range sitefs.Categories {
		for _, set := range sets {
			if set.Category != category {
				continue
			}
			if err := aw.BeginSection(category); err != nil {
				return err
			}
			for _, rel := range set.Paths {
				if err := packFile(aw, fsys, set, rel); err != nil {
					return err
				}
				trailer.Files[category]++
			}
		}
	}
	return aw.Finish(trailer)
}

func packFile(aw *Writer, fsys sitefs.FileSystem, set FileSet, rel string) error {
	p, err := sitefs.SafeJoin(set.Root, rel)
	if err != nil {
		return err
	}
	rc, size, err := fsys.Open(p)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", p, err)
	}
	defer rc.Close()
	return aw.WriteFile(set.Category, rel, size, rc)
}

// Unpack reads a whole container into memory, validating its structure
func Unpack(r io.Reader) (*Manifest, *dump.DatabaseDump, []File, error) {
	rd, err := NewReader(r)
	if err != nil {
		return nil, nil, nil, err
	}
	defer rd.Close()

	v := newValidator()
	var (
		d     *dump.DatabaseDump
		files []File
	)
	for {
		e, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, nil, err
		}
		if err := v.accept(e); err != nil {
			return nil, nil, nil, err
		}

		switch e.Kind {
		case KindDatabase:
			d = dump.NewDatabaseDump(*e.Origin)
		case KindTable:
			td, err := rd.DecodeTable(e)
			if err != nil {
				return nil, nil, nil, err
			}
			d.Add(td)
		case KindFile:
			data, err := io.ReadAll(e.Body)
			if err != nil {
				return nil, nil, nil, err
			}
			files = append(files, File{Category: e.Category, Path: e.Path, Data: data})
		}
	}
	if err := v.finish(); err != nil {
		return nil, nil, nil, err
	}
	return v.manifest, d, files, nil
}

// Scan validates a container and records where each table and file lives
func Scan(r io.Reader) (*Index, error) {
	rd, err := NewReader(r)
	if err != nil {
		return nil, err
	}
	defer rd.Close()

	v := newValidator()
	idx := &Index{}
	for {
		e, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if err := v.accept(e); err != nil {
			return nil, err
		}

		switch e.Kind {
		case KindDatabase:
			idx.Origin = *e.Origin
		case KindTable:
			idx.Tables = append(idx.Tables, TableRef{Name: e.Table, Offset: e.Offset})
		case KindFile:
			idx.Files = append(idx.Files, FileRef{Category: e.Category, Path: e.Path, Size: e.Size, Offset: e.Offset})
		}
	}
	if err := v.finish(); err != nil {
		return nil, err
	}
	idx.Manifest = *v.manifest
	idx.Trailer = *v.trailer
	return idx, nil
}

// ScanFile scans the container at path
func ScanFile(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()
	return Scan(f)
}

// validator enforces record order and that the manifest matches the content
type validator struct {
	manifest *Manifest
	database bool
	sections map[sitefs.Category]bool
	current  sitefs.Category
	order    int
	tables   map[string]bool
	files    map[sitefs.Category]int
	trailer  *Trailer
}

func newValidator() *validator {
	return &validator{
		sections: map[sitefs.Category]bool{},
		tables:   map[string]bool{},
		files:    map[sitefs.Category]int{},
		order:    -1,
	}
}

func (v *validator) accept(e *Entry) error {
	if v.trailer != nil {
		return errs.Corrupt("%s record after end of archive", e.Kind)
	}
	if v.manifest == nil {
		if e.Kind != KindManifest {
			return errs.Corrupt("archive does not start with a manifest")
		}
		if e.Manifest.FormatVersion != FormatVersion {
			return errs.Corrupt("unsupported format version %d", e.Manifest.FormatVersion)
		}
		if e.Manifest.Layout != "" && e.Manifest.Layout != LayoutSequential {
			return errs.Corrupt("unsupported layout %q", e.Manifest.Layout)
		}
		v.manifest = e.Manifest
		return nil
	}

	switch e.Kind {
	case KindManifest:
		return errs.Corrupt("duplicate manifest")
	case KindDatabase:
		if !v.manifest.Flags.Database {
			return errs.Corrupt("database section not announced by manifest")
		}
		if v.database || v.order >= 0 {
			return errs.Corrupt("database section out of place")
		}
		v.database = true
	case KindTable:
		if !v.database || v.order >= 0 {
			return errs.Corrupt("table %s outside the database section", e.Table)
		}
		if v.tables[e.Table] {
			return errs.Corrupt("duplicate table %s", e.Table)
		}
		v.tables[e.Table] = true
	case KindSection:
		pos := categoryIndex(e.Category)
		if pos < 0 {
			return errs.Corrupt("unknown section %q", e.Category)
		}
		if !v.manifest.Flags.Has(e.Category) {
			return errs.Corrupt("%s section not announced by manifest", e.Category)
		}
		if pos <= v.order {
			return errs.Corrupt("%s section out of order", e.Category)
		}
		v.order = pos
		v.current = e.Category
		v.sections[e.Category] = true
	case KindFile:
		if v.current == "" || e.Category != v.current {
			return errs.Corrupt("file %s outside its %s section", e.Path, e.Category)
		}
		if _, err := sitefs.SafeJoin("/", e.Path); err != nil {
			return errs.Corrupt("file entry: %v", err)
		}
		v.files[e.Category]++
	case KindEnd:
		v.trailer = e.Trailer
	}
	return nil
}

func (v *validator) finish() error {
	if v.manifest == nil {
		return errs.Corrupt("empty archive")
	}
	if v.trailer == nil {
		return errs.Corrupt("archive is truncated: no end record")
	}
	if v.manifest.Flags.Database && !v.database {
		return errs.Corrupt("manifest announces a database section that is absent")
	}
	for _, c := range sitefs.Categories {
		if v.manifest.Flags.Has(c) && !v.sections[c] {
			return errs.Corrupt("manifest announces a %s section that is absent", c)
		}
	}
	if v.trailer.Tables != len(v.tables) {
		return errs.Corrupt("end record counts %d tables, found %d", v.trailer.Tables, len(v.tables))
	}
	for _, c := range sitefs.Categories {
		if v.trailer.Files[c] != v.files[c] {
			return errs.Corrupt("end record counts %d %s files, found %d", v.trailer.Files[c], c, v.files[c])
		}
	}
	return nil
}

func categoryIndex(c sitefs.Category) int {
	for i, known := range sitefs.Categories {
		if known == c {
			return i
		}
	}
	return -1
}

// IsCorrupt reports whether err is an archive integrity failure
func IsCorrupt(err error) bool {
	return errors.Is(err, errs.ErrArchiveCorrupt)
}
