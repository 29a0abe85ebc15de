package archive

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitemigrate/internal/dump"
	"sitemigrate/internal/errs"
	"sitemigrate/internal/sitedb"
	"sitemigrate/internal/sitefs"
)

const optionsDDL = "CREATE TABLE `wp_options` (\n  `option_id` bigint unsigned NOT NULL AUTO_INCREMENT,\n  `option_name` varchar(191) NOT NULL,\n  `option_value` longtext,\n  PRIMARY KEY (`option_id`)\n) ENGINE=InnoDB"

func sampleDump() *dump.DatabaseDump {
	d := dump.NewDatabaseDump(dump.Origin{
		SiteURL:     "http://old.test",
		HomeURL:     "http://old.test",
		TablePrefix: "wp_",
		Paths:       dump.PathRoots{Root: "/var/www", Content: "/var/www/wp-content", Uploads: "/var/www/wp-content/uploads"},
	})
	d.Add(&dump.TableDump{
		Name:      "wp_options",
		SchemaDDL: optionsDDL,
		Columns:   []string{"option_id", "option_name", "option_value"},
		Rows: []sitedb.Row{
			{"option_id": sitedb.Str("1"), "option_name": sitedb.Str("siteurl"), "option_value": sitedb.Str("http://old.test")},
			{"option_id": sitedb.Str("2"), "option_name": sitedb.Str("blogdescription"), "option_value": nil},
		},
	})
	d.Add(&dump.TableDump{Name: "wp_links", SchemaDDL: "CREATE TABLE `wp_links` (`link_id` int)", Columns: []string{"link_id"}})
	return d
}

func sampleFiles(t *testing.T) (sitefs.FileSystem, []FileSet) {
	t.Helper()
	uploads := t.TempDir()
	themes := t.TempDir()
	fs := sitefs.NewLocal(uploads, "", themes)
	require.NoError(t, fs.WriteFile(filepath.Join(uploads, "2024", "01", "cat.jpg"), []byte("\x89JPEG-bytes")))
	require.NoError(t, fs.WriteFile(filepath.Join(uploads, "empty.txt"), nil))
	require.NoError(t, fs.WriteFile(filepath.Join(themes, "twenty", "style.css"), []byte("body{}")))
	return fs, []FileSet{
		{Category: sitefs.CategoryMedia, Root: uploads, Paths: []string{"2024/01/cat.jpg", "empty.txt"}},
		{Category: sitefs.CategoryThemes, Root: themes, Paths: []string{"twenty/style.css"}},
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	fs, sets := sampleFiles(t)
	d := sampleDump()

	var buf bytes.Buffer
	m := NewManifest("http://old.test", "http://old.test", Flags{}, time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, Pack(&buf, m, d, sets, fs))

	gotManifest, gotDump, files, err := Unpack(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	assert.Equal(t, FormatVersion, gotManifest.FormatVersion)
	assert.Equal(t, Flags{Database: true, Media: true, Themes: true}, gotManifest.Flags)
	assert.Equal(t, d.Origin, gotDump.Origin)
	assert.Equal(t, d.Order, gotDump.Order)

	opts := gotDump.Tables["wp_options"]
	require.NotNil(t, opts)
	assert.Equal(t, optionsDDL, opts.SchemaDDL)
	assert.Equal(t, d.Tables["wp_options"].Rows, opts.Rows)

	require.Len(t, files, 3)
	assert.Equal(t, File{Category: sitefs.CategoryMedia, Path: "2024/01/cat.jpg", Data: []byte("\x89JPEG-bytes")}, files[0])
	assert.Equal(t, "empty.txt", files[1].Path)
	assert.Empty(t, files[1].Data)
	assert.Equal(t, []byte("body{}"), files[2].Data)
}

func TestTableRecordKeepsBinaryValues(t *testing.T) {
	raw := "\xff\xfe\x00bin\x89"
	d := dump.NewDatabaseDump(dump.Origin{TablePrefix: "wp_"})
	d.Add(&dump.TableDump{
		Name:    "wp_blobs",
		Columns: []string{"id", "data", "note"},
		Rows: []sitedb.Row{
			{"id": sitedb.Str("1"), "data": sitedb.Str(raw), "note": sitedb.Str("héllo")},
			{"id": sitedb.Str("2"), "data": nil, "note": sitedb.Str("plain")},
		},
	})

	var buf bytes.Buffer
	require.NoError(t, Pack(&buf, NewManifest("", "", Flags{}, time.Now()), d, nil, nil))
	// encoding leaves the caller's rows untouched
	assert.Equal(t, raw, *d.Tables["wp_blobs"].Rows[0]["data"])

	_, got, _, err := Unpack(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	rows := got.Tables["wp_blobs"].Rows
	require.Len(t, rows, 2)
	assert.Equal(t, []byte(raw), []byte(*rows[0]["data"]))
	assert.Equal(t, "héllo", *rows[0]["note"])
	assert.Nil(t, rows[1]["data"])
	assert.Equal(t, "plain", *rows[1]["note"])
}

func TestPackRejectsDuplicateCategory(t *testing.T) {
	fs, sets := sampleFiles(t)
	sets = append(sets, FileSet{Category: sitefs.CategoryMedia, Root: sets[0].Root, Paths: []string{"empty.txt"}})

	var buf bytes.Buffer
	err := Pack(&buf, NewManifest("", "", Flags{}, time.Now()), nil, sets, fs)
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.Zero(t, buf.Len())
}

func TestPackWithoutDatabase(t *testing.T) {
	fs, sets := sampleFiles(t)
	var buf bytes.Buffer
	require.NoError(t, Pack(&buf, NewManifest("", "", Flags{}, time.Now()), nil, sets[:1], fs))

	m, d, files, err := Unpack(&buf)
	require.NoError(t, err)
	assert.False(t, m.Flags.Database)
	assert.Nil(t, d)
	assert.Len(t, files, 2)
}

func TestScanRecordsOffsets(t *testing.T) {
	fs, sets := sampleFiles(t)
	path := filepath.Join(t.TempDir(), "site.smig")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, Pack(f, NewManifest("http://old.test", "", Flags{}, time.Now()), sampleDump(), sets, fs))
	require.NoError(t, f.Close())

	idx, err := ScanFile(path)
	require.NoError(t, err)
	assert.Equal(t, "wp_", idx.Origin.TablePrefix)
	require.Len(t, idx.Tables, 2)
	require.Len(t, idx.Files, 3)
	assert.Equal(t, 2, idx.Trailer.Tables)

	f, err = os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	td, err := ReadTableAt(f, idx.Tables[0].Offset)
	require.NoError(t, err)
	assert.Equal(t, "wp_options", td.Name)
	assert.Len(t, td.Rows, 2)

	rd, e, err := ReadRecordAt(f, idx.Files[2].Offset)
	require.NoError(t, err)
	defer rd.Close()
	data, err := io.ReadAll(e.Body)
	require.NoError(t, err)
	assert.Equal(t, "twenty/style.css", e.Path)
	assert.Equal(t, "body{}", string(data))
}

func TestWriterResumesAtCommittedOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "site.smig")
	d := sampleDump()

	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteManifest(NewManifest("", "", Flags{Database: true}, time.Now())))
	require.NoError(t, w.BeginDatabase(d.Origin))
	require.NoError(t, w.WriteTable(d.Tables["wp_options"]))
	committed := w.Offset()
	// a partial unit that never got persisted
	require.NoError(t, w.WriteTable(d.Tables["wp_links"]))
	require.NoError(t, w.Close())

	w, err = OpenAt(path, committed)
	require.NoError(t, err)
	require.NoError(t, w.WriteTable(d.Tables["wp_links"]))
	require.NoError(t, w.Finish(Trailer{Tables: 2}))
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	_, got, _, err := Unpack(f)
	require.NoError(t, err)
	assert.Equal(t, []string{"wp_options", "wp_links"}, got.Order)
}

func writeRaw(t *testing.T, build func(w *Writer)) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)
	build(w)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestUnpackRejectsMissingAnnouncedSection(t *testing.T) {
	data := writeRaw(t, func(w *Writer) {
		require.NoError(t, w.WriteManifest(NewManifest("", "", Flags{Database: true, Media: true}, time.Now())))
		require.NoError(t, w.BeginDatabase(dump.Origin{}))
		require.NoError(t, w.Finish(Trailer{}))
	})
	_, _, _, err := Unpack(bytes.NewReader(data))
	assert.ErrorIs(t, err, errs.ErrArchiveCorrupt)
	assert.Contains(t, err.Error(), "media")
}

func TestUnpackRejectsUnannouncedSection(t *testing.T) {
	data := writeRaw(t, func(w *Writer) {
		require.NoError(t, w.WriteManifest(NewManifest("", "", Flags{}, time.Now())))
		require.NoError(t, w.BeginSection(sitefs.CategoryPlugins))
		require.NoError(t, w.Finish(Trailer{}))
	})
	_, _, _, err := Unpack(bytes.NewReader(data))
	assert.ErrorIs(t, err, errs.ErrArchiveCorrupt)
}

func TestUnpackRejectsUnsupportedVersion(t *testing.T) {
	data := writeRaw(t, func(w *Writer) {
		m := NewManifest("", "", Flags{}, time.Now())
		m.FormatVersion = 99
		require.NoError(t, w.WriteManifest(m))
		require.NoError(t, w.Finish(Trailer{}))
	})
	_, _, _, err := Unpack(bytes.NewReader(data))
	assert.ErrorIs(t, err, errs.ErrArchiveCorrupt)
	assert.Contains(t, err.Error(), "version")
}

func TestUnpackRejectsTruncation(t *testing.T) {
	fs, sets := sampleFiles(t)
	var buf bytes.Buffer
	require.NoError(t, Pack(&buf, NewManifest("", "", Flags{}, time.Now()), sampleDump(), sets, fs))

	full := buf.Bytes()
	for _, cut := range []int{len(full) - 1, len(full) - 20, len(full) / 2, 3} {
		_, _, _, err := Unpack(bytes.NewReader(full[:cut]))
		assert.ErrorIs(t, err, errs.ErrArchiveCorrupt, "cut at %d", cut)
		assert.True(t, IsCorrupt(err), "cut at %d", cut)
	}
	assert.False(t, IsCorrupt(errs.ErrValidation))
}

func TestUnpackRejectsTrailerMismatch(t *testing.T) {
	data := writeRaw(t, func(w *Writer) {
		require.NoError(t, w.WriteManifest(NewManifest("", "", Flags{Database: true}, time.Now())))
		require.NoError(t, w.BeginDatabase(dump.Origin{}))
		require.NoError(t, w.WriteTable(&dump.TableDump{Name: "wp_a"}))
		require.NoError(t, w.Finish(Trailer{Tables: 2}))
	})
	_, _, _, err := Unpack(bytes.NewReader(data))
	assert.ErrorIs(t, err, errs.ErrArchiveCorrupt)
}

func TestUnpackRejectsForeignFile(t *testing.T) {
	_, _, _, err := Unpack(bytes.NewReader([]byte("PK\x03\x04 not ours")))
	assert.ErrorIs(t, err, errs.ErrArchiveCorrupt)
}
