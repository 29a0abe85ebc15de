package archive

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"

	"sitemigrate/internal/dump"
	"sitemigrate/internal/errs"
	"sitemigrate/internal/sitefs"
)

// maxInMemoryRecord bounds records that are read whole (everything but files)
const maxInMemoryRecord = 1 << 30

// Entry is one decoded record. Only the fields matching Kind are set. A
// file's Body must be consumed or abandoned before the next call to Next.
type Entry struct {
	Kind     Kind
	Offset   int64
	Manifest *Manifest
	Origin   *dump.Origin
	Table    string
	Category sitefs.Category
	Path     string
	Size     int64
	Body     io.Reader
	Trailer  *Trailer

	tableBody []byte
}

// Reader streams records from a container
type Reader struct {
	r       io.Reader
	seeker  io.Seeker
	offset  int64
	pending int64 // unread bytes of the previous record
	dec     *zstd.Decoder
}

// NewReader checks the magic and positions at the first record. Table
// records carry only their name until passed to DecodeTable.
func NewReader(r io.Reader) (*Reader, error) {
	var got [len(magic)]byte
	if _, err := io.ReadFull(r, got[:]); err != nil {
		return nil, errs.Corrupt("missing container header: %v", err)
	}
	if got != magic {
		return nil, errs.Corrupt("not a site archive")
	}
	return newRecordReader(r, int64(len(magic)))
}

func newRecordReader(r io.Reader, offset int64) (*Reader, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create table decoder: %w", err)
	}
	rd := &Reader{r: r, offset: offset, dec: dec}
	if s, ok := r.(io.Seeker); ok {
		rd.seeker = s
	}
	return rd, nil
}

// Close releases the decoder
func (r *Reader) Close() {
	r.dec.Close()
}

// Next returns the next record, or io.EOF at a clean end of stream
func (r *Reader) Next() (*Entry, error) {
	if err := r.skipPending(); err != nil {
		return nil, err
	}

	start := r.offset
	var hdr [recordHeaderSize]byte
	n, err := io.ReadFull(r.r, hdr[:])
	r.offset += int64(n)
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, errs.Corrupt("truncated record header at %d", start)
	}
	kind := Kind(hdr[0])
	length := binary.BigEndian.Uint64(hdr[1:])
	if length > math.MaxInt64 {
		return nil, errs.Corrupt("record length overflow at %d", start)
	}

	e := &Entry{Kind: kind, Offset: start}
	switch kind {
	case KindManifest, KindDatabase, KindEnd, KindSection:
		body, err := r.readSmall(int64(length), start)
		if err != nil {
			return nil, err
		}
		if err := decodeMeta(e, body); err != nil {
			return nil, err
		}
	case KindTable:
		body, err := r.readSmall(int64(length), start)
		if err != nil {
			return nil, err
		}
		name, rest, err := readString16(body)
		if err != nil {
			return nil, errs.Corrupt("table record at %d: %v", start, err)
		}
		e.Table = name
		e.tableBody = rest
	case KindFile:
		if err := r.readFileHeader(e, int64(length)); err != nil {
			return nil, err
		}
	default:
		return nil, errs.Corrupt("unknown record kind %q at %d", byte(kind), start)
	}
	return e, nil
}

// DecodeTable decompresses a table record returned by Next
func (r *Reader) DecodeTable(e *Entry) (*dump.TableDump, error) {
	if e.Kind != KindTable {
		return nil, fmt.Errorf("record at %d is a %s, not a table", e.Offset, e.Kind)
	}
	raw, err := r.dec.DecodeAll(e.tableBody, nil)
	if err != nil {
		return nil, errs.Corrupt("table %s: %v", e.Table, err)
	}
	td, err := decodeTable(raw)
	if err != nil {
		return nil, errs.Corrupt("table %s: %v", e.Table, err)
	}
	if td.Name != e.Table {
		return nil, errs.Corrupt("table record %s holds %s", e.Table, td.Name)
	}
	return td, nil
}

func decodeMeta(e *Entry, body []byte) error {
	var err error
	switch e.Kind {
	case KindManifest:
		e.Manifest = &Manifest{}
		err = json.Unmarshal(body, e.Manifest)
	case KindDatabase:
		e.Origin = &dump.Origin{}
		err = json.Unmarshal(body, e.Origin)
	case KindEnd:
		e.Trailer = &Trailer{}
		err = json.Unmarshal(body, e.Trailer)
	case KindSection:
		e.Category = sitefs.Category(body)
	}
	if err != nil {
		return errs.Corrupt("%s record at %d: %v", e.Kind, e.Offset, err)
	}
	return nil
}

func (r *Reader) readSmall(length, start int64) ([]byte, error) {
	if length > maxInMemoryRecord {
		return nil, errs.Corrupt("record at %d too large (%d bytes)", start, length)
	}
	buf := make([]byte, length)
	n, err := io.ReadFull(r.r, buf)
	r.offset += int64(n)
	if err != nil {
		return nil, errs.Corrupt("truncated record at %d", start)
	}
	return buf, nil
}

func (r *Reader) readFileHeader(e *Entry, length int64) error {
	var lenBuf [2]byte
	readPart := func() (string, error) {
		if _, err := io.ReadFull(r.r, lenBuf[:]); err != nil {
			return "", err
		}
		r.offset += 2
		buf := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
		if _, err := io.ReadFull(r.r, buf); err != nil {
			return "", err
		}
		r.offset += int64(len(buf))
		return string(buf), nil
	}

	category, err := readPart()
	if err != nil {
		return errs.Corrupt("truncated file record at %d", e.Offset)
	}
	relPath, err := readPart()
	if err != nil {
		return errs.Corrupt("truncated file record at %d", e.Offset)
	}
	size := length - int64(4+len(category)+len(relPath))
	if size < 0 {
		return errs.Corrupt("file record at %d has negative size", e.Offset)
	}

	e.Category = sitefs.Category(category)
	e.Path = relPath
	e.Size = size
	r.pending = size
	e.Body = &bodyReader{r: r}
	return nil
}

func (r *Reader) skipPending() error {
	if r.pending == 0 {
		return nil
	}
	if r.seeker != nil {
		if _, err := r.seeker.Seek(r.pending, io.SeekCurrent); err != nil {
			return fmt.Errorf("failed to skip file body: %w", err)
		}
		r.offset += r.pending
		r.pending = 0
		return nil
	}
	n, err := io.CopyN(io.Discard, r.r, r.pending)
	r.offset += n
	r.pending -= n
	if err != nil {
		return errs.Corrupt("truncated file body at %d", r.offset)
	}
	return nil
}

// bodyReader reads the current file body and tracks what remains to skip
type bodyReader struct {
	r *Reader
}

func (b *bodyReader) Read(p []byte) (int, error) {
	if b.r.pending == 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > b.r.pending {
		p = p[:b.r.pending]
	}
	n, err := b.r.r.Read(p)
	b.r.offset += int64(n)
	b.r.pending -= int64(n)
	if err == io.EOF && b.r.pending > 0 {
		return n, errs.Corrupt("truncated file body")
	}
	if err == io.EOF {
		err = nil
	}
	return n, err
}

func readString16(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, errors.New("short length prefix")
	}
	n := int(binary.BigEndian.Uint16(b))
	if len(b) < 2+n {
		return "", nil, errors.New("short string")
	}
	return string(b[2 : 2+n]), b[2+n:], nil
}

// ReadRecordAt decodes the single record starting at offset
func ReadRecordAt(ra io.ReaderAt, offset int64) (*Reader, *Entry, error) {
	sr := io.NewSectionReader(ra, offset, math.MaxInt64-offset)
	rd, err := newRecordReader(sr, offset)
	if err != nil {
		return nil, nil, err
	}
	e, err := rd.Next()
	if err == io.EOF {
		rd.Close()
		return nil, nil, errs.Corrupt("no record at %d", offset)
	}
	if err != nil {
		rd.Close()
		return nil, nil, err
	}
	return rd, e, nil
}

// ReadTableAt decodes the table record at offset
func ReadTableAt(ra io.ReaderAt, offset int64) (*dump.TableDump, error) {
	rd, e, err := ReadRecordAt(ra, offset)
	if err != nil {
		return nil, err
	}
	defer rd.Close()
	return rd.DecodeTable(e)
}
