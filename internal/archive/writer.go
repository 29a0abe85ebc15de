package archive

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"sitemigrate/internal/dump"
	"sitemigrate/internal/sitefs"
)

// Writer appends records to a container. It may be reopened at a committed
// offset to continue a container across invocations.
type Writer struct {
	w      io.Writer
	file   *os.File
	offset int64
	enc    *zstd.Encoder
}

// NewWriter starts a fresh container on w
func NewWriter(w io.Writer) (*Writer, error) {
	aw := &Writer{w: w}
	if err := aw.init(); err != nil {
		return nil, err
	}
	if err := aw.write(magic[:]); err != nil {
		return nil, err
	}
	return aw, nil
}

// Create truncates path and starts a fresh container
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}
	aw, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	aw.file = f
	return aw, nil
}

// OpenAt reopens an existing container, discarding anything written after
// offset (an uncommitted partial unit) before appending.
func OpenAt(path string, offset int64) (*Writer, error) {
	if offset < int64(len(magic)) {
		return Create(path)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	if err := f.Truncate(offset); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to truncate archive: %w", err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to seek archive: %w", err)
	}
	aw := &Writer{w: f, file: f, offset: offset}
	if err := aw.init(); err != nil {
		f.Close()
		return nil, err
	}
	return aw, nil
}

func (w *Writer) init() error {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("failed to create table encoder: %w", err)
	}
	w.enc = enc
	return nil
}

// Offset is the number of bytes in the container so far
func (w *Writer) Offset() int64 {
	return w.offset
}

// WriteManifest writes the manifest record
func (w *Writer) WriteManifest(m Manifest) error {
	return w.writeJSON(KindManifest, m)
}

// BeginDatabase opens the database section with the dump's origin
func (w *Writer) BeginDatabase(origin dump.Origin) error {
	return w.writeJSON(KindDatabase, origin)
}

// WriteTable writes one table record
func (w *Writer) WriteTable(td *dump.TableDump) error {
	body, err := encodeTable(td)
	if err != nil {
		return fmt.Errorf("failed to encode table %s: %w", td.Name, err)
	}
	compressed := w.enc.EncodeAll(body, nil)

	payload := make([]byte, 0, 2+len(td.Name)+len(compressed))
	payload = appendString16(payload, td.Name)
	payload = append(payload, compressed...)
	return w.writeRecord(KindTable, payload)
}

// BeginSection opens a file section
func (w *Writer) BeginSection(category sitefs.Category) error {
	return w.writeRecord(KindSection, []byte(category))
}

// WriteFile streams one file entry of exactly size bytes from r
func (w *Writer) WriteFile(category sitefs.Category, relPath string, size int64, r io.Reader) error {
	if len(relPath) > 0xffff {
		return fmt.Errorf("path too long: %d bytes", len(relPath))
	}
	head := make([]byte, 0, 4+len(category)+len(relPath))
	head = appendString16(head, string(category))
	head = appendString16(head, relPath)

	if err := w.writeHeader(KindFile, uint64(len(head))+uint64(size)); err != nil {
		return err
	}
	if err := w.write(head); err != nil {
		return err
	}
	n, err := io.CopyN(w.w, r, size)
	w.offset += n
	if err != nil {
		return fmt.Errorf("failed to copy %s: %w", relPath, err)
	}
	return nil
}

// Finish writes the end record
func (w *Writer) Finish(t Trailer) error {
	return w.writeJSON(KindEnd, t)
}

// Sync flushes the file to disk when the writer owns one
func (w *Writer) Sync() error {
	if w.file != nil {
		return w.file.Sync()
	}
	return nil
}

// Close releases the encoder and the file
func (w *Writer) Close() error {
	if w.enc != nil {
		w.enc.Close()
	}
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

func (w *Writer) writeJSON(kind Kind, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s record: %w", kind, err)
	}
	return w.writeRecord(kind, body)
}

func (w *Writer) writeRecord(kind Kind, payload []byte) error {
	if err := w.writeHeader(kind, uint64(len(payload))); err != nil {
		return err
	}
	return w.write(payload)
}

func (w *Writer) writeHeader(kind Kind, length uint64) error {
	var hdr [recordHeaderSize]byte
	hdr[0] = byte(kind)
	binary.BigEndian.PutUint64(hdr[1:], length)
	return w.write(hdr[:])
}

func (w *Writer) write(p []byte) error {
	n, err := w.w.Write(p)
	w.offset += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	return nil
}

func appendString16(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}
