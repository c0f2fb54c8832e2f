package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/tamer/internal/codec"
	"codeberg.org/mutker/tamer/internal/errors"
	"codeberg.org/mutker/tamer/internal/logger"
	"codeberg.org/mutker/tamer/internal/schema"
	"github.com/oklog/ulid/v2"
)

// Recording file layout:
//
//	header: "TAMR" | format u8 | session ULID (16 bytes)
//	block:  compression u8 | raw length u32 LE | stored length u32 LE | stored bytes
//
// A decompressed block is a sequence of CBOR records. Schema records carry
// the schema.Marshal body; frame records carry the complete frame.
var fileMagic = [4]byte{'T', 'A', 'M', 'R'}

const (
	fileFormat      = 1
	fileHeaderSize  = 4 + 1 + 16
	blockHeaderSize = 1 + 4 + 4
	maxBlockSize    = 64 << 20
)

type recordKind uint8

const (
	recordSchema recordKind = 1
	recordFrame  recordKind = 2
)

type fileRecord struct {
	Kind    recordKind `cbor:"1,keyasint"`
	Channel string     `cbor:"2,keyasint,omitempty"`
	Data    []byte     `cbor:"3,keyasint"`
}

// File writes schemas and frames to a compressed recording file.
// Records are buffered into blocks that are compressed and written once
// they reach the block size, on Flush and on Close.
type File struct {
	path        string
	compression Compression
	blockSize   int
	session     ulid.ULID
	log         logger.Logger

	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	block  bytes.Buffer
	enc    *codec.Encoder
	closed bool

	records int
	blocks  int
}

// CreateFile creates (or truncates) the recording at path.
func CreateFile(path string, compression Compression, log logger.Logger) (*File, error) {
	errFactory := errors.New()

	if path == "" {
		return nil, errFactory.New(ErrInvalidPath)
	}
	if err := os.MkdirAll(filepath.Dir(path), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  path,
			Error: err.Error(),
		})
	}

	session, err := newSession(time.Now())
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, defaultFilePerm)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "open_file",
			Path:  path,
			Error: err.Error(),
		})
	}

	fs := &File{
		path:        path,
		compression: compression,
		blockSize:   defaultBlockSize,
		session:     session,
		log:         log,
		f:           f,
		w:           bufio.NewWriter(f),
	}
	fs.enc = codec.NewEncoder(&fs.block)

	var header [fileHeaderSize]byte
	copy(header[0:4], fileMagic[:])
	header[4] = fileFormat
	copy(header[5:], session[:])
	if _, err := fs.w.Write(header[:]); err != nil {
		f.Close()
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	log.Info().
		Str("path", path).
		Str("session", session.String()).
		Str("compression", compression.String()).
		Msg("Recording file created")

	return fs, nil
}

func (fs *File) Name() string { return "file:" + fs.path }

// Session returns the identifier written into the file header.
func (fs *File) Session() ulid.ULID { return fs.session }

func (fs *File) OnSchema(_ context.Context, s *schema.Schema) error {
	body, err := schema.Marshal(s)
	if err != nil {
		return err
	}
	return fs.append(fileRecord{Kind: recordSchema, Channel: s.Channel, Data: body})
}

func (fs *File) OnFrame(_ context.Context, f schema.Frame) error {
	return fs.append(fileRecord{Kind: recordFrame, Channel: f.Channel, Data: f.Data})
}

func (fs *File) append(rec fileRecord) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return errors.New().WithMessage(ErrClosed, fs.Name())
	}
	if err := fs.enc.Encode(rec); err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}
	fs.records++

	if fs.block.Len() >= fs.blockSize {
		return fs.writeBlock()
	}
	return nil
}

// writeBlock compresses the pending records and writes them out. Caller
// holds fs.mu.
func (fs *File) writeBlock() error {
	if fs.block.Len() == 0 {
		return nil
	}
	raw := fs.block.Bytes()

	stored, tag, err := compressBlock(raw, fs.compression)
	if err != nil {
		return err
	}

	var header [blockHeaderSize]byte
	header[0] = byte(tag)
	binary.LittleEndian.PutUint32(header[1:5], uint32(len(raw)))
	binary.LittleEndian.PutUint32(header[5:9], uint32(len(stored)))

	if _, err := fs.w.Write(header[:]); err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}
	if _, err := fs.w.Write(stored); err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	fs.log.Debug().
		Str("path", fs.path).
		Int("raw", len(raw)).
		Int("stored", len(stored)).
		Str("compression", tag.String()).
		Msg("Recording block written")

	fs.block.Reset()
	fs.blocks++
	return nil
}

// Flush writes the pending block and flushes the file buffer.
func (fs *File) Flush() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return nil
	}
	if err := fs.writeBlock(); err != nil {
		return err
	}
	if err := fs.w.Flush(); err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}
	return nil
}

// Close flushes and closes the file. Closing twice is a no-op.
func (fs *File) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return nil
	}
	fs.closed = true

	errFactory := errors.New()
	if err := fs.writeBlock(); err != nil {
		fs.f.Close()
		return errFactory.Wrap(ErrStorageClose, err)
	}
	if err := fs.w.Flush(); err != nil {
		fs.f.Close()
		return errFactory.Wrap(ErrStorageClose, err)
	}
	if err := fs.f.Close(); err != nil {
		return errFactory.Wrap(ErrStorageClose, err)
	}

	fs.log.Info().
		Str("path", fs.path).
		Int("records", fs.records).
		Int("blocks", fs.blocks).
		Msg("Recording file closed")
	return nil
}

// Item is one entry read back from a recording: either a schema or a
// decoded frame.
type Item struct {
	Schema *schema.Schema
	Record *schema.Record
}

// Reader reads a recording file written by File.
type Reader struct {
	r       *bufio.Reader
	session ulid.ULID
	book    *schema.Book
	block   []byte
}

// NewReader checks the file header and returns a reader positioned at the
// first block.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)

	var header [fileHeaderSize]byte
	if _, err := io.ReadFull(br, header[:]); err != nil {
		return nil, errors.New().Wrap(ErrBadHeader, err)
	}
	if !bytes.Equal(header[0:4], fileMagic[:]) {
		return nil, errors.New().WithMessage(ErrBadHeader, "not a recording file")
	}
	if header[4] != fileFormat {
		return nil, errors.New().WithMessage(ErrBadHeader,
			fmt.Sprintf("unsupported recording format %d", header[4]))
	}

	rd := &Reader{r: br, book: schema.NewBook()}
	copy(rd.session[:], header[5:])
	return rd, nil
}

// Session returns the recording session identifier.
func (rd *Reader) Session() ulid.ULID { return rd.session }

// Book returns the schemas read so far.
func (rd *Reader) Book() *schema.Book { return rd.book }

// Next returns the next item, or io.EOF after the last one.
func (rd *Reader) Next() (Item, error) {
	for len(rd.block) == 0 {
		if err := rd.nextBlock(); err != nil {
			return Item{}, err
		}
	}

	var rec fileRecord
	rest, err := codec.UnmarshalFirst(rd.block, &rec)
	if err != nil {
		return Item{}, errors.New().Wrap(ErrCorruptRecord, err)
	}
	rd.block = rest

	switch rec.Kind {
	case recordSchema:
		s, err := schema.Unmarshal(rec.Data)
		if err != nil {
			return Item{}, err
		}
		rd.book.Add(s)
		return Item{Schema: s}, nil
	case recordFrame:
		decoded, err := rd.book.Decode(rec.Channel, rec.Data)
		if err != nil {
			return Item{}, err
		}
		return Item{Record: &decoded}, nil
	default:
		return Item{}, errors.New().WithMessage(ErrCorruptRecord,
			fmt.Sprintf("unknown record kind %d", rec.Kind))
	}
}

func (rd *Reader) nextBlock() error {
	var header [blockHeaderSize]byte
	if _, err := io.ReadFull(rd.r, header[:]); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return errors.New().Wrap(ErrCorruptBlock, err)
	}

	tag := Compression(header[0])
	raw := int(binary.LittleEndian.Uint32(header[1:5]))
	stored := int(binary.LittleEndian.Uint32(header[5:9]))
	if raw > maxBlockSize || stored > maxBlockSize {
		return errors.New().WithMessage(ErrCorruptBlock,
			fmt.Sprintf("block of %d bytes exceeds limit", max(raw, stored)))
	}

	buf := make([]byte, stored)
	if _, err := io.ReadFull(rd.r, buf); err != nil {
		return errors.New().Wrap(ErrCorruptBlock, err)
	}
	data, err := decompressBlock(buf, tag, raw)
	if err != nil {
		return err
	}

	rd.block = data
	return nil
}

// Recording is the complete content of a recording file.
type Recording struct {
	Session ulid.ULID
	Schemas []*schema.Schema
	Records []schema.Record
}

// ReadFile reads the whole recording at path.
func ReadFile(path string) (*Recording, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}
	defer f.Close()

	rd, err := NewReader(f)
	if err != nil {
		return nil, err
	}

	out := &Recording{Session: rd.Session()}
	for {
		item, err := rd.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if item.Schema != nil {
			out.Schemas = append(out.Schemas, item.Schema)
		} else {
			out.Records = append(out.Records, *item.Record)
		}
	}
}
