package transcript

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/drand/ceremony/crypto"
	"github.com/drand/ceremony/fs"
)

// MemStore keeps entries in memory.
type MemStore struct {
	sync.Mutex
	entries []*Entry
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Append implements Store.
func (m *MemStore) Append(e *Entry) error {
	m.Lock()
	defer m.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

// Entries implements Store.
func (m *MemStore) Entries() ([]*Entry, error) {
	m.Lock()
	defer m.Unlock()
	return append([]*Entry(nil), m.entries...), nil
}

// Close implements Store.
func (m *MemStore) Close() error { return nil }

// FileName is the transcript file inside a ceremony folder.
const FileName = "transcript.dat"

// FileStore appends entries to a single file opened in append mode.
//
// File format, repeated for every entry:
//
//	[4]byte: entry length (uint32)
//	[n]byte: entry, see Entry.MarshalBinary
type FileStore struct {
	sync.Mutex
	scheme *crypto.Scheme
	path   string
	file   *os.File
}

// OpenFileStore opens or creates the transcript file in folder.
func OpenFileStore(sch *crypto.Scheme, folder string) (*FileStore, error) {
	if fs.CreateSecureFolder(folder) == "" {
		return nil, fmt.Errorf("transcript folder %s is not private", folder)
	}
	path := filepath.Join(folder, FileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open transcript file: %w", err)
	}
	return &FileStore{scheme: sch, path: path, file: f}, nil
}

// Path returns the transcript file location.
func (s *FileStore) Path() string {
	return s.path
}

// Append implements Store. The record is synced before returning.
func (s *FileStore) Append(e *Entry) error {
	s.Lock()
	defer s.Unlock()
	buff, err := e.MarshalBinary()
	if err != nil {
		return err
	}
	record := make([]byte, 4+len(buff))
	binary.BigEndian.PutUint32(record, uint32(len(buff)))
	copy(record[4:], buff)

	if err := unix.Flock(int(s.file.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock transcript file: %w", err)
	}
	defer func() { _ = unix.Flock(int(s.file.Fd()), unix.LOCK_UN) }()

	n, err := s.file.Write(record)
	if err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	if n != len(record) {
		return fmt.Errorf("incomplete write: %d of %d bytes", n, len(record))
	}
	return s.file.Sync()
}

// Entries implements Store.
func (s *FileStore) Entries() ([]*Entry, error) {
	s.Lock()
	defer s.Unlock()
	info, err := s.file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat transcript: %w", err)
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek transcript: %w", err)
	}
	return readEntries(s.scheme, bufio.NewReader(s.file), info.Size())
}

// Close implements Store.
func (s *FileStore) Close() error {
	return s.file.Close()
}

// ReadFile loads every entry of a transcript file without opening it for
// writing.
func ReadFile(sch *crypto.Scheme, path string) ([]*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return readEntries(sch, bufio.NewReader(f), info.Size())
}

// readEntries decodes records from r, which holds size bytes. A length
// prefix is never trusted beyond the bytes left in the file.
func readEntries(sch *crypto.Scheme, r io.Reader, size int64) ([]*Entry, error) {
	var entries []*Entry
	remaining := size
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return entries, nil
			}
			return nil, fmt.Errorf("read entry length: %w", err)
		}
		remaining -= int64(len(lenBuf))
		n := int64(binary.BigEndian.Uint32(lenBuf[:]))
		if n > remaining {
			return nil, fmt.Errorf("entry %d: length %d exceeds the %d bytes left: %w",
				len(entries)+1, n, remaining, ErrCorruptRecord)
		}
		remaining -= n
		buff := make([]byte, n)
		if _, err := io.ReadFull(r, buff); err != nil {
			return nil, fmt.Errorf("read entry %d: %w", len(entries)+1, err)
		}
		e, err := UnmarshalEntry(sch, buff)
		if err != nil {
			return nil, fmt.Errorf("decode entry %d: %w", len(entries)+1, err)
		}
		entries = append(entries, e)
	}
}
