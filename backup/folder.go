package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/drand/ceremony/fs"
)

const recordExt = ".bak"

// FolderLocation stores one file per record in a private folder.
type FolderLocation struct {
	folder string
}

// NewFolderLocation creates the folder if needed.
func NewFolderLocation(folder string) (*FolderLocation, error) {
	if fs.CreateSecureFolder(folder) == "" {
		return nil, fmt.Errorf("backup folder %s is not private", folder)
	}
	return &FolderLocation{folder: folder}, nil
}

func (f *FolderLocation) ID() string { return "folder:" + f.folder }

func (f *FolderLocation) path(seq uint64) string {
	return filepath.Join(f.folder, fmt.Sprintf("%020d%s", seq, recordExt))
}

func (f *FolderLocation) Write(ctx context.Context, r *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buff, err := r.MarshalBinary()
	if err != nil {
		return err
	}
	err = fs.CreateWriteOnce(f.path(r.Seq), buff)
	if errors.Is(err, fs.ErrFileExists) {
		return ErrAlreadyExists
	}
	return err
}

func (f *FolderLocation) Read(ctx context.Context, seq uint64) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buff, err := os.ReadFile(f.path(seq))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	r, err := UnmarshalRecord(f.ID(), buff)
	if err != nil {
		return nil, err
	}
	if r.Seq != seq {
		return nil, &IntegrityError{Seq: seq, Location: f.ID()}
	}
	return r, nil
}

func (f *FolderLocation) List(ctx context.Context) ([]uint64, error) {
	files, err := fs.Files(f.folder)
	if err != nil {
		return nil, err
	}
	var seqs []uint64
	for _, file := range files {
		name := filepath.Base(file)
		if !strings.HasSuffix(name, recordExt) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, recordExt), 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	return seqs, nil
}

func (f *FolderLocation) Close() error { return nil }
