package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"github.com/treeverse/tables/pkg/block"
)

var (
	ErrPathNotWritable = errors.New("path provided is not writable")
	ErrBadPath         = errors.New("bad path traversal blocked")
)

// Adapter stores each blob as a file under <path>/<namespace>/<identifier>
type Adapter struct {
	path string
}

func NewAdapter(path string) (*Adapter, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	expanded = filepath.Clean(expanded)
	if err := os.MkdirAll(expanded, 0o700); err != nil { //nolint: mnd
		return nil, err
	}
	if !isDirectoryWritable(expanded) {
		return nil, ErrPathNotWritable
	}
	return &Adapter{path: expanded}, nil
}

func isDirectoryWritable(dir string) bool {
	f, err := os.CreateTemp(dir, ".write-check-")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}

func (l *Adapter) getPath(obj block.ObjectPointer) (string, error) {
	if obj.StorageNamespace == "" || obj.Identifier == "" {
		return "", fmt.Errorf("%w: %s", block.ErrInvalidAddress, obj)
	}
	p := filepath.Join(l.path, obj.StorageNamespace, filepath.FromSlash(obj.Identifier))
	if !strings.HasPrefix(p, l.path+string(os.PathSeparator)) {
		return "", fmt.Errorf("%s: %w", obj, ErrBadPath)
	}
	return p, nil
}

// Put writes into a temporary file and renames it, so readers never see a partial blob
func (l *Adapter) Put(_ context.Context, obj block.ObjectPointer, _ int64, reader io.Reader) error {
	p, err := l.getPath(obj)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil { //nolint: mnd
		return err
	}
	tmp := p + "." + uuid.NewString() + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, reader)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, p)
}

func (l *Adapter) Get(_ context.Context, obj block.ObjectPointer) (io.ReadCloser, error) {
	p, err := l.getPath(obj)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", obj, block.ErrDataNotFound)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (l *Adapter) Exists(_ context.Context, obj block.ObjectPointer) (bool, error) {
	p, err := l.getPath(obj)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (l *Adapter) Remove(_ context.Context, obj block.ObjectPointer) error {
	p, err := l.getPath(obj)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (l *Adapter) BlockstoreType() string {
	return block.BlockstoreTypeLocal
}
