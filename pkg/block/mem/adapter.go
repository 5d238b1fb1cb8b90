package mem

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/treeverse/tables/pkg/block"
)

var ErrNoDataForKey = fmt.Errorf("no data for key: %w", block.ErrDataNotFound)

// Adapter keeps blobs in process memory. Used by tests and single process setups.
type Adapter struct {
	data  map[string]map[string][]byte
	mutex sync.RWMutex
}

func New() *Adapter {
	return &Adapter{
		data: make(map[string]map[string][]byte),
	}
}

func verifyObjectPointer(obj block.ObjectPointer) error {
	if obj.StorageNamespace == "" || obj.Identifier == "" {
		return fmt.Errorf("%w: %s", block.ErrInvalidAddress, obj)
	}
	return nil
}

func (a *Adapter) Put(_ context.Context, obj block.ObjectPointer, _ int64, reader io.Reader) error {
	if err := verifyObjectPointer(obj); err != nil {
		return err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.data[obj.StorageNamespace] == nil {
		a.data[obj.StorageNamespace] = make(map[string][]byte)
	}
	a.data[obj.StorageNamespace][obj.Identifier] = data
	return nil
}

func (a *Adapter) Get(_ context.Context, obj block.ObjectPointer) (io.ReadCloser, error) {
	if err := verifyObjectPointer(obj); err != nil {
		return nil, err
	}
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	data, ok := a.data[obj.StorageNamespace][obj.Identifier]
	if !ok {
		return nil, ErrNoDataForKey
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (a *Adapter) Exists(_ context.Context, obj block.ObjectPointer) (bool, error) {
	if err := verifyObjectPointer(obj); err != nil {
		return false, err
	}
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	_, ok := a.data[obj.StorageNamespace][obj.Identifier]
	return ok, nil
}

func (a *Adapter) Remove(_ context.Context, obj block.ObjectPointer) error {
	if err := verifyObjectPointer(obj); err != nil {
		return err
	}
	a.mutex.Lock()
	defer a.mutex.Unlock()
	delete(a.data[obj.StorageNamespace], obj.Identifier)
	return nil
}

func (a *Adapter) BlockstoreType() string {
	return block.BlockstoreTypeMem
}
