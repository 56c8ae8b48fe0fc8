// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/ffutop/modbus-rtu/internal/local-slave/model"
)

// MmapStorage serves the model straight out of a memory-mapped storage
// file, so a slave write lands in the page cache as it is applied. OnWrite
// flushes the mapping to disk.
type MmapStorage struct {
	path string
	file *os.File
	data mmap.MMap
}

// NewMmapStorage creates a new MmapStorage.
func NewMmapStorage(path string) *MmapStorage {
	return &MmapStorage{path: path}
}

// Load maps the storage file and returns a model backed by the mapping.
func (ms *MmapStorage) Load() (*model.DataModel, error) {
	f, err := openLayout(ms.path)
	if err != nil {
		return nil, err
	}
	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	ms.file, ms.data = f, data
	return mapBytesToModel(data), nil
}

// Save flushes the whole mapping.
func (ms *MmapStorage) Save(*model.DataModel) error {
	if ms.data == nil {
		return errors.New("mmap storage not loaded")
	}
	return ms.data.Flush()
}

// OnWrite flushes the mapping after a write.
func (ms *MmapStorage) OnWrite(table model.TableType, address, quantity uint16) {
	if ms.data == nil {
		return
	}
	if err := ms.data.Flush(); err != nil {
		slog.Error("Failed to flush mmap", "table", table, "address", address, "quantity", quantity, "err", err)
	}
}

// Close unmaps the file. The model returned by Load must not be used
// afterwards.
func (ms *MmapStorage) Close() error {
	var errs []error
	if ms.data != nil {
		errs = append(errs, ms.data.Unmap())
		ms.data = nil
	}
	if ms.file != nil {
		errs = append(errs, ms.file.Close())
		ms.file = nil
	}
	return errors.Join(errs...)
}
