// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ffutop/modbus-rtu/internal/local-slave/model"
)

// FileStorage keeps the model in memory and writes every change through
// to the storage file, syncing after each write.
type FileStorage struct {
	path string
	file *os.File
	data []byte
}

// NewFileStorage creates a new FileStorage.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

// Load reads the storage file into memory, creating it if needed.
func (fs *FileStorage) Load() (*model.DataModel, error) {
	f, err := openLayout(fs.path)
	if err != nil {
		return nil, err
	}
	data := make([]byte, totalSize)
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, totalSize), data); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	fs.file, fs.data = f, data
	return mapBytesToModel(data), nil
}

// Save writes the whole layout and syncs it to disk.
func (fs *FileStorage) Save(m *model.DataModel) error {
	return fs.sync(0, totalSize)
}

// OnWrite writes the touched span and syncs it.
func (fs *FileStorage) OnWrite(table model.TableType, address, quantity uint16) {
	off, n := tableRange(table, address, quantity)
	if err := fs.sync(off, n); err != nil {
		slog.Error("Failed to sync file", "table", table, "address", address, "err", err)
	}
}

func (fs *FileStorage) sync(off, n int) error {
	if fs.data == nil || fs.file == nil || n == 0 {
		return nil
	}
	if _, err := fs.file.WriteAt(fs.data[off:off+n], int64(off)); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := fs.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file to disk: %w", err)
	}
	return nil
}

// Close the file.
func (fs *FileStorage) Close() error {
	if fs.file == nil {
		return nil
	}
	err := fs.file.Close()
	fs.file = nil
	fs.data = nil
	return err
}
