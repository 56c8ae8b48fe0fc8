// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"sync"

	"github.com/ffutop/modbus-rtu/internal/local-slave/model"
)

// MemoryStorage keeps one model for the life of the process. Reloading
// returns the same model, so a slave reopened on another link keeps its
// data; nothing survives a restart.
type MemoryStorage struct {
	once sync.Once
	m    *model.DataModel
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (ms *MemoryStorage) Load() (*model.DataModel, error) {
	ms.once.Do(func() { ms.m = model.NewDataModel() })
	return ms.m, nil
}

func (*MemoryStorage) Save(*model.DataModel) error { return nil }

func (*MemoryStorage) OnWrite(model.TableType, uint16, uint16) {}

func (*MemoryStorage) Close() error { return nil }
