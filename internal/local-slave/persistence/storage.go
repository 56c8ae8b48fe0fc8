// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package persistence stores the tables served by a local slave.
package persistence

import (
	"github.com/ffutop/modbus-rtu/internal/local-slave/model"
)

// Storage is the backing store of a slave's data model. The slave applies
// writes to the model returned by Load and then reports the touched range
// through OnWrite.
type Storage interface {
	// Load returns the stored model, or a zeroed one for a new store.
	Load() (*model.DataModel, error)

	// Save writes the whole model.
	Save(m *model.DataModel) error

	// OnWrite persists quantity items of table starting at address.
	// Failures are logged; the request has already been applied.
	OnWrite(table model.TableType, address, quantity uint16)

	Close() error
}
