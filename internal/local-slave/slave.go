// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package localslave

import (
	"log/slog"

	"github.com/ffutop/modbus-rtu/internal/config"
	"github.com/ffutop/modbus-rtu/internal/local-slave/model"
	"github.com/ffutop/modbus-rtu/internal/local-slave/persistence"
	"github.com/ffutop/modbus-rtu/modbus"
	"github.com/ffutop/modbus-rtu/modbus/bits"
	rtupacket "github.com/ffutop/modbus-rtu/modbus/rtu"
)

// LocalSlave implements the Modbus protocol logic on top of a DataModel.
type LocalSlave struct {
	model   *model.DataModel
	storage persistence.Storage
}

// NewLocalSlave creates a new LocalSlave. storage may be nil.
func NewLocalSlave(m *model.DataModel, storage persistence.Storage) *LocalSlave {
	return &LocalSlave{model: m, storage: storage}
}

// Open builds the storage named by cfg, loads its model and returns a
// slave serving it. A storage that fails to load falls back to memory.
func Open(cfg config.PersistenceConfig) *LocalSlave {
	var storage persistence.Storage
	switch cfg.Type {
	case "file":
		slog.Info("Initializing local slave with file persistence", "path", cfg.Path)
		storage = persistence.NewFileStorage(cfg.Path)
	case "mmap":
		slog.Info("Initializing local slave with MMAP persistence", "path", cfg.Path)
		storage = persistence.NewMmapStorage(cfg.Path)
	case "sql", "sqlite", "sqlite3":
		slog.Info("Initializing local slave with SQL persistence", "driver", "sqlite3", "dsn", cfg.Path)
		// The driver is registered by main.
		storage = persistence.NewSQLStorage("sqlite3", cfg.Path)
	default:
		slog.Info("Initializing local slave with memory storage (non-persistent)")
		storage = persistence.NewMemoryStorage()
	}

	m, err := storage.Load()
	if err != nil {
		slog.Error("Failed to load persistence data, falling back to MemoryStorage", "err", err)
		storage = persistence.NewMemoryStorage()
		m, _ = storage.Load()
	}
	return NewLocalSlave(m, storage)
}

// Model returns the served data model.
func (s *LocalSlave) Model() *model.DataModel { return s.model }

// Close releases the storage.
func (s *LocalSlave) Close() error {
	if s.storage == nil {
		return nil
	}
	return s.storage.Close()
}

// Process executes the request in msg against the data model and turns
// msg into its response: read results replace msg.Data, writes keep the
// request as the echo. Failures set msg.Exception. msg.Data must hold the
// largest read result (125 words).
func (s *LocalSlave) Process(msg *modbus.Message) {
	msg.Exception = 0
	if err := msg.Validate(); err != nil {
		if code, ok := modbus.AsException(err); ok {
			msg.Exception = code
		} else {
			msg.Exception = modbus.ExceptionCodeServerDeviceFailure
		}
		return
	}

	n := msg.Quantity()
	var err error
	switch msg.Function {
	case modbus.FuncCodeReadCoils:
		err = s.readBits(msg, s.model.ReadCoils)
	case modbus.FuncCodeReadDiscreteInputs:
		err = s.readBits(msg, s.model.ReadDiscreteInputs)
	case modbus.FuncCodeReadHoldingRegisters:
		err = s.model.ReadHoldingRegisters(msg.Address, n, msg.Data)
	case modbus.FuncCodeReadInputRegisters:
		err = s.model.ReadInputRegisters(msg.Address, n, msg.Data)
	case modbus.FuncCodeWriteSingleCoil:
		err = s.write(model.TableCoils, msg, func() error {
			return s.model.WriteSingleCoil(msg.Address, msg.Data[0] != 0)
		})
	case modbus.FuncCodeWriteSingleRegister:
		err = s.write(model.TableHoldingRegisters, msg, func() error {
			return s.model.WriteSingleRegister(msg.Address, msg.Data[0])
		})
	case modbus.FuncCodeWriteMultipleCoils:
		err = s.write(model.TableCoils, msg, func() error {
			var packed [rtupacket.MaxSize]byte
			words := msg.Data[:modbus.WordsFor(msg.Function, n)]
			bits.WordsToBytes(packed[:], words)
			return s.model.WriteMultipleCoils(msg.Address, n, packed[:bits.ByteCount(int(n))])
		})
	case modbus.FuncCodeWriteMultipleRegisters:
		err = s.write(model.TableHoldingRegisters, msg, func() error {
			return s.model.WriteMultipleRegisters(msg.Address, msg.Data[:n])
		})
	default:
		msg.Exception = modbus.ExceptionCodeIllegalFunction
		return
	}
	if err != nil {
		slog.Debug("local slave request failed", "function", msg.Function, "address", msg.Address, "count", n, "err", err)
		msg.Exception = modbus.ExceptionCodeIllegalDataAddress
	}
}

func (s *LocalSlave) readBits(msg *modbus.Message, read func(address, quantity uint16, dst []byte) error) error {
	var packed [rtupacket.MaxSize]byte
	n := msg.Quantity()
	if err := read(msg.Address, n, packed[:bits.ByteCount(int(n))]); err != nil {
		return err
	}
	words := msg.Data[:modbus.WordsFor(msg.Function, n)]
	bits.BytesToWords(words, packed[:2*len(words)])
	return nil
}

func (s *LocalSlave) write(table model.TableType, msg *modbus.Message, apply func() error) error {
	if err := apply(); err != nil {
		return err
	}
	if s.storage != nil {
		s.storage.OnWrite(table, msg.Address, msg.Quantity())
	}
	return nil
}
