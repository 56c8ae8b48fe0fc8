// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/ffutop/modbus-rtu/internal/local-slave/model"
)

const upsertRegister = "INSERT INTO modbus_registers (table_type, address, value) VALUES (?, ?, ?) " +
	"ON CONFLICT(table_type, address) DO UPDATE SET value=excluded.value"

// SQLStorage implements persistence using a SQL database. One row per
// written item: bits are stored as 0/1, registers as their value.
type SQLStorage struct {
	driver string
	dsn    string
	db     *sql.DB
	model  *model.DataModel
}

// NewSQLStorage creates a new SQLStorage.
// Note: The driver (e.g., sqlite3) must be imported in main.go
func NewSQLStorage(driver, dsn string) *SQLStorage {
	return &SQLStorage{
		driver: driver,
		dsn:    dsn,
	}
}

// Load connects to the DB and loads the data.
func (s *SQLStorage) Load() (*model.DataModel, error) {
	db, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	s.db = db

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	m := model.NewDataModel()
	rows, err := db.Query("SELECT table_type, address, value FROM modbus_registers")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to query registers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t, addr, val int
		if err := rows.Scan(&t, &addr, &val); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to scan register: %w", err)
		}
		if addr < 0 || addr > model.MaxAddress {
			continue
		}
		a := uint16(addr)
		switch model.TableType(t) {
		case model.TableCoils:
			m.WriteSingleCoil(a, val != 0)
		case model.TableDiscreteInputs:
			m.WriteDiscreteInputs(a, 1, []byte{byte(val & 1)})
		case model.TableHoldingRegisters:
			m.WriteSingleRegister(a, uint16(val))
		case model.TableInputRegisters:
			m.WriteInputRegisters(a, []uint16{uint16(val)})
		}
	}
	if err := rows.Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read registers: %w", err)
	}

	s.model = m
	return m, nil
}

func (s *SQLStorage) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS modbus_registers (
		table_type INTEGER,
		address INTEGER,
		value INTEGER,
		PRIMARY KEY (table_type, address)
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// Save writes every non-zero item of m in one transaction.
func (s *SQLStorage) Save(m *model.DataModel) error {
	if s.db == nil {
		return fmt.Errorf("db not open")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(upsertRegister)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, table := range []model.TableType{model.TableCoils, model.TableDiscreteInputs, model.TableHoldingRegisters, model.TableInputRegisters} {
		for addr := 0; addr <= model.MaxAddress; addr++ {
			if val := value(m, table, uint16(addr)); val != 0 {
				if _, err := stmt.Exec(int(table), addr, val); err != nil {
					tx.Rollback()
					return fmt.Errorf("failed to save %s %d: %w", table, addr, err)
				}
			}
		}
	}
	return tx.Commit()
}

// OnWrite upserts the changed items in one transaction.
func (s *SQLStorage) OnWrite(table model.TableType, address, quantity uint16) {
	if s.db == nil || s.model == nil {
		return
	}
	if err := s.persist(table, address, quantity); err != nil {
		slog.Error("Failed to persist register", "table", table, "address", address, "quantity", quantity, "err", err)
	}
}

func (s *SQLStorage) persist(table model.TableType, address, quantity uint16) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(upsertRegister)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := 0; i < int(quantity); i++ {
		addr := int(address) + i
		if addr > model.MaxAddress {
			break
		}
		if _, err := stmt.Exec(int(table), addr, value(s.model, table, uint16(addr))); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func value(m *model.DataModel, table model.TableType, addr uint16) int64 {
	switch table {
	case model.TableCoils:
		if m.Coil(addr) {
			return 1
		}
	case model.TableDiscreteInputs:
		if m.DiscreteInput(addr) {
			return 1
		}
	case model.TableHoldingRegisters, model.TableInputRegisters:
		return int64(m.Register(table, addr))
	}
	return 0
}

func (s *SQLStorage) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}
