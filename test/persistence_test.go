// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package test

import (
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ffutop/modbus-rtu/internal/config"
	localslave "github.com/ffutop/modbus-rtu/internal/local-slave"
)

func TestPersistence(t *testing.T) {
	requirePtys(t)
	dir := t.TempDir()
	for _, cfg := range []config.PersistenceConfig{
		{Type: "file", Path: filepath.Join(dir, "slave.bin")},
		{Type: "mmap", Path: filepath.Join(dir, "slave.mmap")},
		{Type: "sqlite", Path: filepath.Join(dir, "slave.db")},
	} {
		t.Run(cfg.Type, func(t *testing.T) {
			// First run: write through the bus.
			t.Run("write", func(t *testing.T) {
				slave := localslave.Open(cfg)
				t.Cleanup(func() { slave.Close() })
				startSlave(t, slave)
				client := newRTUClient(t, slaveID)
				if _, err := client.WriteSingleRegister(10, 0xCAFE); err != nil {
					t.Fatalf("WriteSingleRegister() error = %v", err)
				}
				if _, err := client.WriteSingleCoil(3, 0xFF00); err != nil {
					t.Fatalf("WriteSingleCoil() error = %v", err)
				}
			})

			// Second run: a fresh slave on the same storage sees the data.
			slave := localslave.Open(cfg)
			t.Cleanup(func() { slave.Close() })
			startSlave(t, slave)
			client := newRTUClient(t, slaveID)
			results, err := client.ReadHoldingRegisters(10, 1)
			if err != nil {
				t.Fatalf("ReadHoldingRegisters() error = %v", err)
			}
			if val := uint16(results[0])<<8 | uint16(results[1]); val != 0xCAFE {
				t.Errorf("register 10 = 0x%X, want 0xCAFE", val)
			}
			coils, err := client.ReadCoils(0, 8)
			if err != nil {
				t.Fatalf("ReadCoils() error = %v", err)
			}
			if coils[0] != 0x08 {
				t.Errorf("coils 0..7 = %02X, want 08", coils[0])
			}
		})
	}
}
