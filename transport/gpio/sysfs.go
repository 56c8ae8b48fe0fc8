// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package gpio drives RS-485 transmit-enable lines through the Linux sysfs
// GPIO interface.
package gpio

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// DefaultBase is the sysfs GPIO class directory.
const DefaultBase = "/sys/class/gpio"

// exportWait bounds how long Open waits for udev to create the pin files.
const exportWait = time.Second

// SysfsPin is a transport.Pin backed by /sys/class/gpio/gpioN.
type SysfsPin struct {
	number int
	dir    string

	mu    sync.Mutex
	value *os.File
}

// Open exports pin number under base (DefaultBase if empty) and configures
// it as a low output.
func Open(base string, number int) (*SysfsPin, error) {
	if base == "" {
		base = DefaultBase
	}
	if number < 0 {
		return nil, fmt.Errorf("gpio: invalid pin %d", number)
	}
	dir := filepath.Join(base, "gpio"+strconv.Itoa(number))
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		if err := writeAttr(filepath.Join(base, "export"), strconv.Itoa(number)); err != nil {
			return nil, fmt.Errorf("gpio: export %d: %w", number, err)
		}
	}

	// Exported files may appear with a delay and wrong permissions at first.
	var err error
	deadline := time.Now().Add(exportWait)
	for {
		err = writeAttr(filepath.Join(dir, "direction"), "low")
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		return nil, fmt.Errorf("gpio: set direction of %d: %w", number, err)
	}

	value, err := os.OpenFile(filepath.Join(dir, "value"), os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("gpio: open value of %d: %w", number, err)
	}
	slog.Debug("gpio: pin ready", "pin", number, "dir", dir)
	return &SysfsPin{number: number, dir: dir, value: value}, nil
}

// writeAttr writes an existing sysfs attribute.
func writeAttr(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	_, err = f.WriteString(value)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Set drives the pin high or low.
func (p *SysfsPin) Set(high bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.value == nil {
		return fmt.Errorf("gpio: pin %d closed", p.number)
	}
	v := []byte("0")
	if high {
		v[0] = '1'
	}
	if _, err := p.value.WriteAt(v, 0); err != nil {
		return fmt.Errorf("gpio: write pin %d: %w", p.number, err)
	}
	return nil
}

// Close releases the value file. The pin stays exported.
func (p *SysfsPin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.value == nil {
		return nil
	}
	err := p.value.Close()
	p.value = nil
	return err
}
