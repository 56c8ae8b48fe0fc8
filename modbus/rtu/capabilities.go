// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"strings"

	"github.com/ffutop/modbus-rtu/modbus"
)

// Capabilities is the set of function codes a codec handles. Codes outside
// the set are rejected with IllegalFunction. The zero value enables every
// supported function.
type Capabilities uint32

// AllFunctions enables every function in modbus.Functions.
var AllFunctions = NewCapabilities(modbus.Functions...)

// NewCapabilities returns the set holding fs. Unsupported codes are ignored.
func NewCapabilities(fs ...modbus.Function) Capabilities {
	var c Capabilities
	for _, f := range fs {
		if f.Valid() {
			c |= 1 << f
		}
	}
	return c
}

// Has reports whether f is enabled.
func (c Capabilities) Has(f modbus.Function) bool {
	if !f.Valid() {
		return false
	}
	if c == 0 {
		return true
	}
	return c&(1<<f) != 0
}

func (c Capabilities) String() string {
	var names []string
	for _, f := range modbus.Functions {
		if c.Has(f) {
			names = append(names, f.String())
		}
	}
	return strings.Join(names, ",")
}
