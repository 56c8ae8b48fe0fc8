// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package station

import (
	"context"
	"errors"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ffutop/modbus-rtu/internal/config"
	localslave "github.com/ffutop/modbus-rtu/internal/local-slave"
	"github.com/ffutop/modbus-rtu/internal/local-slave/model"
	"github.com/ffutop/modbus-rtu/modbus"
	"github.com/ffutop/modbus-rtu/transport/rtu"
)

type pipePort struct {
	net.Conn
}

func (pipePort) Configure(int) error { return nil }

func newLinkPair(t *testing.T, slaveID byte) (master, slave *rtu.Link) {
	t.Helper()
	a, b := net.Pipe()
	cfg := rtu.Config{BaudRate: 115200, InterByteTimeout: 5 * time.Millisecond, ResponseTimeout: 300 * time.Millisecond}
	mc, sc := cfg, cfg
	mc.Name, sc.Name, sc.SlaveID = "master", "slave", slaveID
	master = rtu.NewLink(pipePort{a}, mc)
	slave = rtu.NewLink(pipePort{b}, sc)
	for _, l := range []*rtu.Link{master, slave} {
		if err := l.Init(); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
	}
	t.Cleanup(func() {
		master.Close()
		slave.Close()
	})
	return master, slave
}

func TestParseSlaveIDs(t *testing.T) {
	tests := []struct {
		input   string
		want    []byte
		wantErr bool
	}{
		{"1", []byte{1}, false},
		{"1, 2,5-7", []byte{1, 2, 5, 6, 7}, false},
		{"0", []byte{0}, false},
		{"", nil, false},
		{"245-247", []byte{245, 246, 247}, false},
		{"248", nil, true},
		{"240-250", nil, true},
		{"7-3", nil, true},
		{"a", nil, true},
		{"1-2-3", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSlaveIDs(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSlaveIDs(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseSlaveIDs(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
	if _, err := ParseSlaveIDs("300"); !errors.Is(err, modbus.ErrInvalidID) {
		t.Errorf("out of range error = %v, want ErrInvalidID", err)
	}
}

func TestNewPolls(t *testing.T) {
	polls, err := NewPolls([]config.PollConfig{
		{Slaves: "1-2", Function: "read_holding_registers", Address: 10, Count: 4},
		{Slaves: "3", Function: "6", Address: 1, Values: []uint16{42}},
	})
	if err != nil {
		t.Fatalf("NewPolls() error = %v", err)
	}
	if !reflect.DeepEqual(polls[0].Slaves, []byte{1, 2}) || polls[0].Interval != time.Second {
		t.Errorf("poll 0 = %+v", polls[0])
	}
	if polls[1].Function != modbus.FuncCodeWriteSingleRegister || polls[1].Count != 1 {
		t.Errorf("poll 1 = %+v", polls[1])
	}

	bad := []config.PollConfig{
		{Slaves: "1", Function: "read_fifo"},
		{Slaves: "", Function: "3", Count: 1},
		{Slaves: "1", Function: "write_multiple_registers", Count: 3, Values: []uint16{1}},
	}
	for _, c := range bad {
		if _, err := NewPolls([]config.PollConfig{c}); err == nil {
			t.Errorf("NewPolls(%+v) succeeded", c)
		}
	}
}

func TestMasterAgainstSlave(t *testing.T) {
	masterLink, slaveLink := newLinkPair(t, 17)
	m := model.NewDataModel()
	m.WriteInputRegisters(8, []uint16{0x000A, 0x000B})
	local := localslave.NewLocalSlave(m, nil)

	polls, err := NewPolls([]config.PollConfig{
		{Slaves: "17", Function: "write_multiple_registers", Address: 100, Count: 2, Values: []uint16{7, 8}, Interval: time.Hour},
		{Slaves: "17", Function: "read_input_registers", Address: 8, Count: 2, Interval: time.Hour},
		{Slaves: "18", Function: "read_coils", Address: 0, Count: 1, Interval: time.Hour},
	})
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var results []Result
	done := make(chan struct{})
	master := NewMaster(masterLink, polls)
	master.OnResult = func(r Result) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, r)
		if len(results) == 3 {
			close(done)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	slaveDone := make(chan error, 1)
	go func() { slaveDone <- NewSlave(slaveLink, local).Run(ctx) }()
	masterDone := make(chan error, 1)
	go func() { masterDone <- master.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("polls did not complete")
	}
	cancel()
	if err := <-masterDone; err != nil {
		t.Errorf("master Run() = %v", err)
	}
	if err := <-slaveDone; err != nil {
		t.Errorf("slave Run() = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if results[0].Err != nil {
		t.Errorf("write error = %v", results[0].Err)
	}
	if results[1].Err != nil || !reflect.DeepEqual(results[1].Data, []uint16{0x000A, 0x000B}) {
		t.Errorf("read = %v, %v", results[1].Data, results[1].Err)
	}
	if !errors.Is(results[2].Err, modbus.ErrTimeout) {
		t.Errorf("unknown slave error = %v, want ErrTimeout", results[2].Err)
	}
	if got := m.Register(model.TableHoldingRegisters, 101); got != 8 {
		t.Errorf("holding register 101 = %d, want 8", got)
	}
}

// busyProcessor refuses every request.
type busyProcessor struct{}

func (busyProcessor) Process(msg *modbus.Message) { msg.Exception = modbus.ExceptionCodeServerDeviceBusy }

func TestSlaveAnswersException(t *testing.T) {
	masterLink, slaveLink := newLinkPair(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewSlave(slaveLink, busyProcessor{}).Run(ctx)

	msg := &modbus.Message{SlaveID: 3, Function: modbus.FuncCodeReadCoils, Address: 0, Count: 8, Data: make([]uint16, 1)}
	err := masterLink.SendRequest(ctx, msg)
	if !errors.Is(err, modbus.ExceptionCodeServerDeviceBusy) || msg.Exception != modbus.ExceptionCodeServerDeviceBusy {
		t.Errorf("SendRequest() error = %v, exception %v, want server device busy", err, msg.Exception)
	}
	if st := slaveLink.Stats(); st.ExceptionsSent != 1 {
		t.Errorf("ExceptionsSent = %d, want 1", st.ExceptionsSent)
	}
}

func TestSlaveRunStopsOnClose(t *testing.T) {
	_, slaveLink := newLinkPair(t, 3)
	errc := make(chan error, 1)
	go func() {
		errc <- NewSlave(slaveLink, localslave.NewLocalSlave(model.NewDataModel(), nil)).Run(context.Background())
	}()
	time.Sleep(20 * time.Millisecond)
	slaveLink.Close()
	select {
	case err := <-errc:
		if !errors.Is(err, modbus.ErrNotInitialized) {
			t.Errorf("Run() = %v, want ErrNotInitialized", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestStationStart(t *testing.T) {
	masterLink, slaveLink := newLinkPair(t, 9)
	closed := make(chan struct{})
	st := &Station{Units: []Unit{
		{Name: "slave", Link: slaveLink, Runner: NewSlave(slaveLink, localslave.NewLocalSlave(model.NewDataModel(), nil)),
			StatsInterval: 10 * time.Millisecond, Close: func() error { close(closed); return nil }},
		{Name: "master", Link: masterLink, Runner: NewMaster(masterLink, nil)},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- st.Start(ctx) }()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Start() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
	}
	select {
	case <-closed:
	default:
		t.Error("unit Close not called")
	}
	if masterLink.State() != rtu.StateIdle {
		t.Errorf("master state = %v after shutdown", masterLink.State())
	}
}
