// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/pflag"

	"github.com/ffutop/modbus-rtu/internal/config"
	localslave "github.com/ffutop/modbus-rtu/internal/local-slave"
	"github.com/ffutop/modbus-rtu/internal/station"
	"github.com/ffutop/modbus-rtu/modbus"
	rtupacket "github.com/ffutop/modbus-rtu/modbus/rtu"
	"github.com/ffutop/modbus-rtu/transport"
	"github.com/ffutop/modbus-rtu/transport/gpio"
	"github.com/ffutop/modbus-rtu/transport/rtu"
	rtuovertcp "github.com/ffutop/modbus-rtu/transport/rtu-over-tcp"
)

func main() {
	config.RegisterFlags(pflag.CommandLine)
	pflag.Parse()

	// Load Configuration
	cfg, err := config.LoadFlags(pflag.CommandLine)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	slog.Info("Starting Modbus RTU station...")

	st := &station.Station{}
	for _, lc := range cfg.Links {
		u, err := newUnit(lc)
		if err != nil {
			slog.Error("Failed to set up link", "link", lc.Name, "err", err)
			continue
		}
		st.Units = append(st.Units, u)
	}

	if len(st.Units) == 0 {
		slog.Error("No valid links configured. Exiting.")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := st.Start(ctx); err != nil {
		slog.Error("Station stopped with error", "err", err)
	}
	slog.Info("Goodbye.")
}

// newUnit builds and initializes the link described by lc together with
// its master or slave role.
func newUnit(lc config.LinkConfig) (station.Unit, error) {
	var port transport.Port
	switch lc.Transport {
	case "tcp":
		if lc.Tcp.Listen {
			port = rtuovertcp.NewServer(lc.Tcp.Address)
		} else {
			port = rtuovertcp.NewClient(lc.Tcp.Address)
		}
	default:
		port = rtu.NewSerialPort(lc.Serial)
	}

	caps, err := parseCapabilities(lc.Functions)
	if err != nil {
		return station.Unit{}, err
	}

	var closers []func() error
	linkCfg := rtu.Config{
		Name:             lc.Name,
		BaudRate:         lc.Serial.BaudRate,
		SlaveID:          byte(lc.SlaveID),
		ResponseTimeout:  lc.ResponseTimeout,
		InterByteTimeout: lc.InterByteTimeout,
		TxActiveLow:      lc.TxEnable.ActiveLow,
		Capabilities:     caps,
	}
	switch lc.TxEnable.Type {
	case "none":
	case "gpio":
		pin, err := gpio.Open(gpio.DefaultBase, lc.TxEnable.Pin)
		if err != nil {
			return station.Unit{}, err
		}
		linkCfg.TxEnable = pin
		closers = append(closers, pin.Close)
	default:
		return station.Unit{}, fmt.Errorf("unknown tx_enable type %q", lc.TxEnable.Type)
	}

	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}

	link := rtu.NewLink(port, linkCfg)
	u := station.Unit{Name: lc.Name, Link: link, StatsInterval: lc.StatsInterval, Close: closeAll}
	if link.IsMaster() {
		polls, err := station.NewPolls(lc.Master.Polls)
		if err != nil {
			closeAll()
			return station.Unit{}, err
		}
		u.Runner = station.NewMaster(link, polls)
	} else {
		slave := localslave.Open(lc.Slave.Persistence)
		closers = append(closers, slave.Close)
		u.Runner = station.NewSlave(link, slave)
	}

	if err := link.Init(); err != nil {
		closeAll()
		return station.Unit{}, fmt.Errorf("failed to initialize link: %w", err)
	}
	slog.Info("Link initialized", "link", lc.Name, "transport", lc.Transport, "slave_id", lc.SlaveID,
		"inter_byte_timeout", link.InterByteTimeout(), "functions", caps)
	return u, nil
}

func parseCapabilities(names []string) (rtupacket.Capabilities, error) {
	if len(names) == 0 {
		return rtupacket.AllFunctions, nil
	}
	fs := make([]modbus.Function, 0, len(names))
	for _, name := range names {
		f, err := modbus.ParseFunction(name)
		if err != nil {
			return 0, err
		}
		fs = append(fs, f)
	}
	return rtupacket.NewCapabilities(fs...), nil
}

func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stdout: %v\n", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
