// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config defines the global configuration structure
type Config struct {
	Links []LinkConfig `mapstructure:"links"`
	Log   LogConfig    `mapstructure:"log"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// LinkConfig defines one RTU link and the station running on it.
// SlaveID 0 makes the link a master.
type LinkConfig struct {
	Name             string         `mapstructure:"name"`
	Transport        string         `mapstructure:"transport"` // "serial", "tcp"
	Serial           SerialConfig   `mapstructure:"serial"`    // Used if Transport is "serial"
	Tcp              TcpConfig      `mapstructure:"tcp"`       // Used if Transport is "tcp"
	SlaveID          int            `mapstructure:"slave_id"`
	ResponseTimeout  time.Duration  `mapstructure:"response_timeout"`
	InterByteTimeout time.Duration  `mapstructure:"inter_byte_timeout"` // 0 derives it from the baud rate
	TxEnable         TxEnableConfig `mapstructure:"tx_enable"`
	Functions        []string       `mapstructure:"functions"` // empty enables all
	Master           MasterConfig   `mapstructure:"master"`
	Slave            SlaveConfig    `mapstructure:"slave"`
	StatsInterval    time.Duration  `mapstructure:"stats_interval"`
}

// TxEnableConfig defines the transmit-enable line of an RS-485 transceiver
// driven by the link itself.
type TxEnableConfig struct {
	Type      string `mapstructure:"type"` // "none", "gpio"
	Pin       int    `mapstructure:"pin"`
	ActiveLow bool   `mapstructure:"active_low"`
}

// MasterConfig lists the requests a master link issues periodically.
type MasterConfig struct {
	Polls []PollConfig `mapstructure:"polls"`
}

// PollConfig defines one periodic request.
type PollConfig struct {
	Slaves   string        `mapstructure:"slaves"`   // "1", "1,2", "1-10"; 0 broadcasts writes
	Function string        `mapstructure:"function"` // name or code, e.g. "read_holding_registers" or "3"
	Address  uint16        `mapstructure:"address"`
	Count    uint16        `mapstructure:"count"`
	Values   []uint16      `mapstructure:"values"` // payload of write functions
	Interval time.Duration `mapstructure:"interval"`
}

// SlaveConfig defines the data model a slave link serves.
type SlaveConfig struct {
	Persistence PersistenceConfig `mapstructure:"persistence"`
}

// PersistenceConfig defines data storage settings
type PersistenceConfig struct {
	Type string `mapstructure:"type"` // "memory", "file", "mmap", "sqlite"
	Path string `mapstructure:"path"` // File path for "file/mmap/sqlite" type
}

// TcpConfig defines TCP settings
type TcpConfig struct {
	Address string `mapstructure:"address"` // e.g. "192.168.1.100:4001"
	Listen  bool   `mapstructure:"listen"`  // accept the device server instead of dialing it
}

// SerialConfig defines RTU settings
type SerialConfig struct {
	Device   string        `mapstructure:"device"`
	BaudRate int           `mapstructure:"baud_rate"`
	DataBits int           `mapstructure:"data_bits"`
	Parity   string        `mapstructure:"parity"`
	StopBits int           `mapstructure:"stop_bits"`
	Timeout  time.Duration `mapstructure:"timeout"` // read timeout of the driver

	// RS485 specific
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// RegisterFlags defines the command-line flags understood by LoadFlags.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "Configuration file path.")
	fs.StringP("log_level", "v", "", "Log verbosity level (debug, info, warn, error).")
	fs.StringP("log_file", "L", "", "Log file name ('-' for logging to STDOUT only).")
}

// LoadFlags loads the configuration file named by the parsed flags. Log
// flags that were set override the file.
func LoadFlags(fs *pflag.FlagSet) (*Config, error) {
	configFile, err := fs.GetString("config")
	if err != nil {
		return nil, err
	}
	return load(configFile, fs)
}

// LoadConfig loads configuration from file
func LoadConfig(configFile string) (*Config, error) {
	return load(configFile, nil)
}

func load(configFile string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbusrtu/")
		v.AddConfigPath("$HOME/.modbusrtu")
		v.AddConfigPath(".")
	}

	if fs != nil {
		for key, name := range map[string]string{"log.level": "log_level", "log.file": "log_file"} {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	// Set defaults
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, fmt.Errorf("failed to find config file: %w", err)
		}

		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate / Fixups
	if len(config.Links) == 0 {
		return nil, errors.New("no links configured")
	}
	for i := range config.Links {
		if err := fixupLink(i, &config.Links[i]); err != nil {
			return nil, err
		}
	}

	return &config, nil
}

func fixupLink(i int, l *LinkConfig) error {
	if l.Name == "" {
		l.Name = fmt.Sprintf("link%d", i)
	}
	l.Transport = strings.ToLower(l.Transport)
	switch l.Transport {
	case "", "serial", "rtu":
		l.Transport = "serial"
		if l.Serial.Device == "" {
			return fmt.Errorf("link %s: serial.device is required", l.Name)
		}
	case "tcp", "rtu-over-tcp":
		l.Transport = "tcp"
		if l.Tcp.Address == "" {
			return fmt.Errorf("link %s: tcp.address is required", l.Name)
		}
	default:
		return fmt.Errorf("link %s: unknown transport %q", l.Name, l.Transport)
	}
	if l.SlaveID < 0 || l.SlaveID > 247 {
		return fmt.Errorf("link %s: slave_id %d out of range 0..247", l.Name, l.SlaveID)
	}
	if l.ResponseTimeout == 0 {
		l.ResponseTimeout = time.Second
	}
	l.TxEnable.Type = strings.ToLower(l.TxEnable.Type)
	if l.TxEnable.Type == "" {
		l.TxEnable.Type = "none"
	}
	if l.Slave.Persistence.Type == "" {
		l.Slave.Persistence.Type = "memory"
	}
	for j := range l.Master.Polls {
		if l.Master.Polls[j].Interval == 0 {
			l.Master.Polls[j].Interval = time.Second
		}
	}
	fixupSerial(&l.Serial)
	return nil
}

func fixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	if s.Parity == "" {
		s.Parity = "E"
	}
	if s.BaudRate == 0 {
		s.BaudRate = 19200
	}
	if s.DataBits == 0 {
		s.DataBits = 8
	}
	if s.StopBits == 0 {
		s.StopBits = 1
	}
	if s.Timeout == 0 {
		s.Timeout = 100 * time.Millisecond
	}
}
