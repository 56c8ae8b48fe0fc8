// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package station

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ffutop/modbus-rtu/modbus"
	"github.com/ffutop/modbus-rtu/transport/rtu"
)

// Runner is one role running on a link until its context ends.
type Runner interface {
	Run(ctx context.Context) error
}

// Unit is an initialized link together with the role running on it.
type Unit struct {
	Name          string
	Link          *rtu.Link
	Runner        Runner
	StatsInterval time.Duration
	// Close releases resources owned by the runner, such as storage.
	Close func() error
}

// Station runs every configured link.
type Station struct {
	Units []Unit
}

// ParseSlaveIDs parses a list of slave IDs such as "1,2,5-10". ID 0 is the
// broadcast address.
func ParseSlaveIDs(input string) ([]byte, error) {
	var ids []byte
	for _, part := range strings.Split(input, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := parseID(lo)
		if err != nil {
			return nil, err
		}
		end := start
		if isRange {
			if end, err = parseID(hi); err != nil {
				return nil, err
			}
			if start > end {
				return nil, fmt.Errorf("start of range %d is greater than end %d", start, end)
			}
		}
		for i := start; i <= end; i++ {
			ids = append(ids, byte(i))
		}
	}
	return ids, nil
}

func parseID(s string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", s, err)
	}
	if id < 0 || id > modbus.MaxSlaveID {
		return 0, fmt.Errorf("%w: %d", modbus.ErrInvalidID, id)
	}
	return id, nil
}

// Start runs every unit and blocks until ctx ends, then closes the links.
func (s *Station) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, u := range s.Units {
		wg.Add(1)
		go func(u Unit) {
			defer wg.Done()
			slog.Info("Starting link", "link", u.Name, "master", u.Link.IsMaster())
			if err := u.Runner.Run(ctx); err != nil {
				slog.Error("Link stopped with error", "link", u.Name, "err", err)
			}
		}(u)
		if u.StatsInterval > 0 {
			wg.Add(1)
			go func(u Unit) {
				defer wg.Done()
				ReportStats(ctx, u.Name, u.Link, u.StatsInterval)
			}(u)
		}
	}

	<-ctx.Done()

	// Graceful shutdown
	for _, u := range s.Units {
		if err := u.Link.Close(); err != nil {
			slog.Warn("Failed to close link", "link", u.Name, "err", err)
		}
	}
	wg.Wait()
	for _, u := range s.Units {
		if u.Close != nil {
			if err := u.Close(); err != nil {
				slog.Warn("Failed to release link resources", "link", u.Name, "err", err)
			}
		}
	}
	return nil
}

// ReportStats logs the link counters every interval until ctx ends.
func ReportStats(ctx context.Context, name string, link *rtu.Link, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := link.Stats()
			slog.Info("Link statistics", "link", name,
				"frames", st.FramesReceived, "crc_errors", st.CRCErrors, "framing_errors", st.FramingErrors,
				"overruns", st.Overruns, "dropped_bytes", st.DroppedBytes, "stray", st.StrayFrames,
				"timeouts", st.Timeouts, "requests", st.RequestsSent, "responses", st.ResponsesSent,
				"exceptions_sent", st.ExceptionsSent, "exceptions_received", st.ExceptionsReceived)
		}
	}
}
