package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/trailsense/fieldtrack/internal/wire"
)

// replaySource feeds the sampler from a JSON-lines file of readings,
// looping when it runs out. It stands in for the platform location
// capability so the daemon can run off-device.
type replaySource struct {
	mu       sync.Mutex
	readings []wire.PositionReading
	next     int
}

func newReplaySource(path string) (*replaySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src := &replaySource{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r wire.PositionReading
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("bad reading in %s: %w", path, err)
		}
		src.readings = append(src.readings, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(src.readings) == 0 {
		return nil, fmt.Errorf("replay file %s contains no readings", path)
	}
	return src, nil
}

func (s *replaySource) RequestPermissions(_ context.Context) (bool, error) {
	return true, nil
}

func (s *replaySource) Current(_ context.Context, _ bool) (wire.PositionReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.readings[s.next%len(s.readings)]
	s.next++
	r.CapturedAt = time.Now().UnixMilli()
	return r, nil
}
