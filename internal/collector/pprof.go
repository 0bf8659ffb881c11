package collector

import (
	"errors"
	"fmt"
	"io"
	"time"

	pprofProfile "github.com/google/pprof/profile"

	"github.com/coral-mesh/scopewire/internal/safe"
)

// ErrEmptyProfile is returned by WriteProfile when there is nothing to export.
var ErrEmptyProfile = errors.New("collector: no completed scopes")

// BuildProfile converts scope stats into a pprof profile with one synthetic
// function per scope. Each sample carries the run count and the total wall
// time in nanoseconds.
func BuildProfile(rows []Stat, duration time.Duration) (*pprofProfile.Profile, error) {
	if len(rows) == 0 {
		return nil, ErrEmptyProfile
	}

	prof := &pprofProfile.Profile{
		SampleType: []*pprofProfile.ValueType{
			{Type: "scopes", Unit: "count"},
			{Type: "wall", Unit: "nanoseconds"},
		},
		DefaultSampleType: "wall",
		PeriodType:        &pprofProfile.ValueType{Type: "wall", Unit: "nanoseconds"},
		Period:            1,
		TimeNanos:         time.Now().Add(-duration).UnixNano(),
		DurationNanos:     duration.Nanoseconds(),
	}

	for i, row := range rows {
		id := uint64(i + 1)
		fn := &pprofProfile.Function{
			ID:         id,
			Name:       row.Name,
			SystemName: row.Name,
		}
		loc := &pprofProfile.Location{
			ID:   id,
			Line: []pprofProfile.Line{{Function: fn}},
		}
		prof.Function = append(prof.Function, fn)
		prof.Location = append(prof.Location, loc)

		count, _ := safe.Uint64ToInt64(row.Count)
		prof.Sample = append(prof.Sample, &pprofProfile.Sample{
			Location: []*pprofProfile.Location{loc},
			Value:    []int64{count, row.Total.Nanoseconds()},
		})
	}

	if err := prof.CheckValid(); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	return prof, nil
}

// WriteProfile writes the gzip-compressed pprof encoding of rows to w.
func WriteProfile(w io.Writer, rows []Stat, duration time.Duration) error {
	prof, err := BuildProfile(rows, duration)
	if err != nil {
		return err
	}
	if err := prof.Write(w); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return nil
}
