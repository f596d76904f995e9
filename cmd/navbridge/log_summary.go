package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"navbridge/internal/decoder"
	"navbridge/internal/replay"
	"navbridge/internal/speedmap"
)

type logSummary struct {
	Segments    int
	Payloads    int
	Invalid     int
	MaxDuration time.Duration
	KindCounts  map[string]int
	// UnknownCodes counts discriminator values the decoder ignores.
	UnknownCodes map[int]int
}

func summarizePayloadLog(records []replay.Record) logSummary {
	s := logSummary{KindCounts: map[string]int{}, UnknownCodes: map[int]int{}}
	if len(records) == 0 {
		return s
	}

	d := decoder.New(speedmap.New())
	origin := time.Duration(0)
	hasPayloads := false
	segments := 0

	for _, r := range records {
		if r.Payload == nil {
			segments++
			origin = r.At
			continue
		}
		hasPayloads = true

		s.Payloads++
		at := r.At - origin
		if at < 0 {
			at = 0
		}
		if at > s.MaxDuration {
			s.MaxDuration = at
		}

		p, err := decoder.ParsePayload(r.Payload)
		if err != nil {
			s.Invalid++
			continue
		}
		res := d.Decode(p)
		s.KindCounts[res.Kind.String()]++
		if res.Kind == decoder.KindUnknown {
			s.UnknownCodes[res.Code]++
		}
	}
	if segments == 0 && hasPayloads {
		segments = 1
	}
	s.Segments = segments

	return s
}

func printLogSummary(w io.Writer, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	recs, err := replay.ReadFile(path)
	if err != nil {
		return err
	}

	s := summarizePayloadLog(recs)

	fmt.Fprintf(w, "path: %s\n", path)
	fmt.Fprintf(w, "segments: %d\n", s.Segments)
	fmt.Fprintf(w, "payloads: %d\n", s.Payloads)
	fmt.Fprintf(w, "invalid_payloads: %d\n", s.Invalid)
	fmt.Fprintf(w, "max_duration: %s\n", s.MaxDuration)

	kinds := make([]string, 0, len(s.KindCounts))
	for k := range s.KindCounts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	fmt.Fprintf(w, "kind_counts:\n")
	for _, k := range kinds {
		fmt.Fprintf(w, "  %s: %d\n", k, s.KindCounts[k])
	}

	if len(s.UnknownCodes) > 0 {
		codes := make([]int, 0, len(s.UnknownCodes))
		for c := range s.UnknownCodes {
			codes = append(codes, c)
		}
		sort.Ints(codes)
		fmt.Fprintf(w, "unknown_codes:\n")
		for _, c := range codes {
			fmt.Fprintf(w, "  %d: %d\n", c, s.UnknownCodes[c])
		}
	}
	return nil
}
