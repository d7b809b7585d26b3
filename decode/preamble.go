package decode

import (
	"bufio"
	"errors"
	"strconv"
	"strings"
)

// Preamble describes the scale and timebase of an oscilloscope waveform.
// It is parsed from the "KEY: value" lines of a waveform descriptor.
type Preamble struct {
	HorizInterval   float64 // seconds per point
	HorizOffset     float64 // seconds of the first point relative to trigger
	VerticalGain    float64 // volts per code
	VerticalOffset  float64 // volts subtracted after scaling
	PointsPerScreen int
	MaxValue        float64
	MinValue        float64
	Fields          map[string]string // every pair in the descriptor, keys upper case
}

var requiredPreambleKeys = []string{
	"HORIZ_INTERVAL", "VERTICAL_GAIN", "VERTICAL_OFFSET",
	"PNTS_PER_SCREEN", "MAX_VALUE", "MIN_VALUE",
}

// ParsePreamble parses a waveform descriptor, either the full INSPECT?
// WAVEDESC text or single-key INSPECT? responses joined by newlines. Lines
// without a colon, the response echo ("C1:INSP") and surrounding quotes are
// ignored. Values may carry trailing units or quotes. All keys in
// requiredPreambleKeys must be present and numeric.
func ParsePreamble(text string) (*Preamble, error) {
	p := &Preamble{Fields: make(map[string]string)}
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		text := scanner.Text()
		// Drop the `C1:INSP "` response echo, which may share a line with an entry.
		if i := strings.Index(strings.ToUpper(text), `INSP "`); i >= 0 {
			text = text[i+len(`INSP "`):]
		}
		line := strings.TrimSpace(strings.Trim(strings.TrimSpace(text), "\""))
		idx := strings.Index(line, ":")
		if idx <= 0 {
			continue
		}
		key := strings.ToUpper(strings.TrimSpace(line[:idx]))
		value := strings.Trim(strings.TrimSpace(line[idx+1:]), "\"")
		if strings.ContainsAny(key, " \t") {
			continue
		}
		p.Fields[key] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, &FormatError{Field: "preamble", Err: err}
	}

	values := make(map[string]float64, len(requiredPreambleKeys))
	for _, key := range requiredPreambleKeys {
		raw, ok := p.Fields[key]
		if !ok {
			return nil, &FormatError{Field: "preamble", Value: key, Err: errors.New("missing key")}
		}
		v, err := parseNumber(raw)
		if err != nil {
			return nil, &FormatError{Field: key, Value: raw, Err: err}
		}
		values[key] = v
	}
	p.HorizInterval = values["HORIZ_INTERVAL"]
	p.VerticalGain = values["VERTICAL_GAIN"]
	p.VerticalOffset = values["VERTICAL_OFFSET"]
	p.PointsPerScreen = int(values["PNTS_PER_SCREEN"])
	p.MaxValue = values["MAX_VALUE"]
	p.MinValue = values["MIN_VALUE"]
	if raw, ok := p.Fields["HORIZ_OFFSET"]; ok {
		if v, err := parseNumber(raw); err == nil {
			p.HorizOffset = v
		}
	}
	return p, nil
}

// parseNumber parses the leading number of s, so "1.2e-3 V" is allowed.
func parseNumber(s string) (float64, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, errors.New("empty value")
	}
	return strconv.ParseFloat(fields[0], 64)
}

// TotalPoints is the number of points on one screen.
func (p *Preamble) TotalPoints() int {
	return p.PointsPerScreen
}

// TimeAxis returns the time in seconds of each of n points.
func (p *Preamble) TimeAxis(n int) []float64 {
	t := make([]float64, n)
	for i := range t {
		t[i] = p.HorizOffset + float64(i)*p.HorizInterval
	}
	return t
}

// VoltRange returns the lowest and highest volts representable on screen.
func (p *Preamble) VoltRange() (float64, float64) {
	return p.MinValue*p.VerticalGain - p.VerticalOffset, p.MaxValue*p.VerticalGain - p.VerticalOffset
}
