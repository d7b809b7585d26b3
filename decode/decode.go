// Package decode translates raw instrument waveform blocks into sample values
// in physical units (volts).
//
// Two encodings are supported. The DAQ encoding is a fixed 10-byte header
// ("#8" plus an 8-digit byte count) followed by little-endian 16-bit codes in a
// sign-relative fixed-point format. The oscilloscope encoding is an IEEE 488.2
// definite-length block of signed 8-bit codes, scaled by a gain and offset read
// from a separate textual preamble.
package decode

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Variant selects the decode strategy of an instrument.
type Variant int

// Names for the possible values of Variant
const (
	DAC16bit  Variant = iota // 16-bit sign-relative codes, multi-channel interleave
	Scope8bit                // signed 8-bit codes with gain and offset
)

func (v Variant) String() string {
	switch v {
	case DAC16bit:
		return "DAC16"
	case Scope8bit:
		return "SCOPE8"
	}
	return fmt.Sprintf("Variant(%d)", int(v))
}

// ParseVariant converts a name such as "dac16" or "scope8" into a Variant.
func ParseVariant(name string) (Variant, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DAC16", "DAC16BIT", "DAQ":
		return DAC16bit, nil
	case "SCOPE8", "SCOPE8BIT", "SCOPE":
		return Scope8bit, nil
	}
	return DAC16bit, fmt.Errorf("instrument variant %q is not recognized (want DAC16 or SCOPE8)", name)
}

// ScanList is the ordered list of channel ids sampled by the DAQ. Its order is
// also the interleave order of samples within a raw block.
type ScanList []int

// ErrEmptyScanList is returned when decoding needs a scan list and has none.
var ErrEmptyScanList = errors.New("scan list is empty")

// Validate checks that the scan list is non-empty and has no repeated channel.
func (sl ScanList) Validate() error {
	if len(sl) == 0 {
		return ErrEmptyScanList
	}
	seen := make(map[int]bool, len(sl))
	for _, ch := range sl {
		if seen[ch] {
			return fmt.Errorf("scan list %v repeats channel %d", []int(sl), ch)
		}
		seen[ch] = true
	}
	return nil
}

// SCPI renders the scan list as a channel-list parameter, e.g. "(@101,102)".
func (sl ScanList) SCPI() string {
	parts := make([]string, len(sl))
	for i, ch := range sl {
		parts[i] = strconv.Itoa(ch)
	}
	return "(@" + strings.Join(parts, ",") + ")"
}

// Index returns the position of channel ch in the scan list, or -1.
func (sl ScanList) Index(ch int) int {
	for i, c := range sl {
		if c == ch {
			return i
		}
	}
	return -1
}

// The DAQ header is 2 ignored bytes ("#8") then an 8-digit byte count.
const (
	headerOffset = 2
	headerWidth  = 8
	headerLength = headerOffset + headerWidth
)

// FormatError reports a raw block or preamble that does not parse.
type FormatError struct {
	Field string
	Value string
	Err   error
}

func (e *FormatError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("format error in %s %q: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("format error in %s: %v", e.Field, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// IsFormatError tells whether err (or anything it wraps) is a FormatError.
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

// ParseHeader reads the fixed-width DAQ header and returns exactly the
// declared payload. A payload shorter than declared is an error.
func ParseHeader(raw []byte) ([]byte, error) {
	if len(raw) < headerLength {
		return nil, &FormatError{Field: "block header", Value: string(raw),
			Err: fmt.Errorf("block is %d bytes, want at least %d", len(raw), headerLength)}
	}
	field := string(raw[headerOffset:headerLength])
	byteCount, err := strconv.Atoi(strings.TrimSpace(field))
	if err != nil {
		return nil, &FormatError{Field: "byte count", Value: field, Err: err}
	}
	if byteCount < 0 {
		return nil, &FormatError{Field: "byte count", Value: field, Err: errors.New("negative byte count")}
	}
	if have := len(raw) - headerLength; have < byteCount {
		return nil, &FormatError{Field: "payload", Value: field,
			Err: fmt.Errorf("payload has %d bytes, header declares %d", have, byteCount)}
	}
	return raw[headerLength : headerLength+byteCount], nil
}

// Code16 converts one 16-bit DAQ code into volts for a channel of range scale.
// With the most significant bit clear the code maps to the upper half of the
// range, (code/65536 + 0.5)*scale; with it set the low 15 bits map to the lower
// half, (code&0x7FFF)/65536*scale. The result is always in [0, scale).
func Code16(code uint16, scale float64) float64 {
	if code&0x8000 == 0 {
		return (float64(code)/65536 + 0.5) * scale
	}
	return float64(code&0x7FFF) / 65536 * scale
}

// Encode16 is the inverse of Code16, used to synthesize instrument data.
// Values outside [0, scale) are clipped to the nearest representable code.
func Encode16(volts, scale float64) uint16 {
	if scale <= 0 {
		return 0x8000
	}
	frac := volts / scale
	if frac >= 0.5 {
		n := int((frac-0.5)*65536 + 0.5)
		if n > 0x7FFF {
			n = 0x7FFF
		}
		return uint16(n)
	}
	n := int(frac*65536 + 0.5)
	if n < 0 {
		n = 0
	}
	if n > 0x7FFF {
		n = 0x7FFF
	}
	return 0x8000 | uint16(n)
}

// DecodeDAC16 decodes a raw DAQ block into one slice per channel of scanlist.
// Sample i of the block belongs to channel i mod len(scanlist). A trailing
// odd byte is ignored.
func DecodeDAC16(raw []byte, scanlist ScanList, scale float64) ([][]float64, error) {
	if len(scanlist) == 0 {
		return nil, ErrEmptyScanList
	}
	payload, err := ParseHeader(raw)
	if err != nil {
		return nil, err
	}
	nsamp := len(payload) / 2
	flat := make([]float64, nsamp)
	for i := 0; i < nsamp; i++ {
		code := uint16(payload[2*i]) | uint16(payload[2*i+1])<<8
		flat[i] = Code16(code, scale)
	}
	return Demux(flat, len(scanlist)), nil
}

// Demux splits interleaved samples round-robin into nchan slices, keeping
// each channel's samples in their original order.
func Demux(flat []float64, nchan int) [][]float64 {
	if nchan <= 0 {
		return nil
	}
	out := make([][]float64, nchan)
	perChan := (len(flat) + nchan - 1) / nchan
	for c := range out {
		out[c] = make([]float64, 0, perChan)
	}
	for i, v := range flat {
		c := i % nchan
		out[c] = append(out[c], v)
	}
	return out
}

// ParseDefiniteBlock finds an IEEE 488.2 definite-length block ("#N" then N
// digits of byte count) anywhere in raw and returns its payload. Any ASCII
// prefix before the '#' is skipped.
func ParseDefiniteBlock(raw []byte) ([]byte, error) {
	start := strings.IndexByte(string(raw), '#')
	if start < 0 || start+2 > len(raw) {
		return nil, &FormatError{Field: "block header", Value: clip(raw),
			Err: errors.New("no '#' block marker")}
	}
	nd := raw[start+1]
	if nd < '1' || nd > '9' {
		return nil, &FormatError{Field: "block header", Value: clip(raw[start:]),
			Err: fmt.Errorf("digit count %q is not 1-9", nd)}
	}
	first := start + 2
	last := first + int(nd-'0')
	if last > len(raw) {
		return nil, &FormatError{Field: "block header", Value: clip(raw[start:]),
			Err: errors.New("header is truncated")}
	}
	field := string(raw[first:last])
	count, err := strconv.Atoi(field)
	if err != nil {
		return nil, &FormatError{Field: "byte count", Value: field, Err: err}
	}
	if have := len(raw) - last; have < count {
		return nil, &FormatError{Field: "payload", Value: field,
			Err: fmt.Errorf("payload has %d bytes, header declares %d", have, count)}
	}
	return raw[last : last+count], nil
}

// DecodeScope8 converts signed 8-bit codes into volts using the preamble's
// vertical gain and offset.
func DecodeScope8(payload []byte, p *Preamble) []float64 {
	out := make([]float64, len(payload))
	for i, b := range payload {
		out[i] = float64(int8(b))*p.VerticalGain - p.VerticalOffset
	}
	return out
}

func clip(b []byte) string {
	const maxlen = 24
	if len(b) > maxlen {
		return string(b[:maxlen]) + "..."
	}
	return string(b)
}
