// Package music parses chat request text into playable note progressions.
//
// Grammar (whitespace separated):
//
//	[n/d] chord chord ...
//	chord = note{-note}[/beats]
//	note  = [A-G][#b]?[0-9]    (C4 = 60)
//
// A leading n/d token sets the time signature; it is only sent to the
// device when custom time signatures are allowed.
package music

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// DefaultLoopBeats is the chord length for background loops.
	DefaultLoopBeats = 4
	// DefaultChordBeats is the chord length for priority chords.
	DefaultChordBeats = 1

	MaxChords = 64
	MaxBeats  = 64
)

var (
	ErrEmpty                = errors.New("empty progression")
	ErrInvalidNote          = errors.New("invalid note")
	ErrInvalidBeats         = errors.New("invalid beats")
	ErrInvalidTimeSignature = errors.New("invalid time signature")
	ErrTooManyChords        = errors.New("too many chords")
)

type TimeSignature struct {
	Numerator   uint8
	Denominator uint8
}

// DefaultTimeSignature is 4/4.
var DefaultTimeSignature = TimeSignature{Numerator: 4, Denominator: 4}

func (ts TimeSignature) String() string { return fmt.Sprintf("%d/%d", ts.Numerator, ts.Denominator) }

// TimeSignatureCC names the control change numbers carrying the time signature.
type TimeSignatureCC struct {
	Numerator   uint8
	Denominator uint8
}

type Chord struct {
	Notes []uint8
	Beats float64
}

type Progression struct {
	TimeSignature TimeSignature
	Chords        []Chord
}

// TotalBeats sums the beats of every chord.
func (p Progression) TotalBeats() float64 {
	var sum float64
	for _, c := range p.Chords {
		sum += c.Beats
	}
	return sum
}

var pitchClass = map[byte]int{'C': 0, 'D': 2, 'E': 4, 'F': 5, 'G': 7, 'A': 9, 'B': 11}

// ParseNote converts a note name such as "C4", "F#3" or "Bb2" to a MIDI note number.
func ParseNote(s string) (uint8, error) {
	if len(s) < 2 || len(s) > 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNote, s)
	}
	pc, ok := pitchClass[upper(s[0])]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNote, s)
	}
	rest := s[1:]
	if len(rest) == 2 {
		switch rest[0] {
		case '#':
			pc++
		case 'b':
			pc--
		default:
			return 0, fmt.Errorf("%w: %q", ErrInvalidNote, s)
		}
		rest = rest[1:]
	}
	if rest[0] < '0' || rest[0] > '9' {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNote, s)
	}
	octave := int(rest[0] - '0')
	n := 12*(octave+1) + pc
	if n < 0 || n > 127 {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalidNote, s)
	}
	return uint8(n), nil
}

func upper(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - 'a' + 'A'
	}
	return b
}

// Parse reads a progression; chords without an explicit /beats get defaultBeats.
func Parse(text string, defaultBeats float64) (Progression, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Progression{}, ErrEmpty
	}

	p := Progression{TimeSignature: DefaultTimeSignature}
	if ts, ok, err := parseTimeSignature(fields[0]); err != nil {
		return Progression{}, err
	} else if ok {
		p.TimeSignature = ts
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return Progression{}, ErrEmpty
	}
	if len(fields) > MaxChords {
		return Progression{}, fmt.Errorf("%w: %d > %d", ErrTooManyChords, len(fields), MaxChords)
	}

	p.Chords = make([]Chord, 0, len(fields))
	for _, f := range fields {
		c, err := parseChord(f, defaultBeats)
		if err != nil {
			return Progression{}, err
		}
		p.Chords = append(p.Chords, c)
	}
	return p, nil
}

func parseChord(tok string, defaultBeats float64) (Chord, error) {
	notesPart, beatsPart, hasBeats := strings.Cut(tok, "/")
	c := Chord{Beats: defaultBeats}
	if hasBeats {
		b, err := strconv.ParseFloat(beatsPart, 64)
		if err != nil || b <= 0 || b > MaxBeats {
			return Chord{}, fmt.Errorf("%w: %q", ErrInvalidBeats, tok)
		}
		c.Beats = b
	}
	for _, ns := range strings.Split(notesPart, "-") {
		n, err := ParseNote(ns)
		if err != nil {
			return Chord{}, err
		}
		c.Notes = append(c.Notes, n)
	}
	return c, nil
}

// parseTimeSignature reports ok=false when tok is not shaped like n/d.
func parseTimeSignature(tok string) (TimeSignature, bool, error) {
	ns, ds, found := strings.Cut(tok, "/")
	if !found {
		return TimeSignature{}, false, nil
	}
	n, err1 := strconv.Atoi(ns)
	d, err2 := strconv.Atoi(ds)
	if err1 != nil || err2 != nil {
		return TimeSignature{}, false, nil
	}
	if n < 1 || n > 32 || d < 1 || d > 32 || d&(d-1) != 0 {
		return TimeSignature{}, false, fmt.Errorf("%w: %q", ErrInvalidTimeSignature, tok)
	}
	return TimeSignature{Numerator: uint8(n), Denominator: uint8(d)}, true, nil
}

// Normalize collapses whitespace so equivalent requests share a tag.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
