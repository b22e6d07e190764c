// Package protocol implements the tagged text packet exchanged between
// per-command reporters and the Recorder.
//
// A packet is a sequence of [#NAME#]VALUE segments. NAME is made of
// letters, digits and underscores; VALUE runs up to the next header or
// the end of input and may span lines. The time tag carries two
// comma-separated triples split by a semicolon.
package protocol

import (
	"bytes"
	"errors"
	"maps"
	"sort"
	"strconv"
	"strings"
)

// Recognized tag names.
const (
	TagExit    = "exit"
	TagCommand = "cmd"
	TagStdout  = "out"
	TagStderr  = "err"
	TagTime    = "time"
)

// MaxPacketLen is the reference packet size limit. Reporters keep their
// packets within it and the Recorder reads at most this many bytes per
// connection unless configured otherwise.
const MaxPacketLen = 9580

var canonicalOrder = []string{TagExit, TagCommand, TagStdout, TagStderr, TagTime}

var (
	errDuplicateTag   = errors.New("duplicate tag")
	errMissingCommand = errors.New("missing cmd tag")
)

// Packet is a decoded payload. Fields holds every tag verbatim, including
// unknown ones; Time is the parsed time tag, nil when absent.
type Packet struct {
	Fields map[string]string
	Time   *Timing
}

// Decode parses a payload. Input without any header yields an empty
// packet and no error. Duplicate tags and unparsable time payloads are
// reported as *DecodeError.
func Decode(data []byte) (*Packet, error) {
	p := &Packet{Fields: make(map[string]string)}
	s := string(data)

	start, name, end, ok := nextHeader(s, 0)
	for ok {
		nextStart, nextName, nextEnd, nextOK := nextHeader(s, end)
		valueEnd := len(s)
		if nextOK {
			valueEnd = nextStart
		}
		value := s[end:valueEnd]

		if _, dup := p.Fields[name]; dup {
			return nil, &DecodeError{Tag: name, Offset: start, Err: errDuplicateTag}
		}
		p.Fields[name] = value

		if name == TagTime {
			t, err := ParseTiming(value)
			if err != nil {
				return nil, &DecodeError{Tag: name, Offset: start, Err: err}
			}
			p.Time = &t
		}

		start, name, end, ok = nextStart, nextName, nextEnd, nextOK
	}
	return p, nil
}

// nextHeader finds the first well-formed [#NAME#] at or after from. A "[#"
// that does not open a valid header belongs to the surrounding value.
func nextHeader(s string, from int) (start int, name string, end int, ok bool) {
	for i := from; i < len(s); {
		j := strings.Index(s[i:], "[#")
		if j < 0 {
			return 0, "", 0, false
		}
		start = i + j
		k := start + 2
		for k < len(s) && isNameByte(s[k]) {
			k++
		}
		if k > start+2 && strings.HasPrefix(s[k:], "#]") {
			return start, s[start+2 : k], k + 2, true
		}
		i = start + 1
	}
	return 0, "", 0, false
}

func isNameByte(c byte) bool {
	return c == '_' || ('0' <= c && c <= '9') || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

// Empty reports whether the packet carries no tags at all.
func (p *Packet) Empty() bool {
	return len(p.Fields) == 0
}

// Get returns the raw value of a tag.
func (p *Packet) Get(tag string) (string, bool) {
	v, ok := p.Fields[tag]
	return v, ok
}

// Command returns the cmd tag value, or "" when absent.
func (p *Packet) Command() string {
	return p.Fields[TagCommand]
}

// ExitCode parses the exit tag. It returns nil when the tag is absent.
func (p *Packet) ExitCode() (*int, error) {
	v, ok := p.Fields[TagExit]
	if !ok {
		return nil, nil
	}
	code, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return nil, &DecodeError{Tag: TagExit, Err: err}
	}
	return &code, nil
}

// Unknown returns the tags that are not part of the recognized set.
func (p *Packet) Unknown() map[string]string {
	var out map[string]string
	for k, v := range p.Fields {
		if isRecognized(k) {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[k] = v
	}
	return out
}

// Validate checks that the packet can be acted on: it must carry a cmd
// tag, and an exit tag, if present, must be an integer.
func (p *Packet) Validate() error {
	if _, ok := p.Fields[TagCommand]; !ok {
		return &DecodeError{Err: errMissingCommand}
	}
	if _, err := p.ExitCode(); err != nil {
		return err
	}
	return nil
}

func isRecognized(tag string) bool {
	for _, t := range canonicalOrder {
		if t == tag {
			return true
		}
	}
	return false
}

// Encode renders fields as a payload: recognized tags first in reporter
// order (exit, cmd, out, err, time), then unknown tags sorted by name.
func Encode(fields map[string]string) []byte {
	var b bytes.Buffer
	for _, tag := range orderedTags(fields) {
		b.WriteString("[#")
		b.WriteString(tag)
		b.WriteString("#]")
		b.WriteString(fields[tag])
	}
	return b.Bytes()
}

func orderedTags(fields map[string]string) []string {
	tags := make([]string, 0, len(fields))
	for _, t := range canonicalOrder {
		if _, ok := fields[t]; ok {
			tags = append(tags, t)
		}
	}
	var extra []string
	for t := range fields {
		if !isRecognized(t) {
			extra = append(extra, t)
		}
	}
	sort.Strings(extra)
	return append(tags, extra...)
}

// EncodeLimit encodes fields within limit bytes. When the payload is too
// large the tails of out and err are trimmed, longest first, so cmd and
// time survive. A limit <= 0 means no limit. The second result reports
// whether anything was trimmed.
func EncodeLimit(fields map[string]string, limit int) ([]byte, bool) {
	data := Encode(fields)
	if limit <= 0 || len(data) <= limit {
		return data, false
	}

	trimmed := maps.Clone(fields)
	excess := len(data) - limit
	for excess > 0 {
		tag := TagStdout
		if len(trimmed[TagStderr]) > len(trimmed[TagStdout]) {
			tag = TagStderr
		}
		v := trimmed[tag]
		if v == "" {
			break
		}
		cut := min(excess, len(v))
		trimmed[tag] = strings.ToValidUTF8(v[:len(v)-cut], "")
		excess -= cut
	}

	data = Encode(trimmed)
	if len(data) > limit {
		data = data[:limit]
	}
	return data, true
}
