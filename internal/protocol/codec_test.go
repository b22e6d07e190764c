package protocol

import (
	"errors"
	"maps"
	"strings"
	"testing"
)

func TestDecode_ReporterPacket(t *testing.T) {
	payload := "[#exit#]0[#cmd#]g++ -c a.cc -o a.o [#out#][#err#]a.cc:1: warning: unused\n  int x;\n" +
		"[#time#]0.001000,0.004000,0.003000;1700000000.100000,1700000000.350000,0.250000"

	p, err := Decode([]byte(payload))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got := p.Command(); got != "g++ -c a.cc -o a.o " {
		t.Errorf("Command() = %q", got)
	}
	if got := p.Fields[TagStderr]; got != "a.cc:1: warning: unused\n  int x;\n" {
		t.Errorf("err = %q", got)
	}
	if got, ok := p.Get(TagStdout); !ok || got != "" {
		t.Errorf("out = %q, %v; want empty, present", got, ok)
	}

	code, err := p.ExitCode()
	if err != nil || code == nil || *code != 0 {
		t.Errorf("ExitCode() = %v, %v; want 0", code, err)
	}

	if p.Time == nil {
		t.Fatal("Time is nil")
	}
	if p.Time.Proc != (Triple{0.001, 0.004, 0.003}) {
		t.Errorf("Proc = %v", p.Time.Proc)
	}
	if p.Time.Real.Elapsed() != 0.25 {
		t.Errorf("Real elapsed = %v, want 0.25", p.Time.Real.Elapsed())
	}
	if err := p.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestDecode_EmptyAndTagless(t *testing.T) {
	for _, input := range []string{"", "no tags at all", "[#not a tag#]", "[##]x", "[#cmd"} {
		t.Run(input, func(t *testing.T) {
			p, err := Decode([]byte(input))
			if err != nil {
				t.Fatalf("Decode(%q) error = %v", input, err)
			}
			if !p.Empty() {
				t.Errorf("Decode(%q) = %v, want empty", input, p.Fields)
			}
			if err := p.Validate(); !errors.Is(err, ErrMalformedPacket) {
				t.Errorf("Validate() = %v, want ErrMalformedPacket", err)
			}
		})
	}
}

func TestDecode_OrderIndependentAndUnknownTags(t *testing.T) {
	p, err := Decode([]byte("[#host#]builder-3[#cmd#]ld a.o -o prog[#exit#]1"))
	if err != nil {
		t.Fatal(err)
	}
	if p.Command() != "ld a.o -o prog" {
		t.Errorf("Command() = %q", p.Command())
	}
	unknown := p.Unknown()
	if len(unknown) != 1 || unknown["host"] != "builder-3" {
		t.Errorf("Unknown() = %v", unknown)
	}
	if p.Time != nil {
		t.Errorf("Time = %v, want nil", p.Time)
	}
}

func TestDecode_LiteralMarkerInsideValue(t *testing.T) {
	p, err := Decode([]byte("[#cmd#]echo [# x[#out#]ok"))
	if err != nil {
		t.Fatal(err)
	}
	if p.Command() != "echo [# x" {
		t.Errorf("Command() = %q", p.Command())
	}
	if p.Fields[TagStdout] != "ok" {
		t.Errorf("out = %q", p.Fields[TagStdout])
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
		tag   string
	}{
		{"duplicate tag", "[#cmd#]a[#cmd#]b", TagCommand},
		{"one time group", "[#cmd#]a[#time#]1,2,3", TagTime},
		{"short triple", "[#cmd#]a[#time#]1,2;3,4,5", TagTime},
		{"non numeric", "[#cmd#]a[#time#]1,2,x;3,4,5", TagTime},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			if !errors.Is(err, ErrMalformedPacket) {
				t.Fatalf("Decode() error = %v, want ErrMalformedPacket", err)
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("error %T is not *DecodeError", err)
			}
			if de.Tag != tt.tag {
				t.Errorf("Tag = %q, want %q", de.Tag, tt.tag)
			}
		})
	}
}

func TestValidate_BadExitCode(t *testing.T) {
	p, err := Decode([]byte("[#cmd#]gcc[#exit#]oops"))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Validate(); !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("Validate() = %v, want ErrMalformedPacket", err)
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	cases := []map[string]string{
		{},
		{TagCommand: ":clear"},
		{
			TagExit:    "0",
			TagCommand: "g++ -c a.cc b.cc -o out.o ",
			TagStdout:  "line one\nline two\n",
			TagStderr:  "",
			TagTime:    FormatTiming(Timing{Proc: Triple{0, 0.5, 0.5}, Real: Triple{1700000000, 1700000000.5, 0.5}}),
		},
		{TagCommand: "x", "zeta": "1", "alpha": "multi\nline"},
	}

	for _, fields := range cases {
		p, err := Decode(Encode(fields))
		if err != nil {
			t.Fatalf("Decode(Encode(%v)): %v", fields, err)
		}
		if !maps.Equal(p.Fields, fields) {
			t.Errorf("round trip = %v, want %v", p.Fields, fields)
		}
	}
}

func TestEncode_CanonicalOrder(t *testing.T) {
	got := string(Encode(map[string]string{
		"zz":       "3",
		TagTime:    "0,0,0;0,0,0",
		TagCommand: "cc",
		TagExit:    "0",
		"aa":       "2",
	}))
	want := "[#exit#]0[#cmd#]cc[#time#]0,0,0;0,0,0[#aa#]2[#zz#]3"
	if got != want {
		t.Errorf("Encode() = %q, want %q", got, want)
	}
}

func TestEncodeLimit(t *testing.T) {
	fields := map[string]string{
		TagExit:    "1",
		TagCommand: "gcc -c big.c",
		TagStdout:  strings.Repeat("o", 100),
		TagStderr:  strings.Repeat("e", 5000),
		TagTime:    "0.1,0.2,0.1;1.0,2.0,1.0",
	}

	data, trimmed := EncodeLimit(fields, 1000)
	if !trimmed {
		t.Fatal("expected trimming")
	}
	if len(data) > 1000 {
		t.Fatalf("len = %d, want <= 1000", len(data))
	}
	p, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Command() != "gcc -c big.c" || p.Time == nil {
		t.Errorf("cmd/time lost: %v", p.Fields)
	}
	if p.Fields[TagStdout] != fields[TagStdout] {
		t.Error("shorter stream should be kept intact")
	}

	small, trimmed := EncodeLimit(map[string]string{TagCommand: "ld"}, 1000)
	if trimmed || string(small) != "[#cmd#]ld" {
		t.Errorf("EncodeLimit small = %q, %v", small, trimmed)
	}
}

func TestDecode_MaxLengthPacket(t *testing.T) {
	head := "[#cmd#]gcc -c a.c[#err#]"
	payload := head + strings.Repeat("w", MaxPacketLen-len(head))
	if len(payload) != MaxPacketLen {
		t.Fatalf("setup: len = %d", len(payload))
	}
	p, err := Decode([]byte(payload))
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Fields[TagStderr]) != MaxPacketLen-len(head) {
		t.Errorf("err length = %d", len(p.Fields[TagStderr]))
	}
}
