package store

import "testing"

func TestParseStreamID(t *testing.T) {
	tests := []struct {
		in      string
		want    StreamID
		wantErr bool
	}{
		{in: "0", want: StreamID{}},
		{in: "0-0", want: StreamID{}},
		{in: "1700000000000-3", want: StreamID{Ms: 1700000000000, Seq: 3}},
		{in: "42", want: StreamID{Ms: 42}},
		{in: "$", wantErr: true},
		{in: "abc-1", wantErr: true},
		{in: "1-x", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseStreamID(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseStreamID(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseStreamID(%q): unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseStreamID(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestStreamIDCompare(t *testing.T) {
	a := StreamID{Ms: 5, Seq: 1}
	b := StreamID{Ms: 5, Seq: 2}
	c := StreamID{Ms: 6}

	if a.Compare(b) != -1 || b.Compare(a) != 1 {
		t.Error("sequence ordering broken")
	}
	if b.Compare(c) != -1 {
		t.Error("millisecond ordering broken")
	}
	if a.Compare(a) != 0 {
		t.Error("equal ids must compare 0")
	}
	if a.String() != "5-1" {
		t.Errorf("String() = %q, want 5-1", a.String())
	}
}

func TestStreamKey(t *testing.T) {
	if got := StreamKey("", "chat"); got != "chat" {
		t.Errorf("StreamKey without prefix = %q, want chat", got)
	}
	if got := StreamKey("relay", "chat"); got != "relay:chat" {
		t.Errorf("StreamKey with prefix = %q, want relay:chat", got)
	}
}
