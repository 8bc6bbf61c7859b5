package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StreamID is a parsed "<ms>-<seq>" log ID.
type StreamID struct {
	Ms  uint64
	Seq uint64
}

// ParseStreamID accepts "<ms>-<seq>" and the short form "<ms>" (seq 0).
func ParseStreamID(s string) (StreamID, error) {
	msPart, seqPart, hasSeq := strings.Cut(s, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("invalid stream id %q", s)
	}
	var seq uint64
	if hasSeq {
		seq, err = strconv.ParseUint(seqPart, 10, 64)
		if err != nil {
			return StreamID{}, fmt.Errorf("invalid stream id %q", s)
		}
	}
	return StreamID{Ms: ms, Seq: seq}, nil
}

func (id StreamID) String() string {
	return strconv.FormatUint(id.Ms, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// Compare returns -1, 0 or 1.
func (id StreamID) Compare(other StreamID) int {
	switch {
	case id.Ms < other.Ms:
		return -1
	case id.Ms > other.Ms:
		return 1
	case id.Seq < other.Seq:
		return -1
	case id.Seq > other.Seq:
		return 1
	}
	return 0
}

// Time is the wall-clock part of the ID.
func (id StreamID) Time() time.Time {
	return time.UnixMilli(int64(id.Ms))
}
