package endpoint

import (
	"fmt"
	"strconv"
	"strings"
)

// Well-known local ids. Dynamic endpoints start at FirstDynamicID.
const (
	ManagerID      uint32 = 1
	RingID         uint32 = 2
	StabilizerID   uint32 = 3
	CoordinatorID  uint32 = 4
	LauncherID     uint32 = 5
	FirstDynamicID uint32 = 16
)

// ID addresses an endpoint as ip:port:localid.
type ID struct {
	Addr  string `json:"addr"`
	Local uint32 `json:"local"`
}

// IsZero reports whether id is the null endpoint.
func (id ID) IsZero() bool {
	return id.Addr == "" && id.Local == 0
}

func (id ID) String() string {
	if id.IsZero() {
		return "-"
	}
	return id.Addr + ":" + strconv.FormatUint(uint64(id.Local), 10)
}

// ParseID parses the "host:port:localid" form produced by String.
func ParseID(s string) (ID, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return ID{}, fmt.Errorf("invalid endpoint id %q", s)
	}
	local, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return ID{}, fmt.Errorf("invalid endpoint id %q: %w", s, err)
	}
	addr := s[:i]
	if !strings.Contains(addr, ":") {
		return ID{}, fmt.Errorf("invalid endpoint id %q: missing port", s)
	}
	return ID{Addr: addr, Local: uint32(local)}, nil
}

// MustParseID is ParseID for tests and constants.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}
