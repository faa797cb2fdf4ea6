package opstore

import (
	"fmt"
	"strconv"
	"strings"
)

// ID identifies an operation. IDs are Lamport timestamps: a store's clock
// always advances past every ID it has integrated, so an operation created
// after observing another one orders after it.
type ID struct {
	Clock   uint64 `msgpack:"c"`
	Replica string `msgpack:"r"`
}

const rootReplicaPrefix = "root:"

// RootID returns the well-known ID of the named root type. Every replica
// derives the same ID, so root types need no coordination to be shared.
func RootID(name string) ID {
	return ID{Clock: 0, Replica: rootReplicaPrefix + name}
}

// IsRoot indicates the ID was produced by RootID.
func (id ID) IsRoot() bool {
	return id.Clock == 0 && strings.HasPrefix(id.Replica, rootReplicaPrefix)
}

// IsZero indicates the ID is unset.
func (id ID) IsZero() bool {
	return id.Clock == 0 && id.Replica == ""
}

// Compare returns -1 if id orders before other, 1 if after, and 0 if equal.
func (id ID) Compare(other ID) int {
	if id.Clock < other.Clock {
		return -1
	} else if id.Clock > other.Clock {
		return 1
	}
	return strings.Compare(id.Replica, other.Replica)
}

func (id ID) String() string {
	return strconv.FormatUint(id.Clock, 10) + "@" + id.Replica
}

// ParseID parses the String form of an ID.
func ParseID(s string) (ID, error) {
	i := strings.IndexByte(s, '@')
	if i < 0 {
		return ID{}, fmt.Errorf("parse id %q: missing '@'", s)
	}
	clock, err := strconv.ParseUint(s[:i], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("parse id %q: %w", s, err)
	}
	return ID{Clock: clock, Replica: s[i+1:]}, nil
}

func idPtr(id ID) *ID {
	return &id
}

