// Package protocol defines the local socket message catalog and frame codec.
package protocol

import (
	"fmt"
	"strconv"
)

// EmptyMessageTypeName fills catalog slots below the schema's minimum code
const EmptyMessageTypeName = "EmptyMessageType"

// MessageCatalog maps numeric message type codes to names for diagnostics.
// It is immutable once built and safe to share between connections.
type MessageCatalog struct {
	names []string
}

// BuildMessageCatalog lays out names so that index i holds the name of code i.
// Codes below minCode are padded with EmptyMessageTypeName. names is read until
// its end or the first empty string, which acts as a terminator. The result must
// contain exactly maxCode+1 entries.
func BuildMessageCatalog(names []string, minCode, maxCode int) (*MessageCatalog, error) {
	if minCode < 0 || maxCode < minCode {
		return nil, fmt.Errorf("invalid message type range [%d, %d]", minCode, maxCode)
	}

	table := make([]string, 0, maxCode+1)
	for i := 0; i < minCode; i++ {
		table = append(table, EmptyMessageTypeName)
	}
	for _, name := range names {
		if name == "" {
			break
		}
		table = append(table, name)
	}

	if len(table) != maxCode+1 {
		return nil, fmt.Errorf("message type mismatch: range [%d, %d] needs %d entries, schema provides %d",
			minCode, maxCode, maxCode+1, len(table))
	}

	return &MessageCatalog{names: table}, nil
}

// MustBuildMessageCatalog is BuildMessageCatalog for process start. A mismatch
// means the schema and the declared range disagree, which no caller can recover
// from, so it panics.
func MustBuildMessageCatalog(names []string, minCode, maxCode int) *MessageCatalog {
	c, err := BuildMessageCatalog(names, minCode, maxCode)
	if err != nil {
		panic(err)
	}
	return c
}

// Name returns the name for code
func (c *MessageCatalog) Name(code int64) string {
	if code < 0 || code >= int64(len(c.names)) {
		return "UnknownMessageType(" + strconv.FormatInt(code, 10) + ")"
	}
	return c.names[code]
}

// Len returns the number of entries, which is max code + 1
func (c *MessageCatalog) Len() int {
	return len(c.names)
}
