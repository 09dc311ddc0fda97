package models

import (
	"strconv"
	"strings"
)

// PortKey renders the canonical "proto/port" form used across matrix cells,
// rules, and impact entries. Portless protocols (icmp, ip) render bare.
func PortKey(proto string, port uint16) string {
	if proto == "icmp" || proto == "ip" {
		return proto
	}
	return proto + "/" + strconv.Itoa(int(port))
}

// SplitPortKey is the inverse of PortKey. Malformed keys yield port 0.
func SplitPortKey(key string) (proto string, port uint16) {
	idx := strings.IndexByte(key, '/')
	if idx < 0 {
		return key, 0
	}
	proto = key[:idx]
	n, err := strconv.Atoi(key[idx+1:])
	if err != nil || n < 0 || n > 65535 {
		return proto, 0
	}
	return proto, uint16(n)
}
