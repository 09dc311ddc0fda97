package sketch

import (
	"encoding/binary"
	"time"
)

// Binary codec for EndpointSketch. Layout, all integers little-endian:
//
//	magic "CES" + version byte
//	3 length-prefixed strings: endpoint id, switch id, device id
//	5 length-prefixed sub-sketch blobs (peers, services, ports HLL;
//	  port, service CMS)
//	5x uint64 counters, 2x int64 unix-second bounds, uint32 active hours,
//	  int32 local cluster id, uint64 version
//	enrichment: username, ise profile, device type strings, then a uint16
//	  group count followed by that many strings
//
// The same bytes travel in the binary sync frame, so edge and backend
// reconstruct register-identical sketches.

var cesHeader = []byte{'C', 'E', 'S', 1}

// zeroUnix is what time.Time{}.Unix() yields; it round-trips back to the
// zero Time so IsZero stays meaningful after decode.
const zeroUnix = -62135596800

func unixOrZero(sec int64) time.Time {
	if sec == zeroUnix {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func appendString(buf []byte, s string) []byte {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(s)))
	buf = append(buf, l[:]...)
	return append(buf, s...)
}

func appendBlob(buf, blob []byte) []byte {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(blob)))
	buf = append(buf, l[:]...)
	return append(buf, blob...)
}

type reader struct {
	data []byte
	off  int
	bad  bool
}

func (r *reader) bytes(n int) []byte {
	if r.bad || r.off+n > len(r.data) {
		r.bad = true
		return nil
	}
	out := r.data[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) u32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) str() string {
	n := r.u32()
	if n > uint32(len(r.data)) {
		r.bad = true
		return ""
	}
	return string(r.bytes(int(n)))
}

func (r *reader) blob() []byte {
	n := r.u32()
	if n > uint32(len(r.data)) {
		r.bad = true
		return nil
	}
	return r.bytes(int(n))
}

// Serialize encodes the full sketch, register state included.
func (s *EndpointSketch) Serialize() []byte {
	buf := make([]byte, 0, s.MemoryFootprint())
	buf = append(buf, cesHeader...)

	buf = appendString(buf, s.EndpointID)
	buf = appendString(buf, s.SwitchID)
	buf = appendString(buf, s.DeviceID)

	buf = appendBlob(buf, s.UniquePeers.Serialize())
	buf = appendBlob(buf, s.UniqueServices.Serialize())
	buf = appendBlob(buf, s.UniquePorts.Serialize())
	buf = appendBlob(buf, s.PortFrequency.Serialize())
	buf = appendBlob(buf, s.ServiceFrequency.Serialize())

	var scratch [8]byte
	for _, v := range []uint64{s.BytesIn, s.BytesOut, s.PacketsIn, s.PacketsOut, s.FlowCount} {
		binary.LittleEndian.PutUint64(scratch[:], v)
		buf = append(buf, scratch[:]...)
	}
	binary.LittleEndian.PutUint64(scratch[:], uint64(s.FirstSeen.Unix()))
	buf = append(buf, scratch[:]...)
	binary.LittleEndian.PutUint64(scratch[:], uint64(s.LastSeen.Unix()))
	buf = append(buf, scratch[:]...)

	var small [4]byte
	binary.LittleEndian.PutUint32(small[:], s.ActiveHours)
	buf = append(buf, small[:]...)
	binary.LittleEndian.PutUint32(small[:], uint32(int32(s.LocalClusterID)))
	buf = append(buf, small[:]...)
	binary.LittleEndian.PutUint64(scratch[:], s.Version)
	buf = append(buf, scratch[:]...)

	buf = appendString(buf, s.Username)
	buf = appendString(buf, s.ISEProfile)
	buf = appendString(buf, s.DeviceType)
	var groups [2]byte
	binary.LittleEndian.PutUint16(groups[:], uint16(len(s.ADGroups)))
	buf = append(buf, groups[:]...)
	for _, g := range s.ADGroups {
		buf = appendString(buf, g)
	}

	return buf
}

// DeserializeEndpointSketch parses the Serialize form.
func DeserializeEndpointSketch(data []byte) (*EndpointSketch, error) {
	if len(data) < len(cesHeader) {
		return nil, ErrInvalidFormat
	}
	for i, b := range cesHeader {
		if data[i] != b {
			return nil, ErrInvalidFormat
		}
	}
	r := &reader{data: data, off: len(cesHeader)}

	s := &EndpointSketch{}
	s.EndpointID = r.str()
	s.SwitchID = r.str()
	s.DeviceID = r.str()

	var err error
	if s.UniquePeers, err = DeserializeHLL(r.blob()); err != nil {
		return nil, err
	}
	if s.UniqueServices, err = DeserializeHLL(r.blob()); err != nil {
		return nil, err
	}
	if s.UniquePorts, err = DeserializeHLL(r.blob()); err != nil {
		return nil, err
	}
	if s.PortFrequency, err = DeserializeCMS(r.blob()); err != nil {
		return nil, err
	}
	if s.ServiceFrequency, err = DeserializeCMS(r.blob()); err != nil {
		return nil, err
	}

	s.BytesIn = r.u64()
	s.BytesOut = r.u64()
	s.PacketsIn = r.u64()
	s.PacketsOut = r.u64()
	s.FlowCount = r.u64()
	s.FirstSeen = unixOrZero(int64(r.u64()))
	s.LastSeen = unixOrZero(int64(r.u64()))
	s.ActiveHours = r.u32()
	s.LocalClusterID = int(int32(r.u32()))
	s.Version = r.u64()

	s.Username = r.str()
	s.ISEProfile = r.str()
	s.DeviceType = r.str()
	var nGroups uint16
	if gb := r.bytes(2); gb != nil {
		nGroups = binary.LittleEndian.Uint16(gb)
	}
	for i := 0; i < int(nGroups); i++ {
		s.ADGroups = append(s.ADGroups, r.str())
	}

	if r.bad || s.EndpointID == "" {
		return nil, ErrInvalidFormat
	}
	return s, nil
}
