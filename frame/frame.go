// Package frame packs and unpacks the wire formats shared by the RDT
// protocol ladder and the stream transport: the simple stop-and-wait
// frame (RDT2.0/2.1/3.0), the windowed frame (Selective-Repeat), and
// the byte-stream segment. All multi-byte fields are network byte
// order (big-endian), and every Unpack function returns false on
// malformed input instead of panicking — corrupted frames are
// expected traffic, not a programming error.
package frame

import (
	"encoding/binary"
	"hash/crc32"
)

// Checksum computes the CRC32 (IEEE polynomial) of data, truncated to
// 32 bits as required by the wire formats. Callers are responsible for
// comparing the result against a received checksum; Unpack never does
// this itself.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// SimpleKind is the one-byte type tag used by the RDT2.0/2.1/3.0 wire
// format.
type SimpleKind byte

const (
	KindData SimpleKind = 0
	KindAck  SimpleKind = 1
	KindNak  SimpleKind = 2
)

// SimpleFrame is the decoded form of an RDT2.x frame. HasSeq is false
// for RDT2.0 frames, which carry no sequence number at all.
type SimpleFrame struct {
	Kind     SimpleKind
	HasSeq   bool
	Seq      byte
	Checksum uint32
	Payload  []byte
}

// PackRDT20Data encodes an RDT2.0 DATA frame: kind(1) | crc(4) | payload.
// The checksum covers the payload alone.
func PackRDT20Data(payload []byte) []byte {
	out := make([]byte, 5+len(payload))
	out[0] = byte(KindData)
	binary.BigEndian.PutUint32(out[1:5], Checksum(payload))
	copy(out[5:], payload)
	return out
}

// PackRDT20Control encodes a bare ACK or NAK control byte.
func PackRDT20Control(kind SimpleKind) []byte {
	return []byte{byte(kind)}
}

// UnpackRDT20 decodes bytes produced by PackRDT20Data or
// PackRDT20Control. A control frame is exactly one byte; a data frame
// is five bytes or more.
func UnpackRDT20(b []byte) (SimpleFrame, bool) {
	if len(b) == 1 {
		return SimpleFrame{Kind: SimpleKind(b[0])}, true
	}
	if len(b) < 5 {
		return SimpleFrame{}, false
	}
	return SimpleFrame{
		Kind:     SimpleKind(b[0]),
		Checksum: binary.BigEndian.Uint32(b[1:5]),
		Payload:  b[5:],
	}, true
}

// PackRDT21 encodes an RDT2.1/3.0 frame: kind(1) | seqnum(1) | crc(4) |
// payload. The checksum covers kind|seqnum|payload, with an empty
// payload for control frames — this is the normative resolution of
// the checksum-construction ambiguity the reference implementation
// left open.
func PackRDT21(kind SimpleKind, seq byte, payload []byte) []byte {
	hdr := []byte{byte(kind), seq}
	ck := Checksum(append(append([]byte{}, hdr...), payload...))
	out := make([]byte, 6+len(payload))
	out[0] = hdr[0]
	out[1] = hdr[1]
	binary.BigEndian.PutUint32(out[2:6], ck)
	copy(out[6:], payload)
	return out
}

// UnpackRDT21 decodes a PackRDT21 frame. It does not verify the
// checksum; callers recompute and compare it themselves since the
// covered bytes depend on whether the frame carries a payload.
func UnpackRDT21(b []byte) (SimpleFrame, bool) {
	if len(b) < 6 {
		return SimpleFrame{}, false
	}
	return SimpleFrame{
		Kind:     SimpleKind(b[0]),
		HasSeq:   true,
		Seq:      b[1],
		Checksum: binary.BigEndian.Uint32(b[2:6]),
		Payload:  b[6:],
	}, true
}

// WindowKind is the one-byte type tag used by the Selective-Repeat
// wire format.
type WindowKind byte

const (
	KindWData WindowKind = 0
	KindWAck  WindowKind = 1
)

// WindowFrame is the decoded form of a Selective-Repeat frame. ACK
// frames never carry a payload.
type WindowFrame struct {
	Kind     WindowKind
	Seq      uint32
	Checksum uint32
	Payload  []byte
}

// PackWindowData encodes a Selective-Repeat DATA segment:
// kind(1) | seqnum(4) | crc(4) | payload. The checksum covers
// kind|seqnum|payload.
func PackWindowData(seq uint32, payload []byte) []byte {
	hdr := make([]byte, 5)
	hdr[0] = byte(KindWData)
	binary.BigEndian.PutUint32(hdr[1:5], seq)
	ck := Checksum(append(append([]byte{}, hdr...), payload...))
	out := make([]byte, 9+len(payload))
	copy(out, hdr)
	binary.BigEndian.PutUint32(out[5:9], ck)
	copy(out[9:], payload)
	return out
}

// PackWindowAck encodes a Selective-Repeat ACK for seq. ACKs carry no
// payload.
func PackWindowAck(seq uint32) []byte {
	return PackWindowData0(KindWAck, seq)
}

// PackWindowData0 encodes a payload-less window frame of the given
// kind: kind(1) | seqnum(4) | crc(4), with the checksum covering
// kind|seqnum. PackWindowAck is built on it; PackWindowData encodes
// its own frames.
func PackWindowData0(kind WindowKind, seq uint32) []byte {
	hdr := make([]byte, 5)
	hdr[0] = byte(kind)
	binary.BigEndian.PutUint32(hdr[1:5], seq)
	ck := Checksum(hdr)
	out := make([]byte, 9)
	copy(out, hdr)
	binary.BigEndian.PutUint32(out[5:9], ck)
	return out
}

// UnpackWindow decodes a WindowFrame. It does not verify the checksum.
func UnpackWindow(b []byte) (WindowFrame, bool) {
	if len(b) < 9 {
		return WindowFrame{}, false
	}
	return WindowFrame{
		Kind:     WindowKind(b[0]),
		Seq:      binary.BigEndian.Uint32(b[1:5]),
		Checksum: binary.BigEndian.Uint32(b[5:9]),
		Payload:  b[9:],
	}, true
}

// VerifyWindowChecksum recomputes and compares the checksum of a
// decoded WindowFrame.
func VerifyWindowChecksum(f WindowFrame) bool {
	hdr := make([]byte, 5)
	hdr[0] = byte(f.Kind)
	binary.BigEndian.PutUint32(hdr[1:5], f.Seq)
	return Checksum(append(hdr, f.Payload...)) == f.Checksum
}

// VerifyRDT21Checksum recomputes and compares the checksum of a
// decoded RDT2.1/3.0 SimpleFrame.
func VerifyRDT21Checksum(f SimpleFrame) bool {
	hdr := []byte{byte(f.Kind), f.Seq}
	return Checksum(append(hdr, f.Payload...)) == f.Checksum
}

// VerifyRDT20Checksum recomputes and compares the checksum of a
// decoded RDT2.0 DATA SimpleFrame (payload-only coverage).
func VerifyRDT20Checksum(f SimpleFrame) bool {
	return Checksum(f.Payload) == f.Checksum
}

// SegFlags are the flag bits of a stream segment header.
type SegFlags byte

const (
	FlagFIN SegFlags = 1 << 0
	FlagSYN SegFlags = 1 << 1
	FlagACK SegFlags = 1 << 4
)

func (f SegFlags) Has(bit SegFlags) bool { return f&bit != 0 }

// segHeaderLen is the fixed 16-byte header size advertised in
// HeaderLen: seq(4) ack(4) flags(1) headerLen(1) window(2) crc(4).
const segHeaderLen = 16

// Segment is the decoded form of a stream-transport segment.
type Segment struct {
	Seq       uint32
	Ack       uint32
	Flags     SegFlags
	HeaderLen uint8
	Window    uint16
	Checksum  uint32
	Payload   []byte
}

// PackSegment encodes a stream segment. The checksum covers the
// 16-byte header with the checksum field zero-stuffed, followed by
// the payload.
func PackSegment(seq, ack uint32, flags SegFlags, window uint16, payload []byte) []byte {
	out := make([]byte, segHeaderLen+len(payload))
	binary.BigEndian.PutUint32(out[0:4], seq)
	binary.BigEndian.PutUint32(out[4:8], ack)
	out[8] = byte(flags)
	out[9] = segHeaderLen
	binary.BigEndian.PutUint16(out[10:12], window)
	// out[12:16] left zero for the checksum computation below
	copy(out[segHeaderLen:], payload)
	ck := Checksum(out)
	binary.BigEndian.PutUint32(out[12:16], ck)
	return out
}

// UnpackSegment decodes a stream segment. It does not verify the
// checksum; callers compare against Segment.Checksum after
// recomputing over the zero-stuffed header.
func UnpackSegment(b []byte) (Segment, bool) {
	if len(b) < segHeaderLen {
		return Segment{}, false
	}
	seg := Segment{
		Seq:       binary.BigEndian.Uint32(b[0:4]),
		Ack:       binary.BigEndian.Uint32(b[4:8]),
		Flags:     SegFlags(b[8]),
		HeaderLen: b[9],
		Window:    binary.BigEndian.Uint16(b[10:12]),
		Checksum:  binary.BigEndian.Uint32(b[12:16]),
		Payload:   b[segHeaderLen:],
	}
	return seg, true
}

// VerifySegmentChecksum recomputes and compares a decoded Segment's
// checksum against its header-zero-stuffed-plus-payload bytes.
func VerifySegmentChecksum(seg Segment) bool {
	buf := make([]byte, segHeaderLen+len(seg.Payload))
	binary.BigEndian.PutUint32(buf[0:4], seg.Seq)
	binary.BigEndian.PutUint32(buf[4:8], seg.Ack)
	buf[8] = byte(seg.Flags)
	buf[9] = seg.HeaderLen
	binary.BigEndian.PutUint16(buf[10:12], seg.Window)
	copy(buf[segHeaderLen:], seg.Payload)
	return Checksum(buf) == seg.Checksum
}
