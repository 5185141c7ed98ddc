package audio

import (
	"encoding/binary"
	"io"
	"math/rand"
)

const oggSig = "OggS"

// oggPage is a single page of an Ogg bitstream.
type oggPage struct {
	continued bool
	first     bool
	last      bool

	granule  uint64
	serial   uint32
	sequence uint32

	segTable []uint8
	segments [][]byte
	size     int
}

var oggCRCTable = oggCRC()

// oggStream writes pages of a single logical bitstream.
type oggStream struct {
	w        io.Writer
	serial   uint32
	sequence uint32
}

func newOggStream(out io.Writer) *oggStream {
	return &oggStream{
		w:      out,
		serial: rand.Uint32(),
	}
}

func (o *oggStream) writePage(p *oggPage) error {
	headerSize := 27 + len(p.segTable)
	buf := make([]byte, headerSize+p.size)

	var headerType uint8
	if p.continued {
		headerType |= 0x1
	}
	if p.first {
		headerType |= 0x2
	}
	if p.last {
		headerType |= 0x4
	}

	copy(buf[0:], oggSig)
	buf[4] = 0 // Version
	buf[5] = headerType
	binary.LittleEndian.PutUint64(buf[6:], p.granule)
	binary.LittleEndian.PutUint32(buf[14:], p.serial)
	binary.LittleEndian.PutUint32(buf[18:], p.sequence)
	buf[26] = uint8(len(p.segTable))
	copy(buf[27:], p.segTable)

	idx := headerSize
	for _, s := range p.segments {
		idx += copy(buf[idx:], s)
	}

	var checksum uint32
	for i := range buf {
		checksum = (checksum << 8) ^ oggCRCTable[byte(checksum>>24)^buf[i]]
	}
	binary.LittleEndian.PutUint32(buf[22:], checksum)

	_, err := o.w.Write(buf)
	return err
}

// lace splits a packet into segments no bigger than 255 bytes.
func lace(p []byte) ([]uint8, [][]byte) {
	segCountHint := len(p)/255 + 1
	st := make([]uint8, 0, segCountHint)
	s := make([][]byte, 0, segCountHint)

	for len(p) > 255 {
		st = append(st, 255)
		s = append(s, p[:255])
		p = p[255:]
	}

	st = append(st, uint8(len(p)))
	s = append(s, p)

	// A packet of exactly 255 bytes is terminated by lacing value 0.
	if len(p) == 255 {
		st = append(st, 0)
		s = append(s, []byte{})
	}
	return st, s
}

// writePacket writes a packet in its own page and advances the page
// sequence.
func (o *oggStream) writePacket(payload []byte, granule uint64, first, last bool) error {
	segTable, segments := lace(payload)
	page := &oggPage{
		first:    first,
		last:     last,
		granule:  granule,
		serial:   o.serial,
		sequence: o.sequence,
		segTable: segTable,
		segments: segments,
		size:     len(payload),
	}
	if err := o.writePage(page); err != nil {
		return err
	}
	o.sequence++
	return nil
}

// https://github.com/pion/webrtc/blob/67826b19141ec9e6f1002a2267008a016a118934/pkg/media/oggwriter/oggwriter.go#L245-L261
func oggCRC() *[256]uint32 {
	var table [256]uint32
	const poly = 0x04c11db7

	for i := range table {
		r := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if (r & 0x80000000) != 0 {
				r = (r << 1) ^ poly
			} else {
				r <<= 1
			}
			table[i] = (r & 0xffffffff)
		}
	}
	return &table
}
