package codec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ndntorrent/ntorrent/catalog"
)

// Magic bytes identifying the entity kind a wire blob decodes to.
const (
	magicTorrentSegment byte = 'T'
	magicManifestSegment byte = 'M'
	magicDataPacket      byte = 'D'
)

// ErrTruncated is returned when a wire blob ends before a complete
// entity has been read. Past the leading kind byte, the decoders wrap it
// with the name of the field being read.
var ErrTruncated = errors.New("codec: truncated wire data")

// ErrWrongKind is returned when a wire blob's magic byte does not match
// the entity kind the caller asked to decode.
var ErrWrongKind = errors.New("codec: wire data is not the requested entity kind")

// WireCodec is a reference Codec implementation using a simple
// length-prefixed binary framing, modeled on the buffered-reader,
// read-as-you-go shape of a bencode decoder: a single bufio.Reader is
// walked once, left to right, with no backtracking.
type WireCodec struct{}

// NewWireCodec returns a ready-to-use reference codec.
func NewWireCodec() *WireCodec { return &WireCodec{} }

// --- encoding ---------------------------------------------------------

type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) byte(b byte) { e.buf.WriteByte(b) }

func (e *encoder) u64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	e.buf.Write(tmp[:])
}

func (e *encoder) bytes(b []byte) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(b)))
	e.buf.Write(tmp[:])
	e.buf.Write(b)
}

func (e *encoder) component(c catalog.Component) {
	e.byte(c.Type)
	e.bytes(c.Value)
}

func (e *encoder) name(n catalog.Name) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(n)))
	e.buf.Write(tmp[:])
	for _, c := range n {
		e.component(c)
	}
}

func (e *encoder) nameList(names []catalog.Name) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(names)))
	e.buf.Write(tmp[:])
	for _, n := range names {
		e.name(n)
	}
}

func (e *encoder) optionalName(n *catalog.Name) {
	if n == nil {
		e.byte(0)
		return
	}
	e.byte(1)
	e.name(*n)
}

// EncodeTorrentSegment implements Codec.
func (c *WireCodec) EncodeTorrentSegment(seg *catalog.TorrentFileSegment) ([]byte, error) {
	var e encoder
	e.byte(magicTorrentSegment)
	e.name(seg.Name)
	e.nameList(seg.CatalogEntries)
	e.optionalName(seg.Next)
	return e.buf.Bytes(), nil
}

// EncodeManifestSegment implements Codec.
func (c *WireCodec) EncodeManifestSegment(seg *catalog.FileManifestSegment) ([]byte, error) {
	var e encoder
	e.byte(magicManifestSegment)
	e.name(seg.Name)
	e.bytes([]byte(seg.FilePath))
	e.u64(seg.DataPacketSize)
	e.u64(seg.SubManifestSize)
	e.nameList(seg.PacketNames)
	e.optionalName(seg.Next)
	return e.buf.Bytes(), nil
}

// EncodeData implements Codec. The packet's name is stored as given,
// including any implicit-digest component; DecodeData neither derives
// nor checks a digest.
func (c *WireCodec) EncodeData(pkt *catalog.DataPacket) ([]byte, error) {
	var e encoder
	e.byte(magicDataPacket)
	e.name(pkt.Name)
	e.bytes(pkt.Payload)
	e.bytes(pkt.Signature)
	return e.buf.Bytes(), nil
}

// --- decoding ----------------------------------------------------------

type decoder struct {
	r *bufio.Reader
	n int
}

func newDecoder(wire []byte) *decoder {
	return &decoder{r: bufio.NewReader(bytes.NewReader(wire))}
}

func (d *decoder) readByte() (byte, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		if err == io.EOF {
			return 0, ErrTruncated
		}
		return 0, err
	}
	d.n++
	return b, nil
}

func (d *decoder) readFull(p []byte) error {
	n, err := io.ReadFull(d.r, p)
	d.n += n
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrTruncated
		}
		return err
	}
	return nil
}

func (d *decoder) u32() (uint32, error) {
	var tmp [4]byte
	if err := d.readFull(tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(tmp[:]), nil
}

func (d *decoder) u64() (uint64, error) {
	var tmp [8]byte
	if err := d.readFull(tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(tmp[:]), nil
}

func (d *decoder) bytesField() ([]byte, error) {
	l, err := d.u32()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, l)
	if err := d.readFull(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *decoder) component() (catalog.Component, error) {
	t, err := d.readByte()
	if err != nil {
		return catalog.Component{}, err
	}
	v, err := d.bytesField()
	if err != nil {
		return catalog.Component{}, err
	}
	return catalog.Component{Type: t, Value: v}, nil
}

func (d *decoder) name() (catalog.Name, error) {
	count, err := d.u32()
	if err != nil {
		return nil, err
	}
	out := make(catalog.Name, count)
	for i := range out {
		c, err := d.component()
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

func (d *decoder) nameList() ([]catalog.Name, error) {
	count, err := d.u32()
	if err != nil {
		return nil, err
	}
	out := make([]catalog.Name, count)
	for i := range out {
		n, err := d.name()
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func (d *decoder) optionalName() (*catalog.Name, error) {
	present, err := d.readByte()
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	n, err := d.name()
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// DecodeTorrentSegment implements Codec.
func (c *WireCodec) DecodeTorrentSegment(wire []byte) (*catalog.TorrentFileSegment, error) {
	d := newDecoder(wire)
	magic, err := d.readByte()
	if err != nil {
		return nil, err
	}
	if magic != magicTorrentSegment {
		return nil, ErrWrongKind
	}
	name, err := d.name()
	if err != nil {
		return nil, fmt.Errorf("codec: decode torrent segment name: %w", err)
	}
	entries, err := d.nameList()
	if err != nil {
		return nil, fmt.Errorf("codec: decode torrent segment entries: %w", err)
	}
	next, err := d.optionalName()
	if err != nil {
		return nil, fmt.Errorf("codec: decode torrent segment next: %w", err)
	}
	return &catalog.TorrentFileSegment{Name: name, CatalogEntries: entries, Next: next}, nil
}

// DecodeManifestSegment implements Codec.
func (c *WireCodec) DecodeManifestSegment(wire []byte) (*catalog.FileManifestSegment, error) {
	d := newDecoder(wire)
	magic, err := d.readByte()
	if err != nil {
		return nil, err
	}
	if magic != magicManifestSegment {
		return nil, ErrWrongKind
	}
	name, err := d.name()
	if err != nil {
		return nil, fmt.Errorf("codec: decode manifest segment name: %w", err)
	}
	pathBytes, err := d.bytesField()
	if err != nil {
		return nil, fmt.Errorf("codec: decode manifest segment path: %w", err)
	}
	dataPacketSize, err := d.u64()
	if err != nil {
		return nil, fmt.Errorf("codec: decode manifest segment packet size: %w", err)
	}
	subManifestSize, err := d.u64()
	if err != nil {
		return nil, fmt.Errorf("codec: decode manifest segment sub size: %w", err)
	}
	packetNames, err := d.nameList()
	if err != nil {
		return nil, fmt.Errorf("codec: decode manifest segment packet names: %w", err)
	}
	next, err := d.optionalName()
	if err != nil {
		return nil, fmt.Errorf("codec: decode manifest segment next: %w", err)
	}
	return &catalog.FileManifestSegment{
		Name:            name,
		FilePath:        string(pathBytes),
		DataPacketSize:  dataPacketSize,
		SubManifestSize: subManifestSize,
		PacketNames:     packetNames,
		Next:            next,
	}, nil
}

// DecodeData implements Codec. The packet's Wire field is set to the
// exact bytes passed in so the caller can validate the implicit digest
// against them.
func (c *WireCodec) DecodeData(wire []byte) (*catalog.DataPacket, error) {
	d := newDecoder(wire)
	magic, err := d.readByte()
	if err != nil {
		return nil, err
	}
	if magic != magicDataPacket {
		return nil, ErrWrongKind
	}
	name, err := d.name()
	if err != nil {
		return nil, fmt.Errorf("codec: decode data name: %w", err)
	}
	payload, err := d.bytesField()
	if err != nil {
		return nil, fmt.Errorf("codec: decode data payload: %w", err)
	}
	sig, err := d.bytesField()
	if err != nil {
		return nil, fmt.Errorf("codec: decode data signature: %w", err)
	}
	return &catalog.DataPacket{Name: name, Payload: payload, Signature: sig, Wire: wire}, nil
}
