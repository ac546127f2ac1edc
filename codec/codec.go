// Package codec defines the wire-codec contract consumed by manager:
// decode/encode pairs for each of the three catalog entities, plus a
// reference implementation (WireCodec) exercising that contract so the
// module is testable end-to-end. The codec is an external collaborator;
// production deployments are expected to supply their own.
package codec

import "github.com/ndntorrent/ntorrent/catalog"

// Codec decodes and re-encodes the wire bytes of the three catalog
// entities.
type Codec interface {
	DecodeTorrentSegment(wire []byte) (*catalog.TorrentFileSegment, error)
	EncodeTorrentSegment(seg *catalog.TorrentFileSegment) ([]byte, error)

	DecodeManifestSegment(wire []byte) (*catalog.FileManifestSegment, error)
	EncodeManifestSegment(seg *catalog.FileManifestSegment) ([]byte, error)

	DecodeData(wire []byte) (*catalog.DataPacket, error)
	EncodeData(pkt *catalog.DataPacket) ([]byte, error)
}
