package catalog

// TorrentFileSegment is one fragment of the multi-segment torrent-file
// catalog. Its CatalogEntries list the initial-segment name of every
// file manifest it references; Next names the following segment, or is
// nil if this segment is terminal.
type TorrentFileSegment struct {
	Name           Name
	CatalogEntries []Name
	Next           *Name
}

// Index returns the segment index encoded in the segment's own name.
func (s *TorrentFileSegment) Index() uint64 {
	idx, _ := s.Name.SegmentIndex()
	return idx
}

// FileManifestSegment is one fragment of the multi-segment file-manifest
// catalog for a single user file. PacketNames lists, in strict
// file-offset order, the names of the data packets this segment covers.
type FileManifestSegment struct {
	Name            Name
	FilePath        string
	DataPacketSize  uint64
	SubManifestSize uint64
	PacketNames     []Name
	Next            *Name
}

// Index returns the segment index encoded in the segment's own name.
func (s *FileManifestSegment) Index() uint64 {
	idx, _ := s.Name.SegmentIndex()
	return idx
}

// DataPacket is one content-addressed unit of file payload.
type DataPacket struct {
	Name      Name
	Payload   []byte
	Signature []byte
	Wire      []byte
}
