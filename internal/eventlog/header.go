package eventlog

import (
	"encoding/binary"
	"fmt"
	"io"
)

var (
	logMagic          = [4]byte{'M', 'S', 'E', 'V'}
	logHeaderVersion  = uint16(1)
	logHeaderFixedLen = 16 // magic + version + flags + level + reserved
)

type headerInfo struct {
	Compressed       bool
	CompressionLevel int
}

func writeHeader(w io.Writer, info headerInfo) error {
	var flags uint16
	level := uint8(0)
	if info.Compressed {
		flags |= 1
		level = uint8(info.CompressionLevel)
	}

	buf := make([]byte, 0, logHeaderFixedLen)
	buf = append(buf, logMagic[:]...)
	var fixed [12]byte
	binary.LittleEndian.PutUint16(fixed[0:2], logHeaderVersion)
	binary.LittleEndian.PutUint16(fixed[2:4], flags)
	fixed[4] = level
	// fixed[5:12] reserved
	buf = append(buf, fixed[:]...)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write event log header: %w", err)
	}
	return nil
}

func readHeader(r io.Reader) (headerInfo, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return headerInfo{}, fmt.Errorf("failed to read event log magic: %w", err)
	}
	if magic != logMagic {
		return headerInfo{}, fmt.Errorf("not an event log: invalid header magic")
	}

	fixed := make([]byte, logHeaderFixedLen-4)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return headerInfo{}, fmt.Errorf("failed to read event log header: %w", err)
	}

	version := binary.LittleEndian.Uint16(fixed[0:2])
	if version != logHeaderVersion {
		return headerInfo{}, fmt.Errorf("unsupported event log version: %d", version)
	}
	flags := binary.LittleEndian.Uint16(fixed[2:4])

	return headerInfo{
		Compressed:       (flags & 1) != 0,
		CompressionLevel: int(fixed[4]),
	}, nil
}
