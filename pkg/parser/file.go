package parser

import (
	"fmt"
	"os"

	mmap "github.com/edsrzf/mmap-go"
)

// ReadTorrentFile maps the file read-only and copies its contents out, so the
// returned slice stays valid after the mapping is released.
func ReadTorrentFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if stat.Size() == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrUnexpectedEOF)
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to map %s: %w", path, err)
	}
	defer m.Unmap()

	data := make([]byte, len(m))
	copy(data, m)

	return data, nil
}

func DecodeFile(path string) (*BencodeValue, error) {
	data, err := ReadTorrentFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}
