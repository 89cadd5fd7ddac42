package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	parser "github.com/agaabrieel/swarmclient/pkg/parser"
	"github.com/agaabrieel/swarmclient/pkg/utils"
)

const PieceHashSize = sha1.Size

var ErrInvalidMetadata = errors.New("invalid metadata")

type Mode uint8

const (
	SingleFile Mode = iota
	MultiFile
)

func (m Mode) String() string {
	if m == SingleFile {
		return "SINGLE_FILE"
	}
	return "MULTIPLE_FILE"
}

type TorrentMetainfo struct {
	Announce     string
	AnnounceList [][]string
	CreationDate int64
	Author       string
	Comment      string
	InfoDict     *TorrentMetainfoInfoDict

	hashOnce sync.Once
	infohash [sha1.Size]byte
}

type TorrentMetainfoInfoDict struct {
	Name        string
	PieceLength int64
	Pieces      [][PieceHashSize]byte
	Mode        Mode
	Files       []TorrentMetainfoFilesDict
	Length      int64
	Private     bool

	source *parser.BencodeValue
}

type TorrentMetainfoFilesDict struct {
	Len  int64
	Path string
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidMetadata}, args...)...)
}

// Load reads and decodes a metadata file.
func Load(path string) (*TorrentMetainfo, error) {
	root, err := parser.DecodeFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return FromBencode(root)
}

// FromBencode builds a descriptor from a decoded root dictionary. Any missing
// or ill-typed required field fails with ErrInvalidMetadata.
func FromBencode(root *parser.BencodeValue) (*TorrentMetainfo, error) {
	if root == nil || root.ValueType != parser.BencodeDict {
		return nil, invalid("root element is not a dictionary")
	}

	var t TorrentMetainfo

	announce, err := root.Get("announce").GetStringValue()
	if err != nil || announce == "" {
		return nil, invalid("missing announce url")
	}
	t.Announce = announce

	if tiers := root.Get("announce-list"); tiers != nil {
		t.AnnounceList, err = parseAnnounceList(tiers)
		if err != nil {
			return nil, err
		}
	}

	if v := root.Get("creation date"); v != nil {
		t.CreationDate, _ = v.GetIntegerValue()
	}
	if v := root.Get("created by"); v != nil {
		t.Author, _ = v.GetStringValue()
	}
	if v := root.Get("comment"); v != nil {
		t.Comment, _ = v.GetStringValue()
	}

	info := root.Get("info")
	if info == nil || info.ValueType != parser.BencodeDict {
		return nil, invalid("missing info dictionary")
	}
	t.InfoDict, err = deserializeInfoDict(info)
	if err != nil {
		return nil, err
	}

	return &t, nil
}

func parseAnnounceList(v *parser.BencodeValue) ([][]string, error) {
	tierList, err := v.GetListValue()
	if err != nil {
		return nil, invalid("announce-list: %v", err)
	}

	var tiers [][]string
	for _, tierValue := range tierList {
		tier, err := tierValue.GetListValue()
		if err != nil {
			return nil, invalid("announce-list tier: %v", err)
		}
		urls := make([]string, 0, len(tier))
		for _, urlValue := range tier {
			url, err := urlValue.GetStringValue()
			if err != nil {
				return nil, invalid("announce-list url: %v", err)
			}
			if url != "" {
				urls = append(urls, url)
			}
		}
		if len(urls) > 0 {
			tiers = append(tiers, urls)
		}
	}
	return tiers, nil
}

func deserializeInfoDict(infoValue *parser.BencodeValue) (*TorrentMetainfoInfoDict, error) {
	info := TorrentMetainfoInfoDict{source: infoValue}

	name, err := infoValue.Get("name").GetStringValue()
	if err != nil || name == "" {
		return nil, invalid("missing info.name")
	}
	info.Name = name

	pieceLength, err := infoValue.Get("piece length").GetIntegerValue()
	if err != nil || pieceLength <= 0 {
		return nil, invalid("piece length must be a positive integer")
	}
	info.PieceLength = pieceLength

	pieces, err := infoValue.Get("pieces").GetBytesValue()
	if err != nil {
		return nil, invalid("missing info.pieces")
	}
	if len(pieces) == 0 || len(pieces)%PieceHashSize != 0 {
		return nil, invalid("pieces length %d is not a positive multiple of %d", len(pieces), PieceHashSize)
	}
	info.Pieces = make([][PieceHashSize]byte, len(pieces)/PieceHashSize)
	for i := range info.Pieces {
		copy(info.Pieces[i][:], pieces[i*PieceHashSize:])
	}

	if p := infoValue.Get("private"); p != nil {
		n, _ := p.GetIntegerValue()
		info.Private = n == 1
	}

	if length := infoValue.Get("length"); length != nil {
		info.Mode = SingleFile
		n, err := length.GetIntegerValue()
		if err != nil || n < 0 {
			return nil, invalid("info.length must be a non-negative integer")
		}
		info.Files = []TorrentMetainfoFilesDict{{Len: n, Path: name}}
	} else if files := infoValue.Get("files"); files != nil {
		info.Mode = MultiFile
		info.Files, err = deserializeFiles(name, files)
		if err != nil {
			return nil, err
		}
	} else {
		return nil, invalid("info has neither length nor files")
	}

	if len(info.Files) == 0 {
		return nil, invalid("file list is empty")
	}
	for _, f := range info.Files {
		info.Length += f.Len
	}

	want := (info.Length + info.PieceLength - 1) / info.PieceLength
	if want == 0 {
		want = 1
	}
	if int64(len(info.Pieces)) != want {
		return nil, invalid("%d piece hashes for %d bytes in pieces of %d, expected %d", len(info.Pieces), info.Length, info.PieceLength, want)
	}

	return &info, nil
}

func deserializeFiles(name string, files *parser.BencodeValue) ([]TorrentMetainfoFilesDict, error) {
	fileList, err := files.GetListValue()
	if err != nil {
		return nil, invalid("info.files: %v", err)
	}

	result := make([]TorrentMetainfoFilesDict, 0, len(fileList))
	for i, fileDict := range fileList {
		length, err := fileDict.Get("length").GetIntegerValue()
		if err != nil || length < 0 {
			return nil, invalid("files[%d].length must be a non-negative integer", i)
		}

		pathList, err := fileDict.Get("path").GetListValue()
		if err != nil || len(pathList) == 0 {
			return nil, invalid("files[%d].path must be a non-empty list", i)
		}

		segments := make([]string, 0, len(pathList)+1)
		segments = append(segments, name)
		for _, segValue := range pathList {
			seg, err := segValue.GetStringValue()
			if err != nil {
				return nil, invalid("files[%d].path: %v", i, err)
			}
			if seg == "" || seg == ".." || strings.ContainsRune(seg, os.PathSeparator) {
				return nil, invalid("files[%d].path has unusable segment %q", i, seg)
			}
			segments = append(segments, seg)
		}

		result = append(result, TorrentMetainfoFilesDict{
			Len:  length,
			Path: filepath.Join(segments...),
		})
	}
	return result, nil
}

// Infohash is the SHA-1 of the info dictionary's exact source bytes. It is
// computed on first use.
func (t *TorrentMetainfo) Infohash() [sha1.Size]byte {
	t.hashOnce.Do(func() {
		raw := t.InfoDict.source.Raw()
		if raw == nil {
			// built in memory, so there is no source range to hash
			raw, _ = t.InfoDict.source.Serialize()
		}
		t.infohash = sha1.Sum(raw)
	})
	return t.infohash
}

func (t *TorrentMetainfo) TotalSize() int64 {
	return t.InfoDict.Length
}

func (t *TorrentMetainfo) PieceCount() int {
	return len(t.InfoDict.Pieces)
}

func (t *TorrentMetainfo) Checksum(index int) ([PieceHashSize]byte, error) {
	if index < 0 || index >= len(t.InfoDict.Pieces) {
		return [PieceHashSize]byte{}, fmt.Errorf("piece index %d out of range [0, %d)", index, len(t.InfoDict.Pieces))
	}
	return t.InfoDict.Pieces[index], nil
}

// ParentDirectory is the directory the files are placed under: the torrent
// name in multi-file mode, the current directory otherwise.
func (t *TorrentMetainfo) ParentDirectory() string {
	if t.InfoDict.Mode == MultiFile {
		return t.InfoDict.Name
	}
	return "."
}

// TrackerURLs flattens announce-list in tier order and appends announce if it
// is not already listed.
func (t *TorrentMetainfo) TrackerURLs() []string {
	var urls []string
	for _, tier := range t.AnnounceList {
		urls = utils.AppendUnique(urls, tier...)
	}
	return utils.AppendUnique(urls, t.Announce)
}

func (t *TorrentMetainfo) String() string {
	var sb strings.Builder
	infohash := t.Infohash()
	fmt.Fprintf(&sb, "{\n")
	fmt.Fprintf(&sb, "    tracker-url: %s\n", t.Announce)
	fmt.Fprintf(&sb, "    info-hash: %x\n", infohash[:])
	fmt.Fprintf(&sb, "    parent-directory: %s\n", t.ParentDirectory())
	fmt.Fprintf(&sb, "    piece-length: %d bytes\n", t.InfoDict.PieceLength)
	fmt.Fprintf(&sb, "    piece-count: %d\n", t.PieceCount())
	fmt.Fprintf(&sb, "    mode: %v\n", t.InfoDict.Mode)
	fmt.Fprintf(&sb, "    files:\n")
	for _, f := range t.InfoDict.Files {
		fmt.Fprintf(&sb, "        {\n")
		fmt.Fprintf(&sb, "            path: %s\n", f.Path)
		fmt.Fprintf(&sb, "            size: %d bytes\n", f.Len)
		fmt.Fprintf(&sb, "        }\n")
	}
	fmt.Fprintf(&sb, "}")
	return sb.String()
}
