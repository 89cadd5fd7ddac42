package client

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/agaabrieel/swarmclient/pkg/metainfo"
)

// State holds the transfer counters reported to trackers. Downloaded follows
// the set of verified pieces unless overridden with SetDownloaded.
type State struct {
	mu         sync.Mutex
	total      int64
	pieceLen   int64
	uploaded   int64
	downloaded int64
	verified   *bitset.BitSet
}

func NewState(meta *metainfo.TorrentMetainfo) *State {
	return &State{
		total:    meta.TotalSize(),
		pieceLen: meta.InfoDict.PieceLength,
		verified: bitset.New(uint(meta.PieceCount())),
	}
}

func (s *State) Uploaded() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploaded
}

func (s *State) Downloaded() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloaded
}

func (s *State) Left() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leftLocked()
}

func (s *State) leftLocked() int64 {
	if left := s.total - s.downloaded; left > 0 {
		return left
	}
	return 0
}

func (s *State) AddUploaded(n int64) {
	s.mu.Lock()
	s.uploaded += n
	s.mu.Unlock()
}

func (s *State) SetDownloaded(n int64) {
	s.mu.Lock()
	s.downloaded = n
	s.mu.Unlock()
}

// pieceSize is the length of piece i; only the last piece may be short, and
// a piece past the end of the data is empty.
func (s *State) pieceSize(i uint) int64 {
	start := int64(i) * s.pieceLen
	if start >= s.total {
		return 0
	}
	if end := start + s.pieceLen; end > s.total {
		return s.total - start
	}
	return s.pieceLen
}

// MarkPieceVerified records piece i as present. Marking it again is a no-op.
func (s *State) MarkPieceVerified(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i < 0 || uint(i) >= s.verified.Len() {
		return fmt.Errorf("piece index %d out of range [0, %d)", i, s.verified.Len())
	}
	if s.verified.Test(uint(i)) {
		return nil
	}
	s.verified.Set(uint(i))
	s.downloaded += s.pieceSize(uint(i))
	return nil
}

func (s *State) HasPiece(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return i >= 0 && s.verified.Test(uint(i))
}

func (s *State) VerifiedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.verified.Count())
}

func (s *State) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verified.Count() == s.verified.Len()
}

func (s *State) snapshot() (uploaded, downloaded, left int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploaded, s.downloaded, s.leftLocked()
}
