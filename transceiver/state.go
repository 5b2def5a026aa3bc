package transceiver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/kjartanhr/transceiver/bitfield"
)

// stateDirName is the subdirectory of the user cache directory that
// holds persisted download state, one file per torrent.
const stateDirName = "transceiver/state"

// downloadState is the on-disk record of a torrent's progress, keyed by
// info hash so a re-launch with the same metainfo resumes instead of
// restarting. Saved periodically and on clean shutdown; deleted once
// the torrent completes.
type downloadState struct {
	mu sync.RWMutex

	InfoHash    string `json:"info_hash"`
	OutputPath  string `json:"output_path"`
	MagnetLink  string `json:"magnet_link,omitempty"`
	NumPieces   int    `json:"num_pieces"`
	SelfPieces  []byte `json:"self_pieces"`
	KnownPeers  []string `json:"known_peers,omitempty"`

	path string
}

// stateDir returns the directory persisted state files live under,
// creating it if necessary.
func stateDir() (string, error) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", errors.Wrap(err, "transceiver: locate cache dir")
	}
	dir := filepath.Join(cacheDir, stateDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "transceiver: create state dir")
	}
	return dir, nil
}

// stateFile returns the path a torrent's state is persisted at.
func stateFile(infoHashHex string) (string, error) {
	dir, err := stateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, infoHashHex+".json"), nil
}

// loadState loads a torrent's persisted state, if any. A missing file
// is not an error: it returns a fresh state for numPieces pieces.
func loadState(infoHashHex string, numPieces int, outputPath string) (*downloadState, error) {
	path, err := stateFile(infoHashHex)
	if err != nil {
		return nil, err
	}
	s := &downloadState{
		InfoHash:   infoHashHex,
		OutputPath: outputPath,
		NumPieces:  numPieces,
		SelfPieces: bitfield.New(numPieces),
		path:       path,
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, errors.Wrap(err, "transceiver: read state")
	}
	var onDisk downloadState
	if err := json.Unmarshal(data, &onDisk); err != nil {
		return nil, errors.Wrap(err, "transceiver: parse state")
	}
	if onDisk.NumPieces == numPieces {
		s.SelfPieces = bitfield.Bitfield(onDisk.SelfPieces)
	}
	s.KnownPeers = onDisk.KnownPeers
	s.MagnetLink = onDisk.MagnetLink
	return s, nil
}

// Save writes the current state to disk, overwriting any previous
// version.
func (s *downloadState) Save() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(struct {
		InfoHash   string   `json:"info_hash"`
		OutputPath string   `json:"output_path"`
		MagnetLink string   `json:"magnet_link,omitempty"`
		NumPieces  int      `json:"num_pieces"`
		SelfPieces []byte   `json:"self_pieces"`
		KnownPeers []string `json:"known_peers,omitempty"`
	}{s.InfoHash, s.OutputPath, s.MagnetLink, s.NumPieces, []byte(s.SelfPieces), s.KnownPeers}, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return errors.Wrap(err, "transceiver: marshal state")
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return errors.Wrap(err, "transceiver: write state")
	}
	return nil
}

// Delete removes the persisted state file, called once a torrent
// finishes downloading.
func (s *downloadState) Delete() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "transceiver: delete state")
	}
	return nil
}

// MarkPieceComplete records piece index as fully downloaded.
func (s *downloadState) MarkPieceComplete(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SelfPieces.Set(index)
}

// IsPieceComplete reports whether piece index was already downloaded in
// a previous run.
func (s *downloadState) IsPieceComplete(index int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.SelfPieces.Get(index)
}

// ClearPiece un-marks a piece, used when resume verification finds the
// on-disk bytes no longer match the piece hash.
func (s *downloadState) ClearPiece(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SelfPieces.Unset(index)
}

// Bitfield returns a snapshot copy of the completed-pieces bitfield.
func (s *downloadState) Bitfield() bitfield.Bitfield {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.SelfPieces.Clone()
}

// AddPeers merges newly discovered peer addresses into the persisted
// set, deduplicating.
func (s *downloadState) AddPeers(addrs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool, len(s.KnownPeers))
	for _, a := range s.KnownPeers {
		seen[a] = true
	}
	for _, a := range addrs {
		if !seen[a] {
			seen[a] = true
			s.KnownPeers = append(s.KnownPeers, a)
		}
	}
}

// Progress returns the fraction of pieces completed, in [0, 1].
func (s *downloadState) Progress() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.NumPieces == 0 {
		return 1
	}
	return float64(s.SelfPieces.Count(s.NumPieces)) / float64(s.NumPieces)
}

// IsComplete reports whether every piece has been downloaded.
func (s *downloadState) IsComplete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.SelfPieces.All(s.NumPieces)
}
