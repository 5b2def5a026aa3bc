// Package metainfo parses .torrent files and magnet URIs into the Info
// and Magnet types the rest of the transceiver operates on.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/kjartanhr/transceiver/bencode"
)

// PieceHashLen is the length in bytes of a SHA-1 piece hash.
const PieceHashLen = 20

// File describes one file within a multi-file torrent, relative to the
// torrent's root directory.
type File struct {
	Path   []string
	Length int64
}

// Info is the parsed contents of a .torrent file's "info" dictionary
// plus the SHA-1 hash of its exact original encoding.
type Info struct {
	Hash        [20]byte
	Name        string
	PieceLength int64
	Pieces      [][PieceHashLen]byte

	// Length is set for single-file torrents; Files is set (and Length
	// left zero) for multi-file torrents.
	Length int64
	Files  []File

	AnnounceList [][]string
}

// TotalLength returns the sum of all file lengths.
func (inf *Info) TotalLength() int64 {
	if len(inf.Files) == 0 {
		return inf.Length
	}
	var total int64
	for _, f := range inf.Files {
		total += f.Length
	}
	return total
}

// IsMultiFile reports whether the torrent describes more than one file.
func (inf *Info) IsMultiFile() bool {
	return len(inf.Files) > 0
}

// Parse reads a .torrent file and builds its Info, validating the
// invariants the distillation found the teacher skipping: non-positive
// piece length or total size, a pieces string whose length is not a
// multiple of 20, and path components that would escape the output
// directory ("..", absolute paths).
func Parse(r io.Reader) (*Info, error) {
	root, rawInfo, err := bencode.DecodeWithRaw(r, "info")
	if err != nil {
		return nil, errors.Wrap(err, "metainfo: decode")
	}
	if root.Kind != bencode.KindDict {
		return nil, errors.New("metainfo: top-level value is not a dictionary")
	}
	infoVal, ok := root.Dict["info"]
	if !ok {
		return nil, errors.New("metainfo: missing info dictionary")
	}
	if len(rawInfo) == 0 {
		return nil, errors.New("metainfo: could not capture info bytes")
	}

	inf := &Info{Hash: sha1.Sum(rawInfo)}

	name, _ := infoVal.GetString("name")
	inf.Name = name

	pieceLen, ok := infoVal.GetInt("piece length")
	if !ok || pieceLen <= 0 {
		return nil, errors.New("metainfo: invalid or missing piece length")
	}
	inf.PieceLength = pieceLen

	piecesVal, ok := infoVal.Dict["pieces"]
	if !ok || !piecesVal.IsString() {
		return nil, errors.New("metainfo: missing pieces string")
	}
	if len(piecesVal.Str)%PieceHashLen != 0 {
		return nil, errors.New("metainfo: pieces length is not a multiple of 20")
	}
	numPieces := len(piecesVal.Str) / PieceHashLen
	inf.Pieces = make([][PieceHashLen]byte, numPieces)
	for i := range inf.Pieces {
		copy(inf.Pieces[i][:], piecesVal.Str[i*PieceHashLen:(i+1)*PieceHashLen])
	}

	if lengthVal, ok := infoVal.GetInt("length"); ok {
		if lengthVal <= 0 {
			return nil, errors.New("metainfo: non-positive length")
		}
		inf.Length = lengthVal
	} else {
		filesVal, ok := infoVal.Dict["files"]
		if !ok || filesVal.Kind != bencode.KindList {
			return nil, errors.New("metainfo: missing length and files")
		}
		for _, fv := range filesVal.List {
			length, ok := fv.GetInt("length")
			if !ok || length < 0 {
				return nil, errors.New("metainfo: invalid file length")
			}
			pathVal, ok := fv.Dict["path"]
			if !ok || pathVal.Kind != bencode.KindList || len(pathVal.List) == 0 {
				return nil, errors.New("metainfo: invalid file path")
			}
			parts := make([]string, len(pathVal.List))
			for i, p := range pathVal.List {
				if !p.IsString() {
					return nil, errors.New("metainfo: file path component is not a string")
				}
				parts[i] = string(p.Str)
				if parts[i] == ".." || strings.HasPrefix(parts[i], "/") {
					return nil, errors.Errorf("metainfo: unsafe path component %q", parts[i])
				}
			}
			inf.Files = append(inf.Files, File{Path: parts, Length: length})
		}
	}
	if inf.TotalLength() <= 0 {
		return nil, errors.New("metainfo: non-positive total length")
	}

	inf.AnnounceList = parseAnnounceList(root)
	return inf, nil
}

// parseAnnounceList collects every tracker URL from both the singular
// "announce" key and the nested "announce-list" tiers, deduplicating
// as it goes.
func parseAnnounceList(root *bencode.Value) [][]string {
	seen := make(map[string]bool)
	var tiers [][]string

	if announce, ok := root.GetString("announce"); ok && announce != "" {
		tiers = append(tiers, []string{announce})
		seen[announce] = true
	}

	if listVal, ok := root.Dict["announce-list"]; ok && listVal.Kind == bencode.KindList {
		for _, tierVal := range listVal.List {
			if tierVal.Kind != bencode.KindList {
				continue
			}
			var tier []string
			for _, urlVal := range tierVal.List {
				if !urlVal.IsString() {
					continue
				}
				url := string(urlVal.Str)
				if seen[url] {
					continue
				}
				seen[url] = true
				tier = append(tier, url)
			}
			if len(tier) > 0 {
				tiers = append(tiers, tier)
			}
		}
	}
	return tiers
}

// HashHex returns the lowercase hex encoding of the info hash.
func (inf *Info) HashHex() string {
	return fmt.Sprintf("%x", inf.Hash)
}

// ParseInfoBytes builds an Info from a raw info dictionary, such as the
// one assembled from ut_metadata pieces during a magnet-link download,
// which never arrives wrapped in the outer torrent-file dictionary
// Parse expects. It wraps raw in a synthetic "info" key and delegates
// to Parse so hashing and validation stay in one place.
func ParseInfoBytes(raw []byte) (*Info, error) {
	wrapped := append([]byte("d4:info"), raw...)
	wrapped = append(wrapped, 'e')
	return Parse(bytes.NewReader(wrapped))
}
