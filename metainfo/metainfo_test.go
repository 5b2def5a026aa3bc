package metainfo

import (
	"crypto/sha1"
	"strings"
	"testing"
)

func singleFileTorrent(pieceLen int, pieces string, length int) string {
	info := "d6:lengthi" + itoa(length) + "e4:name5:file112:piece lengthi" + itoa(pieceLen) + "e6:pieces" + itoa(len(pieces)) + ":" + pieces + "e"
	return "d8:announce20:http://tr.example/a/4:info" + info + "e"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{byte('0' + n%10)}, buf...)
		n /= 10
	}
	if neg {
		buf = append([]byte{'-'}, buf...)
	}
	return string(buf)
}

func TestParseSingleFile(t *testing.T) {
	pieces := strings.Repeat("a", 20) + strings.Repeat("b", 20)
	raw := singleFileTorrent(16384, pieces, 32000)
	inf, err := Parse(strings.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if inf.Name != "file1" {
		t.Fatalf("name=%q", inf.Name)
	}
	if inf.PieceLength != 16384 {
		t.Fatalf("piece length=%d", inf.PieceLength)
	}
	if len(inf.Pieces) != 2 {
		t.Fatalf("pieces=%d", len(inf.Pieces))
	}
	if inf.TotalLength() != 32000 {
		t.Fatalf("total length=%d", inf.TotalLength())
	}
	if len(inf.AnnounceList) != 1 || inf.AnnounceList[0][0] != "http://tr.example/a/" {
		t.Fatalf("announce=%v", inf.AnnounceList)
	}

	expectHash := sha1.Sum([]byte("d6:lengthi32000e4:name5:file112:piece lengthi16384e6:pieces40:" + pieces + "e"))
	if inf.Hash != expectHash {
		t.Fatalf("hash mismatch: got %x want %x", inf.Hash, expectHash)
	}
}

func TestParseInfoBytes(t *testing.T) {
	pieces := strings.Repeat("a", 20) + strings.Repeat("b", 20)
	rawInfo := "d6:lengthi32000e4:name5:file112:piece lengthi16384e6:pieces40:" + pieces + "e"

	inf, err := ParseInfoBytes([]byte(rawInfo))
	if err != nil {
		t.Fatal(err)
	}
	if inf.Name != "file1" || inf.TotalLength() != 32000 {
		t.Fatalf("unexpected info: %+v", inf)
	}
	if inf.Hash != sha1.Sum([]byte(rawInfo)) {
		t.Fatalf("hash mismatch: got %x", inf.Hash)
	}
}

func TestParseRejectsBadPiecesLength(t *testing.T) {
	raw := singleFileTorrent(16384, strings.Repeat("a", 19), 100)
	_, err := Parse(strings.NewReader(raw))
	if err == nil {
		t.Fatal("expected error for non-multiple-of-20 pieces")
	}
}

func TestParseRejectsNonPositivePieceLength(t *testing.T) {
	raw := singleFileTorrent(0, strings.Repeat("a", 20), 100)
	_, err := Parse(strings.NewReader(raw))
	if err == nil {
		t.Fatal("expected error for zero piece length")
	}
}

func TestParseMultiFile(t *testing.T) {
	pieces := strings.Repeat("c", 20)
	info := "d4:filesld6:lengthi10e4:pathl1:a1:beed6:lengthi20e4:pathl1:ceee4:name4:root12:piece lengthi16384e6:pieces20:" + pieces + "e"
	raw := "d4:info" + info + "e"
	inf, err := Parse(strings.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if !inf.IsMultiFile() {
		t.Fatal("expected multi-file")
	}
	if inf.TotalLength() != 30 {
		t.Fatalf("total length=%d", inf.TotalLength())
	}
	if inf.Files[0].Path[0] != "a" || inf.Files[0].Path[1] != "b" {
		t.Fatalf("path=%v", inf.Files[0].Path)
	}
}

func TestParseRejectsEscapingPath(t *testing.T) {
	pieces := strings.Repeat("c", 20)
	info := "d4:filesld6:lengthi10e4:pathl2:..eee4:name4:root12:piece lengthi16384e6:pieces20:" + pieces + "e"
	raw := "d4:info" + info + "e"
	_, err := Parse(strings.NewReader(raw))
	if err == nil {
		t.Fatal("expected rejection of .. path component")
	}
}
