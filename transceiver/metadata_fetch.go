package transceiver

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/kjartanhr/transceiver/extension"
	"github.com/kjartanhr/transceiver/metadata"
	"github.com/kjartanhr/transceiver/metainfo"
	"github.com/kjartanhr/transceiver/peerconn"
)

// localUTMetadataID is the extended-message id this transceiver assigns
// to ut_metadata in its own handshake; peers echo messages of that
// extension back addressed to this id.
const localUTMetadataID = 1

// fetchMetadata dials addr and drives a BEP-9 ut_metadata exchange to
// recover the full info dictionary for a magnet-link torrent, grounded
// on the teacher's peer.go downloadPiece(info=true) request/response
// loop, generalized from that function's single-connection pipelining
// into a session driven over peerconn's event channel.
func fetchMetadata(ctx context.Context, addr string, infoHash, peerID [20]byte, preferMSE bool, timeout time.Duration) (*metainfo.Info, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := peerconn.Dial(ctx, addr, infoHash, peerID, true, true, true, preferMSE)
	if err != nil {
		return nil, errors.Wrap(err, "transceiver: dial metadata peer")
	}
	events := make(chan peerconn.Event, 64)
	sess := peerconn.NewSession(conn, 0, events)
	go sess.Run()
	defer sess.Close()

	handshakePayload := extension.BuildHandshake(map[string]int{extension.UTMetadata: localUTMetadataID}, 0, "transceiver")
	if err := sess.SendExtended(0, handshakePayload); err != nil {
		return nil, errors.Wrap(err, "transceiver: send extended handshake")
	}

	var remoteUTMetadataID int
	var totalSize int
	var pieces [][]byte
	requested := -1

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "transceiver: metadata fetch timed out")
		case <-deadline.C:
			return nil, errors.New("transceiver: metadata fetch timed out")
		case ev, ok := <-events:
			if !ok {
				return nil, errors.New("transceiver: metadata peer disconnected")
			}
			switch {
			case ev.Kind == peerconn.EvDisconnected:
				return nil, errors.Wrap(ev.Err, "transceiver: metadata peer disconnected")

			case ev.Kind == peerconn.EvExtended && ev.ExtendedID == 0:
				hs, err := extension.ParseHandshake(ev.Payload)
				if err != nil {
					return nil, errors.Wrap(err, "transceiver: parse extended handshake")
				}
				id, ok := hs.Supports(extension.UTMetadata)
				if !ok {
					return nil, errors.New("transceiver: peer does not support ut_metadata")
				}
				remoteUTMetadataID = id
				if hs.MetadataSize > 0 {
					totalSize = hs.MetadataSize
					pieces = make([][]byte, metadata.NumPieces(totalSize))
				}
				if totalSize > 0 && requested < 0 {
					requested = 0
					if err := sess.SendExtended(byte(remoteUTMetadataID), metadata.BuildRequest(0)); err != nil {
						return nil, errors.Wrap(err, "transceiver: request metadata piece")
					}
				}

			case ev.Kind == peerconn.EvExtended && ev.ExtendedID == localUTMetadataID:
				parsed, err := metadata.Parse(ev.Payload)
				if err != nil {
					return nil, errors.Wrap(err, "transceiver: parse metadata message")
				}
				if parsed.MsgType == metadata.MsgReject {
					return nil, errors.Errorf("transceiver: peer rejected metadata piece %d", parsed.Piece)
				}
				if parsed.MsgType != metadata.MsgData || parsed.Piece >= len(pieces) {
					continue
				}
				pieces[parsed.Piece] = parsed.Data

				next := parsed.Piece + 1
				if next >= len(pieces) {
					info, err := assembleAndVerify(pieces, infoHash)
					if err != nil {
						return nil, err
					}
					return info, nil
				}
				requested = next
				if err := sess.SendExtended(byte(remoteUTMetadataID), metadata.BuildRequest(next)); err != nil {
					return nil, errors.Wrap(err, "transceiver: request metadata piece")
				}
			}
		}
	}
}

func assembleAndVerify(pieces [][]byte, infoHash [20]byte) (*metainfo.Info, error) {
	for _, p := range pieces {
		if p == nil {
			return nil, errors.New("transceiver: incomplete metadata assembly")
		}
	}
	raw, err := metadata.Assemble(pieces, infoHash)
	if err != nil {
		return nil, errors.Wrap(err, "transceiver: assemble metadata")
	}
	info, err := metainfo.ParseInfoBytes(raw)
	if err != nil {
		return nil, errors.Wrap(err, "transceiver: parse assembled metadata")
	}
	return info, nil
}

// FetchMetadata tries each address in addrs in turn until one yields a
// verified info dictionary, matching the teacher's single-attempt
// per-torrent metadata policy: a failure moves to the next peer rather
// than retrying the same one or fanning out in parallel.
func FetchMetadata(ctx context.Context, addrs []string, infoHash, peerID [20]byte, preferMSE bool, timeout time.Duration) (*metainfo.Info, error) {
	var lastErr error
	for _, addr := range addrs {
		info, err := fetchMetadata(ctx, addr, infoHash, peerID, preferMSE, timeout)
		if err == nil {
			return info, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = errors.New("transceiver: no peers available for metadata fetch")
	}
	return nil, errors.Wrap(lastErr, "transceiver: metadata fetch failed against every peer")
}
