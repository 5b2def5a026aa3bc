// Command transceiver downloads a single torrent, from either a
// .torrent file or a magnet link, to a local directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/kjartanhr/transceiver/config"
	"github.com/kjartanhr/transceiver/metainfo"
	"github.com/kjartanhr/transceiver/tracker"
	"github.com/kjartanhr/transceiver/transceiver"
)

func usage() {
	fmt.Printf(`%s [options] <torrent-file|magnet-link>

    torrent-file       Path of the torrent file
    magnet-link        Magnet link (starting with magnet:)

    -o output-dir      Optional: path of the output directory.
                       If not set, the file will be downloaded in the current
                       directory (for magnets) or torrent file's folder (for
                       .torrent files).
    -r, --rarest-first Use rarest-first piece selection (better for swarm
                       health). Default: sequential.
`, os.Args[0])
	os.Exit(2)
}

func main() {
	var outPath string
	var rarestFirst bool
	flag.Usage = usage
	flag.StringVar(&outPath, "o", "", "")
	flag.BoolVar(&rarestFirst, "r", false, "")
	flag.BoolVar(&rarestFirst, "rarest-first", false, "")
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
	}
	input := flag.Arg(0)

	cfg := config.Default()
	cfg.RarestFirst = rarestFirst

	ctx := context.Background()
	var err error
	if strings.HasPrefix(input, "magnet:") {
		if outPath == "" {
			outPath, _ = os.Getwd()
		}
		err = runMagnet(ctx, input, outPath, cfg)
	} else {
		if outPath == "" {
			outPath = filepath.Dir(input)
		}
		err = runTorrentFile(ctx, input, outPath, cfg)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func runTorrentFile(ctx context.Context, path, outPath string, cfg config.Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := metainfo.Parse(f)
	if err != nil {
		return err
	}
	log.Printf("loaded %s: %d pieces, %d bytes", info.Name, len(info.Pieces), info.TotalLength())

	trackers := parseTrackerURLs(info.AnnounceList)
	tc, err := transceiver.New(cfg, info, outPath, trackers)
	if err != nil {
		return err
	}
	return tc.Run(ctx, nil)
}

func runMagnet(ctx context.Context, link, outPath string, cfg config.Config) error {
	m, err := metainfo.ParseMagnet(link)
	if err != nil {
		return err
	}
	log.Printf("downloading %s (%s)", m.DisplayName(), m.HashHex())

	peerID, err := transceiver.NewPeerID()
	if err != nil {
		return err
	}

	trackers := parseTrackerURLs([][]string{m.TrackerURLs})
	seedAddrs := append([]string{}, m.PeerAddresses...)
	if len(trackers) > 0 {
		peers := tracker.AnnounceAll(ctx, trackers, tracker.AnnounceParams{
			InfoHash: m.Hash,
			PeerID:   peerID,
			Event:    tracker.EventStarted,
		})
		seedAddrs = append(seedAddrs, peers...)
	}
	if len(seedAddrs) == 0 {
		return fmt.Errorf("transceiver: no peers to fetch metadata from; add trackers or wait for DHT")
	}

	log.Printf("fetching metadata from %d peers", len(seedAddrs))
	info, err := transceiver.FetchMetadata(ctx, seedAddrs, m.Hash, peerID, cfg.RC4Enable, cfg.FetchInfoTimeout)
	if err != nil {
		return err
	}
	log.Printf("resolved metadata: %s, %d pieces", info.Name, len(info.Pieces))

	tc, err := transceiver.New(cfg, info, outPath, trackers)
	if err != nil {
		return err
	}
	return tc.Run(ctx, seedAddrs)
}

// parseTrackerURLs flattens a tiered announce list (or a single
// flattened tier, for magnet tr= parameters) into parsed URLs,
// skipping any that fail to parse rather than failing the whole
// torrent over one bad tracker entry.
func parseTrackerURLs(tiers [][]string) []*url.URL {
	var urls []*url.URL
	for _, tier := range tiers {
		for _, raw := range tier {
			u, err := url.Parse(raw)
			if err != nil {
				continue
			}
			urls = append(urls, u)
		}
	}
	return urls
}
