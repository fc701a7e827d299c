// Package config parses the two configuration surfaces this program
// accepts: the line-oriented range/pubkey config file, and the ephemeral
// --start-*/--end-*/--pubkey CLI flags. CLI flag definitions themselves
// live in cmd/kangaroo; this package produces the parsed Search the
// engine needs regardless of whether it came from a file or from flags.
package config

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/secp-kangaroo/kangaroo/internal/secp"
)

// ErrConfigInvalid reports a malformed range file or CLI flag combination.
type ErrConfigInvalid struct {
	Reason string
}

func (e *ErrConfigInvalid) Error() string {
	return fmt.Sprintf("config: %s", e.Reason)
}

// Search is one fully-validated ECDLP instance: a range and a target
// public key.
type Search struct {
	RangeStart *big.Int
	RangeEnd   *big.Int
	PubKey     secp.Point
}

// LoadRangeFile parses a line-oriented config file: line 1 is the range
// start (64 hex chars, big-endian), line 2 the range end, and every line
// after that a public key (66 hex chars compressed, or 130 hex chars
// uncompressed). Multiple pubkey lines produce one Search per line, all
// sharing the same range — a batch search over several targets.
func LoadRangeFile(path string) ([]Search, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	var lines []string
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if len(lines) < 3 {
		return nil, &ErrConfigInvalid{Reason: fmt.Sprintf("%s: need at least 3 non-empty lines (start, end, pubkey)", path)}
	}

	start, err := parseHexScalar(lines[0], "range start")
	if err != nil {
		return nil, err
	}
	end, err := parseHexScalar(lines[1], "range end")
	if err != nil {
		return nil, err
	}
	if start.Cmp(end) > 0 {
		return nil, &ErrConfigInvalid{Reason: "range start is greater than range end"}
	}

	var searches []Search
	for _, line := range lines[2:] {
		pk, err := ParsePubKeyHex(line)
		if err != nil {
			return nil, err
		}
		searches = append(searches, Search{RangeStart: start, RangeEnd: end, PubKey: pk})
	}
	return searches, nil
}

// ParsePubKeyHex accepts the two pubkey forms this program allows: 66 hex
// chars (33-byte compressed, prefix 02/03) or 130 hex chars (65-byte
// uncompressed, prefix 04).
func ParsePubKeyHex(s string) (secp.Point, error) {
	s = strings.TrimSpace(s)
	if len(s) != 66 && len(s) != 130 {
		return secp.Point{}, &ErrConfigInvalid{Reason: fmt.Sprintf("pubkey %q has invalid length %d (want 66 or 130 hex chars)", s, len(s))}
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return secp.Point{}, &ErrConfigInvalid{Reason: fmt.Sprintf("pubkey %q is not valid hex: %v", s, err)}
	}
	p, err := secp.ParsePubKey(b)
	if err != nil {
		return secp.Point{}, &ErrConfigInvalid{Reason: fmt.Sprintf("pubkey %q: %v", s, err)}
	}
	return p, nil
}

func parseHexScalar(s, name string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if len(s) != 64 {
		return nil, &ErrConfigInvalid{Reason: fmt.Sprintf("%s %q must be exactly 64 hex chars", name, s)}
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, &ErrConfigInvalid{Reason: fmt.Sprintf("%s %q is not valid hex", name, s)}
	}
	return v, nil
}

// EphemeralRange builds a Search from the --start-dec/--end-dec/--pubkey or
// --start-hex/--end-hex/--pubkey CLI forms, which bypass the config file
// entirely for a single ad hoc key. decimal and hex are mutually exclusive
// by construction: callers pass exactly one pair of non-empty strings.
func EphemeralRange(startDec, endDec, startHex, endHex, pubkey string) (Search, error) {
	useDec := startDec != "" || endDec != ""
	useHex := startHex != "" || endHex != ""
	if useDec && useHex {
		return Search{}, &ErrConfigInvalid{Reason: "--start-dec/--end-dec and --start-hex/--end-hex are mutually exclusive"}
	}
	if !useDec && !useHex {
		return Search{}, &ErrConfigInvalid{Reason: "one of --start-dec/--end-dec or --start-hex/--end-hex is required"}
	}

	var start, end *big.Int
	var ok bool
	if useDec {
		start, ok = new(big.Int).SetString(startDec, 10)
		if !ok {
			return Search{}, &ErrConfigInvalid{Reason: fmt.Sprintf("--start-dec %q is not a valid decimal integer", startDec)}
		}
		end, ok = new(big.Int).SetString(endDec, 10)
		if !ok {
			return Search{}, &ErrConfigInvalid{Reason: fmt.Sprintf("--end-dec %q is not a valid decimal integer", endDec)}
		}
	} else {
		start, ok = new(big.Int).SetString(strings.TrimPrefix(startHex, "0x"), 16)
		if !ok {
			return Search{}, &ErrConfigInvalid{Reason: fmt.Sprintf("--start-hex %q is not valid hex", startHex)}
		}
		end, ok = new(big.Int).SetString(strings.TrimPrefix(endHex, "0x"), 16)
		if !ok {
			return Search{}, &ErrConfigInvalid{Reason: fmt.Sprintf("--end-hex %q is not valid hex", endHex)}
		}
	}
	if start.Cmp(end) > 0 {
		return Search{}, &ErrConfigInvalid{Reason: "range start is greater than range end"}
	}

	pk, err := ParsePubKeyHex(pubkey)
	if err != nil {
		return Search{}, err
	}
	return Search{RangeStart: start, RangeEnd: end, PubKey: pk}, nil
}
