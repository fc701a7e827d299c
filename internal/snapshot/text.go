package snapshot

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/secp-kangaroo/kangaroo/internal/hashtable"
	"github.com/secp-kangaroo/kangaroo/internal/herd"
	"github.com/secp-kangaroo/kangaroo/internal/secp"
)

func fieldHex(f *secp.Field) string {
	b := secp.FieldBytes(f)
	return hex.EncodeToString(b[:])
}

func scalarHex(s *secp.Scalar) string {
	b := secp.ScalarBytes(s)
	return hex.EncodeToString(b[:])
}

func parseKangarooText(fields []string) (KangarooState, error) {
	if len(fields) != 5 {
		return KangarooState{}, fmt.Errorf("snapshot: malformed kangaroo line")
	}
	xb, err := hex.DecodeString(fields[0])
	if err != nil || len(xb) != 32 {
		return KangarooState{}, fmt.Errorf("snapshot: malformed kangaroo x")
	}
	yb, err := hex.DecodeString(fields[1])
	if err != nil || len(yb) != 32 {
		return KangarooState{}, fmt.Errorf("snapshot: malformed kangaroo y")
	}
	db, err := hex.DecodeString(fields[2])
	if err != nil || len(db) != 32 {
		return KangarooState{}, fmt.Errorf("snapshot: malformed kangaroo d")
	}
	kind, err := strconv.Atoi(fields[3])
	if err != nil {
		return KangarooState{}, err
	}
	symClass, err := strconv.Atoi(fields[4])
	if err != nil {
		return KangarooState{}, err
	}

	var xa, ya, da [32]byte
	copy(xa[:], xb)
	copy(ya[:], yb)
	copy(da[:], db)
	d, _ := secp.ScalarFromBytes(&da)

	return KangarooState{
		X:        secp.FieldFromBytes(&xa),
		Y:        secp.FieldFromBytes(&ya),
		D:        d,
		Kind:     herd.Kind(kind),
		SymClass: uint8(symClass),
	}, nil
}

// WriteText renders p in a line-oriented textual format carrying the same
// semantic content as WriteBinary, with hex for wide integers; used for
// external inspection and reproducibility.
func WriteText(w io.Writer, p Payload) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "work 1\n")
	fmt.Fprintf(bw, "dpbits %d\n", p.Header.DPBits)
	fmt.Fprintf(bw, "rangestart %s\n", hex.EncodeToString(p.Header.RangeStart[:]))
	fmt.Fprintf(bw, "rangeend %s\n", hex.EncodeToString(p.Header.RangeEnd[:]))
	fmt.Fprintf(bw, "qx %s\n", hex.EncodeToString(p.Header.Qx[:]))
	fmt.Fprintf(bw, "qy %s\n", hex.EncodeToString(p.Header.Qy[:]))
	fmt.Fprintf(bw, "totalcount %d\n", p.Header.TotalCount)
	fmt.Fprintf(bw, "totaltime %g\n", p.Header.TotalTime)
	fmt.Fprintf(bw, "buckets %d\n", hashtable.HashSize)

	for h := 0; h < hashtable.HashSize; h++ {
		var items []hashtable.Entry
		if h < len(p.Buckets) {
			items = p.Buckets[h].Items
		}
		if len(items) == 0 {
			continue
		}
		for _, e := range items {
			fmt.Fprintf(bw, "dp %d %016x%016x %016x%016x %d %d\n",
				h, e.FPHi, e.FPLo, e.DHi, e.DLo, int(e.Kind), e.SymClass)
		}
	}

	fmt.Fprintf(bw, "walkers %d\n", len(p.Kangaroos))
	for _, k := range p.Kangaroos {
		if err := writeKangarooText(bw, k); err != nil {
			return err
		}
	}

	return bw.Flush()
}

func writeKangarooText(w io.Writer, k KangarooState) error {
	// Delegates to the binary field/scalar encoders so the textual and
	// binary formats never drift out of sync on how a coordinate is
	// represented.
	xb := fieldHex(&k.X)
	yb := fieldHex(&k.Y)
	db := scalarHex(&k.D)
	_, err := fmt.Fprintf(w, "kangaroo %s %s %s %d %d\n", xb, yb, db, int(k.Kind), k.SymClass)
	return err
}

// ReadText parses the textual work file format produced by WriteText.
func ReadText(r io.Reader) (Payload, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)

	var p Payload
	p.Buckets = make([]hashtable.Bucket, hashtable.HashSize)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "work":
			// version marker, nothing to validate beyond presence.
		case "dpbits":
			v, err := strconv.ParseUint(fields[1], 10, 32)
			if err != nil {
				return Payload{}, err
			}
			p.Header.DPBits = uint32(v)
		case "rangestart":
			if err := decodeHex32(fields[1], &p.Header.RangeStart); err != nil {
				return Payload{}, err
			}
		case "rangeend":
			if err := decodeHex32(fields[1], &p.Header.RangeEnd); err != nil {
				return Payload{}, err
			}
		case "qx":
			if err := decodeHex32(fields[1], &p.Header.Qx); err != nil {
				return Payload{}, err
			}
		case "qy":
			if err := decodeHex32(fields[1], &p.Header.Qy); err != nil {
				return Payload{}, err
			}
		case "totalcount":
			v, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return Payload{}, err
			}
			p.Header.TotalCount = v
		case "totaltime":
			v, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				return Payload{}, err
			}
			p.Header.TotalTime = v
		case "buckets":
			// informational; table is pre-sized to hashtable.HashSize.
		case "dp":
			h, err := strconv.Atoi(fields[1])
			if err != nil {
				return Payload{}, err
			}
			fp := fields[2]
			d := fields[3]
			kind, err := strconv.Atoi(fields[4])
			if err != nil {
				return Payload{}, err
			}
			symClass, err := strconv.Atoi(fields[5])
			if err != nil {
				return Payload{}, err
			}
			fpHi, fpLo, err := splitHex128(fp)
			if err != nil {
				return Payload{}, err
			}
			dHi, dLo, err := splitHex128(d)
			if err != nil {
				return Payload{}, err
			}
			e := hashtable.Entry{
				FPHi: fpHi, FPLo: fpLo, DHi: dHi, DLo: dLo,
				Kind: herd.Kind(kind), SymClass: uint8(symClass),
			}
			p.Buckets[h].Items = append(p.Buckets[h].Items, e)
			p.BucketCnt++
		case "walkers":
			// count is implicit in the following "kangaroo" lines.
		case "kangaroo":
			k, err := parseKangarooText(fields[1:])
			if err != nil {
				return Payload{}, err
			}
			p.Kangaroos = append(p.Kangaroos, k)
		}
	}
	if err := sc.Err(); err != nil {
		return Payload{}, err
	}
	return p, nil
}

func splitHex128(s string) (hi, lo uint64, err error) {
	if len(s) != 32 {
		return 0, 0, fmt.Errorf("snapshot: malformed 128-bit hex field %q", s)
	}
	hi, err = strconv.ParseUint(s[:16], 16, 64)
	if err != nil {
		return 0, 0, err
	}
	lo, err = strconv.ParseUint(s[16:], 16, 64)
	return hi, lo, err
}

func decodeHex32(s string, dst *[32]byte) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != 32 {
		return fmt.Errorf("snapshot: expected 32 bytes, got %d", len(b))
	}
	copy(dst[:], b)
	return nil
}
