// Package pcd reads and writes Point Cloud Data files.
//
// Only the x, y and z fields are kept; any other fields (intensity, rgb,
// ring, ...) are skipped. DATA ascii and binary are supported,
// binary_compressed is not.
package pcd

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
)

// DataFormat is the encoding of the point section.
type DataFormat string

const (
	DataASCII            DataFormat = "ascii"
	DataBinary           DataFormat = "binary"
	DataBinaryCompressed DataFormat = "binary_compressed"
)

// Parse errors.
var (
	ErrUnsupported = errors.New("unsupported pcd feature")
	ErrMalformed   = errors.New("malformed pcd")
)

// Header is the PCD header.
type Header struct {
	Version   string
	Fields    []string
	Size      []int
	Type      []string
	Count     []int
	Width     int
	Height    int
	Viewpoint [7]float64
	Points    int
	Data      DataFormat
}

// Cloud is a decoded point cloud.
type Cloud struct {
	Header Header
	Points []l2frames.Point
}

// Len returns the number of points.
func (c *Cloud) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Points)
}

// Bounds returns the axis-aligned bounding box of the cloud.
func (c *Cloud) Bounds() (lo, hi l2frames.Point) {
	if c.Len() == 0 {
		return
	}
	lo, hi = c.Points[0], c.Points[0]
	for _, p := range c.Points[1:] {
		lo = l2frames.Point{X: math.Min(lo.X, p.X), Y: math.Min(lo.Y, p.Y), Z: math.Min(lo.Z, p.Z)}
		hi = l2frames.Point{X: math.Max(hi.X, p.X), Y: math.Max(hi.Y, p.Y), Z: math.Max(hi.Z, p.Z)}
	}
	return lo, hi
}

// LoadMap reads a PCD file from disk. A missing file yields an error
// matching os.ErrNotExist.
func LoadMap(path string) (*Cloud, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open map: %w", err)
	}
	defer f.Close()

	c, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("read map %s: %w", path, err)
	}
	return c, nil
}

// Read decodes a PCD stream.
func Read(r io.Reader) (*Cloud, error) {
	in := bufio.NewReader(r)
	h, err := readHeader(in)
	if err != nil {
		return nil, err
	}
	layout, err := newLayout(h)
	if err != nil {
		return nil, err
	}

	c := &Cloud{Header: h, Points: make([]l2frames.Point, 0, h.Points)}
	switch h.Data {
	case DataASCII:
		err = readASCII(in, h, layout, c)
	case DataBinary:
		err = readBinary(in, h, layout, c)
	default:
		err = fmt.Errorf("%w: DATA %s", ErrUnsupported, h.Data)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func readHeader(in *bufio.Reader) (Header, error) {
	h := Header{Version: "0.7", Height: 1}
	for {
		line, err := in.ReadString('\n')
		if err != nil {
			return h, fmt.Errorf("%w: header ended before DATA: %v", ErrMalformed, err)
		}
		line, _, _ = strings.Cut(line, "#")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, _ := strings.Cut(line, " ")
		tokens := strings.Fields(value)
		switch strings.ToUpper(key) {
		case "VERSION":
			h.Version = value
		case "FIELDS", "COLUMNS":
			h.Fields = tokens
		case "SIZE":
			if h.Size, err = atoiAll(tokens); err != nil {
				return h, fmt.Errorf("%w: SIZE: %v", ErrMalformed, err)
			}
		case "TYPE":
			h.Type = tokens
		case "COUNT":
			if h.Count, err = atoiAll(tokens); err != nil {
				return h, fmt.Errorf("%w: COUNT: %v", ErrMalformed, err)
			}
		case "WIDTH":
			if h.Width, err = strconv.Atoi(value); err != nil {
				return h, fmt.Errorf("%w: WIDTH: %v", ErrMalformed, err)
			}
		case "HEIGHT":
			if h.Height, err = strconv.Atoi(value); err != nil {
				return h, fmt.Errorf("%w: HEIGHT: %v", ErrMalformed, err)
			}
		case "VIEWPOINT":
			if len(tokens) != 7 {
				return h, fmt.Errorf("%w: VIEWPOINT expects 7 values, got %d", ErrMalformed, len(tokens))
			}
			for i, tok := range tokens {
				if h.Viewpoint[i], err = strconv.ParseFloat(tok, 64); err != nil {
					return h, fmt.Errorf("%w: VIEWPOINT: %v", ErrMalformed, err)
				}
			}
		case "POINTS":
			if h.Points, err = strconv.Atoi(value); err != nil {
				return h, fmt.Errorf("%w: POINTS: %v", ErrMalformed, err)
			}
		case "DATA":
			h.Data = DataFormat(value)
			if h.Points == 0 {
				h.Points = h.Width * h.Height
			}
			return h, nil
		default:
			return h, fmt.Errorf("%w: unknown header line %q", ErrMalformed, line)
		}
	}
}

func atoiAll(tokens []string) ([]int, error) {
	out := make([]int, len(tokens))
	for i, tok := range tokens {
		v, err := strconv.Atoi(tok)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// layout locates x, y, z within a point record.
type layout struct {
	columns    int    // ascii tokens per point
	recordSize int    // binary bytes per point
	col        [3]int // ascii column of x, y, z
	off        [3]int // binary offset of x, y, z
	size       [3]int // 4 or 8
}

func newLayout(h Header) (layout, error) {
	var l layout
	n := len(h.Fields)
	if n == 0 {
		return l, fmt.Errorf("%w: no FIELDS", ErrMalformed)
	}
	size, typ, count := h.Size, h.Type, h.Count
	if count == nil {
		count = make([]int, n)
		for i := range count {
			count[i] = 1
		}
	}
	if len(size) != n || len(typ) != n || len(count) != n {
		return l, fmt.Errorf("%w: FIELDS/SIZE/TYPE/COUNT lengths differ", ErrMalformed)
	}

	found := [3]bool{}
	col, off := 0, 0
	for i, name := range h.Fields {
		axis := strings.Index("xyz", strings.ToLower(name))
		if len(name) == 1 && axis >= 0 {
			if typ[i] != "F" || (size[i] != 4 && size[i] != 8) || count[i] != 1 {
				return l, fmt.Errorf("%w: field %s must be a single F4 or F8", ErrUnsupported, name)
			}
			l.col[axis], l.off[axis], l.size[axis] = col, off, size[i]
			found[axis] = true
		}
		col += count[i]
		off += size[i] * count[i]
	}
	if !found[0] || !found[1] || !found[2] {
		return l, fmt.Errorf("%w: FIELDS must include x y z", ErrMalformed)
	}
	l.columns, l.recordSize = col, off
	return l, nil
}

func readASCII(in *bufio.Reader, h Header, l layout, c *Cloud) error {
	for i := 0; i < h.Points; i++ {
		line, err := in.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return fmt.Errorf("%w: point %d: %v", ErrMalformed, i, err)
		}
		tokens := strings.Fields(line)
		if len(tokens) != l.columns {
			return fmt.Errorf("%w: point %d has %d values, want %d", ErrMalformed, i, len(tokens), l.columns)
		}
		var v [3]float64
		for axis := 0; axis < 3; axis++ {
			if v[axis], err = strconv.ParseFloat(tokens[l.col[axis]], 64); err != nil {
				return fmt.Errorf("%w: point %d: %v", ErrMalformed, i, err)
			}
		}
		c.Points = append(c.Points, l2frames.Point{X: v[0], Y: v[1], Z: v[2]})
	}
	return nil
}

func readBinary(in *bufio.Reader, h Header, l layout, c *Cloud) error {
	rec := make([]byte, l.recordSize)
	for i := 0; i < h.Points; i++ {
		if _, err := io.ReadFull(in, rec); err != nil {
			return fmt.Errorf("%w: point %d: %v", ErrMalformed, i, err)
		}
		var v [3]float64
		for axis := 0; axis < 3; axis++ {
			b := rec[l.off[axis]:]
			if l.size[axis] == 8 {
				v[axis] = math.Float64frombits(binary.LittleEndian.Uint64(b))
			} else {
				v[axis] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
			}
		}
		c.Points = append(c.Points, l2frames.Point{X: v[0], Y: v[1], Z: v[2]})
	}
	return nil
}

// Write encodes points as an unorganised x y z cloud with float32 fields.
func Write(w io.Writer, points []l2frames.Point, format DataFormat) error {
	if format != DataASCII && format != DataBinary {
		return fmt.Errorf("%w: DATA %s", ErrUnsupported, format)
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# .PCD v0.7 - Point Cloud Data file format\n"+
		"VERSION 0.7\n"+
		"FIELDS x y z\n"+
		"SIZE 4 4 4\n"+
		"TYPE F F F\n"+
		"COUNT 1 1 1\n"+
		"WIDTH %d\n"+
		"HEIGHT 1\n"+
		"VIEWPOINT 0 0 0 1 0 0 0\n"+
		"POINTS %d\n"+
		"DATA %s\n", len(points), len(points), format)

	buf := make([]byte, 12)
	for _, p := range points {
		if format == DataASCII {
			fmt.Fprintf(bw, "%s %s %s\n", formatFloat(p.X), formatFloat(p.Y), formatFloat(p.Z))
			continue
		}
		binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(p.X)))
		binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(float32(p.Y)))
		binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(float32(p.Z)))
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(float64(float32(v)), 'g', -1, 32)
}

// SaveMap writes points to path.
func SaveMap(path string, points []l2frames.Point, format DataFormat) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create map: %w", err)
	}
	if err := Write(f, points, format); err != nil {
		f.Close()
		return fmt.Errorf("write map %s: %w", path, err)
	}
	return f.Close()
}
