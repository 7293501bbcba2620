package rastreader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/terrascope/geometry"
	"golang.org/x/image/tiff/lzw"
)

// TIFF tags read by the decoder.
const (
	tImageWidth                = 256
	tImageLength               = 257
	tBitsPerSample             = 258
	tCompression               = 259
	tStripOffsets              = 273
	tSamplesPerPixel           = 277
	tRowsPerStrip              = 278
	tStripByteCounts           = 279
	tPlanarConfiguration       = 284
	tPredictor                 = 317
	tTileWidth                 = 322
	tTileLength                = 323
	tTileOffsets               = 324
	tTileByteCounts            = 325
	tSampleFormat              = 339
	tModelPixelScale           = 33550
	tModelTiepoint             = 33922
	tModelTransformation       = 34264
	tGeoKeyDirectory           = 34735
	tGeoDoubleParams           = 34736
	tGeoASCIIParams            = 34737
	tGDALNoData                = 42113
	compressionNone            = 1
	compressionLZW             = 5
	compressionDeflate         = 8
	compressionDeflateObsolete = 32946
	compressionPackBits        = 32773
	predictorNone              = 1
	predictorHorizontal        = 2
	predictorFloatingPoint     = 3
	planarChunky               = 1
	planarSeparate             = 2

	// Size limits checked before any sample buffer is allocated.
	maxDimension = 1 << 16
	maxSamples   = 1 << 27
)

var typeSizes = map[uint16]int{
	1: 1, 2: 1, 3: 2, 4: 4, 5: 8, 6: 1, 7: 1, 8: 2, 9: 4, 10: 8, 11: 4, 12: 8,
}

type field struct {
	typ   uint16
	count int
	raw   []byte
}

// Image is the first image of a GeoTIFF container, with samples widened to
// float64 and the bounding box still in the native CRS.
type Image struct {
	Width         int
	Height        int
	Bands         [][]float64
	BitsPerSample int
	SampleFormat  SampleFormat
	NoData        *float64
	Native        geometry.BoundingBox
	Keys          GeoKeys
}

type tiffDecoder struct {
	buf    []byte
	order  binary.ByteOrder
	fields map[uint16]field
}

// Decode parses a classic (non-Big) GeoTIFF held in memory. Errors are
// returned as *DecodeError.
func Decode(buf []byte) (*Image, error) {
	img, err := decode(buf)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return img, nil
}

func decode(buf []byte) (*Image, error) {
	if len(buf) < 8 {
		return nil, errors.New("short header")
	}
	d := &tiffDecoder{buf: buf}
	switch string(buf[:2]) {
	case "II":
		d.order = binary.LittleEndian
	case "MM":
		d.order = binary.BigEndian
	default:
		return nil, fmt.Errorf("bad byte order marker %q", buf[:2])
	}
	switch magic := d.order.Uint16(buf[2:4]); magic {
	case 42:
	case 43:
		return nil, errors.New("BigTIFF is not supported")
	default:
		return nil, fmt.Errorf("bad magic number %d", magic)
	}
	if err := d.readIFD(int64(d.order.Uint32(buf[4:8]))); err != nil {
		return nil, err
	}

	img := &Image{
		Width:  d.firstInt(tImageWidth, 0),
		Height: d.firstInt(tImageLength, 0),
	}
	if img.Width <= 0 || img.Height <= 0 || img.Width > maxDimension || img.Height > maxDimension {
		return nil, fmt.Errorf("invalid image size %dx%d", img.Width, img.Height)
	}
	if err := d.readSamples(img); err != nil {
		return nil, err
	}
	native, err := d.nativeBounds(img.Width, img.Height)
	if err != nil {
		return nil, err
	}
	img.Native = native
	if img.Keys, err = d.geoKeys(); err != nil {
		return nil, err
	}
	if s := strings.TrimSpace(strings.TrimRight(d.ascii(tGDALNoData), "\x00")); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			img.NoData = &v
		}
	}
	return img, nil
}

func (d *tiffDecoder) readIFD(off int64) error {
	if off < 8 || off+2 > int64(len(d.buf)) {
		return fmt.Errorf("IFD offset %d out of range", off)
	}
	n := int64(d.order.Uint16(d.buf[off:]))
	if off+2+n*12 > int64(len(d.buf)) {
		return fmt.Errorf("IFD with %d entries overruns file", n)
	}
	d.fields = make(map[uint16]field, n)
	for i := int64(0); i < n; i++ {
		e := d.buf[off+2+i*12 : off+2+(i+1)*12]
		tag := d.order.Uint16(e[0:2])
		typ := d.order.Uint16(e[2:4])
		count := int64(d.order.Uint32(e[4:8]))
		size, ok := typeSizes[typ]
		if !ok {
			// Unknown types are skipped, as readers are required to.
			continue
		}
		length := count * int64(size)
		var raw []byte
		if length <= 4 {
			raw = e[8 : 8+length]
		} else {
			voff := int64(d.order.Uint32(e[8:12]))
			if voff+length > int64(len(d.buf)) {
				return fmt.Errorf("tag %d value overruns file", tag)
			}
			raw = d.buf[voff : voff+length]
		}
		d.fields[tag] = field{typ: typ, count: int(count), raw: raw}
	}
	return nil
}

// ints returns an integer-typed tag. Missing tags give nil.
func (d *tiffDecoder) ints(tag uint16) []int64 {
	f, ok := d.fields[tag]
	if !ok {
		return nil
	}
	out := make([]int64, f.count)
	for i := range out {
		switch f.typ {
		case 1, 7:
			out[i] = int64(f.raw[i])
		case 6:
			out[i] = int64(int8(f.raw[i]))
		case 3:
			out[i] = int64(d.order.Uint16(f.raw[2*i:]))
		case 8:
			out[i] = int64(int16(d.order.Uint16(f.raw[2*i:])))
		case 4:
			out[i] = int64(d.order.Uint32(f.raw[4*i:]))
		case 9:
			out[i] = int64(int32(d.order.Uint32(f.raw[4*i:])))
		default:
			return nil
		}
	}
	return out
}

func (d *tiffDecoder) firstInt(tag uint16, def int) int {
	v := d.ints(tag)
	if len(v) == 0 {
		return def
	}
	return int(v[0])
}

func (d *tiffDecoder) doubles(tag uint16) []float64 {
	f, ok := d.fields[tag]
	if !ok {
		return nil
	}
	out := make([]float64, f.count)
	for i := range out {
		switch f.typ {
		case 11:
			out[i] = float64(math.Float32frombits(d.order.Uint32(f.raw[4*i:])))
		case 12:
			out[i] = math.Float64frombits(d.order.Uint64(f.raw[8*i:]))
		case 5:
			num, den := d.order.Uint32(f.raw[8*i:]), d.order.Uint32(f.raw[8*i+4:])
			out[i] = float64(num) / float64(den)
		default:
			ints := d.ints(tag)
			if ints == nil {
				return nil
			}
			out[i] = float64(ints[i])
		}
	}
	return out
}

func (d *tiffDecoder) ascii(tag uint16) string {
	f, ok := d.fields[tag]
	if !ok || f.typ != 2 {
		return ""
	}
	return string(f.raw)
}

// uniform returns the single value shared by every element of a per-sample
// tag, or def when the tag is absent.
func (d *tiffDecoder) uniform(tag uint16, def int) (int, error) {
	v := d.ints(tag)
	if len(v) == 0 {
		return def, nil
	}
	for _, x := range v[1:] {
		if x != v[0] {
			return 0, fmt.Errorf("tag %d varies per sample (%v)", tag, v)
		}
	}
	return int(v[0]), nil
}

type sampleFunc func(b []byte) float64

func (d *tiffDecoder) sampleReader(bps int, format SampleFormat) (sampleFunc, error) {
	o := d.order
	switch {
	case format == SampleUint && bps == 8:
		return func(b []byte) float64 { return float64(b[0]) }, nil
	case format == SampleUint && bps == 16:
		return func(b []byte) float64 { return float64(o.Uint16(b)) }, nil
	case format == SampleUint && bps == 32:
		return func(b []byte) float64 { return float64(o.Uint32(b)) }, nil
	case format == SampleUint && bps == 64:
		return func(b []byte) float64 { return float64(o.Uint64(b)) }, nil
	case format == SampleInt && bps == 8:
		return func(b []byte) float64 { return float64(int8(b[0])) }, nil
	case format == SampleInt && bps == 16:
		return func(b []byte) float64 { return float64(int16(o.Uint16(b))) }, nil
	case format == SampleInt && bps == 32:
		return func(b []byte) float64 { return float64(int32(o.Uint32(b))) }, nil
	case format == SampleInt && bps == 64:
		return func(b []byte) float64 { return float64(int64(o.Uint64(b))) }, nil
	case format == SampleFloat && bps == 32:
		return func(b []byte) float64 { return float64(math.Float32frombits(o.Uint32(b))) }, nil
	case format == SampleFloat && bps == 64:
		return func(b []byte) float64 { return math.Float64frombits(o.Uint64(b)) }, nil
	}
	return nil, fmt.Errorf("unsupported sample format %d with %d bits", format, bps)
}

func (d *tiffDecoder) readSamples(img *Image) error {
	spp := d.firstInt(tSamplesPerPixel, 1)
	if spp <= 0 {
		return fmt.Errorf("invalid samples per pixel %d", spp)
	}
	if int64(img.Width)*int64(img.Height)*int64(spp) > maxSamples {
		return fmt.Errorf("%dx%d image with %d samples per pixel exceeds %d samples",
			img.Width, img.Height, spp, maxSamples)
	}
	bps, err := d.uniform(tBitsPerSample, 1)
	if err != nil {
		return err
	}
	sf, err := d.uniform(tSampleFormat, int(SampleUint))
	if err != nil {
		return err
	}
	format := SampleFormat(sf)
	read, err := d.sampleReader(bps, format)
	if err != nil {
		return err
	}
	img.BitsPerSample, img.SampleFormat = bps, format
	bytesPerSample := bps / 8

	compression := d.firstInt(tCompression, compressionNone)
	predictor := d.firstInt(tPredictor, predictorNone)
	switch predictor {
	case predictorNone:
	case predictorHorizontal:
		if format == SampleFloat {
			return errors.New("horizontal predictor on float samples")
		}
	case predictorFloatingPoint:
		if format != SampleFloat {
			return errors.New("floating point predictor on integer samples")
		}
	default:
		return fmt.Errorf("unsupported predictor %d", predictor)
	}

	planar := d.firstInt(tPlanarConfiguration, planarChunky)
	planes, blockSpp := 1, spp
	switch planar {
	case planarChunky:
	case planarSeparate:
		planes, blockSpp = spp, 1
	default:
		return fmt.Errorf("unsupported planar configuration %d", planar)
	}

	tiled := len(d.ints(tTileWidth)) > 0
	var bw, bh int
	var offsets, counts []int64
	if tiled {
		bw, bh = d.firstInt(tTileWidth, 0), d.firstInt(tTileLength, 0)
		offsets, counts = d.ints(tTileOffsets), d.ints(tTileByteCounts)
	} else {
		bw, bh = img.Width, d.firstInt(tRowsPerStrip, img.Height)
		if bh <= 0 || bh > img.Height {
			bh = img.Height
		}
		offsets, counts = d.ints(tStripOffsets), d.ints(tStripByteCounts)
	}
	if bw <= 0 || bh <= 0 || bw > maxDimension || bh > maxDimension {
		return fmt.Errorf("invalid block size %dx%d", bw, bh)
	}
	if int64(bw)*int64(bh)*int64(blockSpp) > maxSamples {
		return fmt.Errorf("%dx%d block exceeds %d samples", bw, bh, maxSamples)
	}
	across := (img.Width + bw - 1) / bw
	down := (img.Height + bh - 1) / bh
	perPlane := across * down
	if len(offsets) < perPlane*planes || len(counts) < len(offsets) {
		return fmt.Errorf("expected %d data blocks, found %d offsets and %d byte counts",
			perPlane*planes, len(offsets), len(counts))
	}

	n := img.Width * img.Height
	img.Bands = make([][]float64, spp)
	for i := range img.Bands {
		img.Bands[i] = make([]float64, n)
	}

	rowLen := bw * blockSpp * bytesPerSample
	for blk := 0; blk < perPlane*planes; blk++ {
		plane := blk / perPlane
		by, bx := (blk%perPlane)/across, (blk%perPlane)%across
		rows := bh
		if !tiled && (by+1)*bh > img.Height {
			rows = img.Height - by*bh
		}

		start, size := offsets[blk], counts[blk]
		if start < 0 || size < 0 || start+size > int64(len(d.buf)) {
			return fmt.Errorf("block %d at %d+%d overruns file", blk, start, size)
		}
		data, err := inflate(d.buf[start:start+size], compression, rows*rowLen)
		if err != nil {
			return fmt.Errorf("block %d: %w", blk, err)
		}

		for r := 0; r < rows; r++ {
			py := by*bh + r
			if py >= img.Height {
				break
			}
			row := data[r*rowLen : (r+1)*rowLen]
			switch predictor {
			case predictorHorizontal:
				d.undoHorizontal(row, bps, blockSpp)
			case predictorFloatingPoint:
				d.undoFloatingPoint(row, bytesPerSample, blockSpp)
			}
			for x := 0; x < bw; x++ {
				px := bx*bw + x
				if px >= img.Width {
					break
				}
				for s := 0; s < blockSpp; s++ {
					band := s
					if planar == planarSeparate {
						band = plane
					}
					off := (x*blockSpp + s) * bytesPerSample
					img.Bands[band][py*img.Width+px] = read(row[off:])
				}
			}
		}
	}
	return nil
}

// inflate returns a fresh buffer of exactly want bytes.
func inflate(raw []byte, compression, want int) ([]byte, error) {
	var r io.Reader
	switch compression {
	case compressionNone:
		if len(raw) < want {
			return nil, fmt.Errorf("uncompressed block has %d bytes, need %d", len(raw), want)
		}
		out := make([]byte, want)
		copy(out, raw)
		return out, nil
	case compressionLZW:
		lr := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		defer lr.Close()
		r = lr
	case compressionDeflate, compressionDeflateObsolete:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		defer zr.Close()
		r = zr
	case compressionPackBits:
		return unpackBits(raw, want)
	default:
		return nil, fmt.Errorf("unsupported compression %d", compression)
	}
	out := make([]byte, want)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("decompressing: %w", err)
	}
	return out, nil
}

func unpackBits(src []byte, want int) ([]byte, error) {
	out := make([]byte, 0, want)
	for i := 0; i < len(src) && len(out) < want; {
		n := int(int8(src[i]))
		i++
		switch {
		case n >= 0:
			if i+n+1 > len(src) {
				return nil, errors.New("packbits literal run overruns block")
			}
			out = append(out, src[i:i+n+1]...)
			i += n + 1
		case n != -128:
			if i >= len(src) {
				return nil, errors.New("packbits repeat run overruns block")
			}
			for k := 0; k < 1-n; k++ {
				out = append(out, src[i])
			}
			i++
		}
	}
	if len(out) < want {
		return nil, fmt.Errorf("packbits block has %d bytes, need %d", len(out), want)
	}
	return out[:want], nil
}

func (d *tiffDecoder) undoHorizontal(row []byte, bps, spp int) {
	o := d.order
	switch bps {
	case 8:
		for i := spp; i < len(row); i++ {
			row[i] += row[i-spp]
		}
	case 16:
		for i := spp; i < len(row)/2; i++ {
			o.PutUint16(row[2*i:], o.Uint16(row[2*i:])+o.Uint16(row[2*(i-spp):]))
		}
	case 32:
		for i := spp; i < len(row)/4; i++ {
			o.PutUint32(row[4*i:], o.Uint32(row[4*i:])+o.Uint32(row[4*(i-spp):]))
		}
	case 64:
		for i := spp; i < len(row)/8; i++ {
			o.PutUint64(row[8*i:], o.Uint64(row[8*i:])+o.Uint64(row[8*(i-spp):]))
		}
	}
}

// undoFloatingPoint reverses predictor 3: byte-wise differencing over the
// row, then byte planes (most significant first) re-interleaved into
// samples written back in file byte order.
func (d *tiffDecoder) undoFloatingPoint(row []byte, bytesPerSample, spp int) {
	for i := spp; i < len(row); i++ {
		row[i] += row[i-spp]
	}
	tmp := make([]byte, len(row))
	copy(tmp, row)
	wc := len(row) / bytesPerSample
	for i := 0; i < wc; i++ {
		var bits uint64
		for k := 0; k < bytesPerSample; k++ {
			bits = bits<<8 | uint64(tmp[k*wc+i])
		}
		switch bytesPerSample {
		case 4:
			d.order.PutUint32(row[4*i:], uint32(bits))
		case 8:
			d.order.PutUint64(row[8*i:], bits)
		}
	}
}

// nativeBounds follows the tie point / pixel scale model, or the affine
// ModelTransformation when present (rotation terms are ignored).
func (d *tiffDecoder) nativeBounds(width, height int) (geometry.BoundingBox, error) {
	var ox, oy, rx, ry float64
	if t := d.doubles(tModelTransformation); len(t) >= 16 {
		ox, oy, rx, ry = t[3], t[7], t[0], t[5]
	} else {
		tp, ps := d.doubles(tModelTiepoint), d.doubles(tModelPixelScale)
		if len(tp) < 6 || len(ps) < 2 {
			return geometry.BoundingBox{}, errors.New("missing ModelTiepoint/ModelPixelScale tags")
		}
		ox, oy = tp[3]-tp[0]*ps[0], tp[4]+tp[1]*ps[1]
		rx, ry = ps[0], -ps[1]
	}
	x1, y1 := ox, oy
	x2, y2 := ox+rx*float64(width), oy+ry*float64(height)
	return geometry.BBox(math.Min(x1, x2), math.Min(y1, y2), math.Max(x1, x2), math.Max(y1, y2)), nil
}

func (d *tiffDecoder) geoKeys() (GeoKeys, error) {
	dir := d.ints(tGeoKeyDirectory)
	if len(dir) == 0 {
		return GeoKeys{}, nil
	}
	if len(dir) < 4 {
		return GeoKeys{}, errors.New("truncated GeoKeyDirectory")
	}
	n := int(dir[3])
	if len(dir) < 4+4*n {
		return GeoKeys{}, fmt.Errorf("GeoKeyDirectory declares %d keys but holds %d", n, (len(dir)-4)/4)
	}
	doubles := d.doubles(tGeoDoubleParams)
	ascii := d.ascii(tGeoASCIIParams)
	keys := NewGeoKeys()
	for i := 0; i < n; i++ {
		e := dir[4+4*i : 8+4*i]
		id, loc, count, val := uint16(e[0]), e[1], int(e[2]), int(e[3])
		switch loc {
		case 0:
			keys.Shorts[id] = uint16(val)
		case tGeoDoubleParams:
			if val+count > len(doubles) {
				return GeoKeys{}, fmt.Errorf("geo key %d overruns GeoDoubleParams", id)
			}
			keys.Doubles[id] = append([]float64(nil), doubles[val:val+count]...)
		case tGeoASCIIParams:
			if val+count > len(ascii) {
				return GeoKeys{}, fmt.Errorf("geo key %d overruns GeoAsciiParams", id)
			}
			keys.ASCII[id] = strings.TrimRight(ascii[val:val+count], "|\x00")
		case tGeoKeyDirectory:
			if val+count > len(dir) {
				return GeoKeys{}, fmt.Errorf("geo key %d overruns GeoKeyDirectory", id)
			}
			if count > 0 {
				keys.Shorts[id] = uint16(dir[val])
			}
		}
	}
	return keys, nil
}
