package rastreader

import (
	"bytes"
	"encoding/binary"
	"math"
	"sort"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/require"
)

// testTIFF describes a small GeoTIFF assembled in memory by encode.
type testTIFF struct {
	width, height int
	bands         [][]float64
	bps           int
	format        SampleFormat
	compression   int
	predictor     int
	planar        int
	// tile is the tile edge; zero writes strips of rowsPerStrip rows.
	tile         int
	rowsPerStrip int
	bigEndian    bool

	keys     []uint16
	doubles  []float64
	ascii    string
	tiepoint []float64
	scale    []float64
	nodata   string
}

// utmKeys declares EPSG:32610, WGS84 / UTM zone 10N.
var utmKeys = []uint16{
	1, 1, 0, 3,
	GTModelTypeGeoKey, 0, 1, modelProjected,
	GTRasterTypeGeoKey, 0, 1, 1,
	ProjectedCSTypeGeoKey, 0, 1, 32610,
}

// newTestTIFF returns a single band 8-bit raster located near the central
// meridian of UTM zone 10N.
func newTestTIFF(width, height int, bands ...[]float64) testTIFF {
	return testTIFF{
		width:    width,
		height:   height,
		bands:    bands,
		bps:      8,
		format:   SampleUint,
		planar:   planarChunky,
		keys:     utmKeys,
		tiepoint: []float64{0, 0, 0, 500000, 1000, 0},
		scale:    []float64{0.5, 0.5, 0},
	}
}

func seq(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

type testTag struct {
	tag, typ uint16
	count    int
	data     []byte
}

func (tt testTIFF) encode(t *testing.T) []byte {
	t.Helper()
	var order binary.ByteOrder = binary.LittleEndian
	marker := "II"
	if tt.bigEndian {
		order, marker = binary.BigEndian, "MM"
	}
	spp := len(tt.bands)
	require.Positive(t, spp)
	if tt.compression == 0 {
		tt.compression = compressionNone
	}
	if tt.planar == 0 {
		tt.planar = planarChunky
	}
	bytesPerSample := tt.bps / 8

	planes, blockSpp := 1, spp
	if tt.planar == planarSeparate {
		planes, blockSpp = spp, 1
	}
	bw, bh := tt.width, tt.rowsPerStrip
	if bh <= 0 {
		bh = tt.height
	}
	if tt.tile > 0 {
		bw, bh = tt.tile, tt.tile
	}
	across := (tt.width + bw - 1) / bw
	down := (tt.height + bh - 1) / bh

	out := &bytes.Buffer{}
	out.WriteString(marker)
	hdr := make([]byte, 6)
	order.PutUint16(hdr, 42)
	out.Write(hdr)

	var offsets, counts []uint32
	for plane := 0; plane < planes; plane++ {
		for by := 0; by < down; by++ {
			for bx := 0; bx < across; bx++ {
				rows := bh
				if tt.tile == 0 && (by+1)*bh > tt.height {
					rows = tt.height - by*bh
				}
				var block []byte
				for r := 0; r < rows; r++ {
					row := make([]byte, bw*blockSpp*bytesPerSample)
					for x := 0; x < bw; x++ {
						px, py := bx*bw+x, by*bh+r
						if px >= tt.width || py >= tt.height {
							continue
						}
						for s := 0; s < blockSpp; s++ {
							band := s
							if tt.planar == planarSeparate {
								band = plane
							}
							v := tt.bands[band][py*tt.width+px]
							tt.putSample(order, row[(x*blockSpp+s)*bytesPerSample:], v)
						}
					}
					switch tt.predictor {
					case predictorHorizontal:
						differenceHorizontal(order, row, tt.bps, blockSpp)
					case predictorFloatingPoint:
						row = differenceFloatingPoint(order, row, bytesPerSample, blockSpp)
					}
					block = append(block, row...)
				}
				block = compress(t, block, tt.compression)
				offsets = append(offsets, uint32(out.Len()))
				counts = append(counts, uint32(len(block)))
				out.Write(block)
			}
		}
	}

	shorts := func(vals ...int) []byte {
		b := make([]byte, 2*len(vals))
		for i, v := range vals {
			order.PutUint16(b[2*i:], uint16(v))
		}
		return b
	}
	longs := func(vals ...uint32) []byte {
		b := make([]byte, 4*len(vals))
		for i, v := range vals {
			order.PutUint32(b[4*i:], v)
		}
		return b
	}
	doubles := func(vals ...float64) []byte {
		b := make([]byte, 8*len(vals))
		for i, v := range vals {
			order.PutUint64(b[8*i:], math.Float64bits(v))
		}
		return b
	}
	repeat := func(v, n int) []int {
		out := make([]int, n)
		for i := range out {
			out[i] = v
		}
		return out
	}

	tags := []testTag{
		{tImageWidth, 4, 1, longs(uint32(tt.width))},
		{tImageLength, 4, 1, longs(uint32(tt.height))},
		{tBitsPerSample, 3, spp, shorts(repeat(tt.bps, spp)...)},
		{tCompression, 3, 1, shorts(tt.compression)},
		{tSamplesPerPixel, 3, 1, shorts(spp)},
		{tPlanarConfiguration, 3, 1, shorts(tt.planar)},
		{tSampleFormat, 3, spp, shorts(repeat(int(tt.format), spp)...)},
	}
	if tt.predictor != 0 {
		tags = append(tags, testTag{tPredictor, 3, 1, shorts(tt.predictor)})
	}
	if tt.tile > 0 {
		tags = append(tags,
			testTag{tTileWidth, 4, 1, longs(uint32(bw))},
			testTag{tTileLength, 4, 1, longs(uint32(bh))},
			testTag{tTileOffsets, 4, len(offsets), longs(offsets...)},
			testTag{tTileByteCounts, 4, len(counts), longs(counts...)},
		)
	} else {
		tags = append(tags,
			testTag{tStripOffsets, 4, len(offsets), longs(offsets...)},
			testTag{tRowsPerStrip, 4, 1, longs(uint32(bh))},
			testTag{tStripByteCounts, 4, len(counts), longs(counts...)},
		)
	}
	if len(tt.scale) > 0 {
		tags = append(tags, testTag{tModelPixelScale, 12, len(tt.scale), doubles(tt.scale...)})
	}
	if len(tt.tiepoint) > 0 {
		tags = append(tags, testTag{tModelTiepoint, 12, len(tt.tiepoint), doubles(tt.tiepoint...)})
	}
	if len(tt.keys) > 0 {
		keys := make([]int, len(tt.keys))
		for i, k := range tt.keys {
			keys[i] = int(k)
		}
		tags = append(tags, testTag{tGeoKeyDirectory, 3, len(keys), shorts(keys...)})
	}
	if len(tt.doubles) > 0 {
		tags = append(tags, testTag{tGeoDoubleParams, 12, len(tt.doubles), doubles(tt.doubles...)})
	}
	if tt.ascii != "" {
		tags = append(tags, testTag{tGeoASCIIParams, 2, len(tt.ascii) + 1, append([]byte(tt.ascii), 0)})
	}
	if tt.nodata != "" {
		tags = append(tags, testTag{tGDALNoData, 2, len(tt.nodata) + 1, append([]byte(tt.nodata), 0)})
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].tag < tags[j].tag })

	// Values that do not fit in an entry go before the IFD.
	valueOffsets := make([]uint32, len(tags))
	for i, tag := range tags {
		if len(tag.data) > 4 {
			valueOffsets[i] = uint32(out.Len())
			out.Write(tag.data)
		}
	}
	if out.Len()%2 == 1 {
		out.WriteByte(0)
	}
	ifd := uint32(out.Len())
	entry := make([]byte, 12)
	out.Write(shorts(len(tags)))
	for i, tag := range tags {
		order.PutUint16(entry[0:], tag.tag)
		order.PutUint16(entry[2:], tag.typ)
		order.PutUint32(entry[4:], uint32(tag.count))
		clear(entry[8:])
		if len(tag.data) > 4 {
			order.PutUint32(entry[8:], valueOffsets[i])
		} else {
			copy(entry[8:], tag.data)
		}
		out.Write(entry)
	}
	out.Write(longs(0))

	buf := out.Bytes()
	order.PutUint32(buf[4:], ifd)
	return buf
}

func (tt testTIFF) putSample(order binary.ByteOrder, b []byte, v float64) {
	switch {
	case tt.format == SampleFloat && tt.bps == 32:
		order.PutUint32(b, math.Float32bits(float32(v)))
	case tt.format == SampleFloat && tt.bps == 64:
		order.PutUint64(b, math.Float64bits(v))
	case tt.bps == 8:
		b[0] = byte(int64(v))
	case tt.bps == 16:
		order.PutUint16(b, uint16(int64(v)))
	case tt.bps == 32:
		order.PutUint32(b, uint32(int64(v)))
	case tt.bps == 64:
		order.PutUint64(b, uint64(int64(v)))
	}
}

func differenceHorizontal(order binary.ByteOrder, row []byte, bps, spp int) {
	switch bps {
	case 8:
		for i := len(row) - 1; i >= spp; i-- {
			row[i] -= row[i-spp]
		}
	case 16:
		for i := len(row)/2 - 1; i >= spp; i-- {
			order.PutUint16(row[2*i:], order.Uint16(row[2*i:])-order.Uint16(row[2*(i-spp):]))
		}
	case 32:
		for i := len(row)/4 - 1; i >= spp; i-- {
			order.PutUint32(row[4*i:], order.Uint32(row[4*i:])-order.Uint32(row[4*(i-spp):]))
		}
	}
}

func differenceFloatingPoint(order binary.ByteOrder, row []byte, bytesPerSample, spp int) []byte {
	wc := len(row) / bytesPerSample
	out := make([]byte, len(row))
	for i := 0; i < wc; i++ {
		var bits uint64
		switch bytesPerSample {
		case 4:
			bits = uint64(order.Uint32(row[4*i:]))
		case 8:
			bits = order.Uint64(row[8*i:])
		}
		for k := 0; k < bytesPerSample; k++ {
			out[k*wc+i] = byte(bits >> (8 * (bytesPerSample - 1 - k)))
		}
	}
	for i := len(out) - 1; i >= spp; i-- {
		out[i] -= out[i-spp]
	}
	return out
}

func compress(t *testing.T, block []byte, compression int) []byte {
	switch compression {
	case compressionDeflate, compressionDeflateObsolete:
		var b bytes.Buffer
		zw := zlib.NewWriter(&b)
		_, err := zw.Write(block)
		require.NoError(t, err)
		require.NoError(t, zw.Close())
		return b.Bytes()
	case compressionPackBits:
		return packBits(block)
	}
	return block
}

// packBits writes a run for each repeated byte pair and literals otherwise.
func packBits(src []byte) []byte {
	var out []byte
	for i := 0; i < len(src); {
		j := i + 1
		for j < len(src) && j-i < 128 && src[j] == src[i] {
			j++
		}
		if j-i >= 2 {
			out = append(out, byte(int8(1-(j-i))), src[i])
			i = j
			continue
		}
		j = i + 1
		for j < len(src) && j-i < 128 && (j+1 >= len(src) || src[j] != src[j+1]) {
			j++
		}
		out = append(out, byte(j-i-1))
		out = append(out, src[i:j]...)
		i = j
	}
	return out
}
