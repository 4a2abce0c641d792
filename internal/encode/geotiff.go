package encode

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
)

// GeoTIFFEncoder writes georeferenced, uncompressed TIFF tiles.
// Grounded on the teacher's internal/cog package (geotags.go/ifd.go),
// read in reverse: the same GeoKey IDs and ModelPixelScale/ModelTiepoint
// tags the teacher's reader parses are written back out here.
type GeoTIFFEncoder struct {
	// GeoReference describes the raster's placement; zero value omits
	// georeferencing tags (falls back to a plain TIFF).
	GeoReference GeoReference
}

// GeoReference carries the subset of GeoTIFF tags this encoder writes.
type GeoReference struct {
	EPSG                 int
	OriginX, OriginY     float64
	PixelSizeX, PixelSizeY float64
}

func (e *GeoTIFFEncoder) Format() string        { return "geotiff" }
func (e *GeoTIFFEncoder) PMTileType() uint8     { return TileTypeUnknown }
func (e *GeoTIFFEncoder) FileExtension() string { return "tif" }

// TIFF tag IDs used below.
const (
	tagImageWidth        = 256
	tagImageLength       = 257
	tagBitsPerSample     = 258
	tagCompression       = 259
	tagPhotometric       = 262
	tagStripOffsets      = 273
	tagSamplesPerPixel   = 277
	tagRowsPerStrip      = 278
	tagStripByteCounts   = 279
	tagPlanarConfig      = 284
	tagExtraSamples      = 338
	tagModelPixelScale   = 33550
	tagModelTiepoint     = 33922
	tagGeoKeyDirectory   = 34735
)

// Encode writes img as an RGBA strip TIFF with (optionally) georeference
// tags, matching the layout the teacher's cog.Reader can itself parse
// (single strip, uncompressed, 4 samples/pixel with ExtraSamples
// marking the alpha channel as associated).
func (e *GeoTIFFEncoder) Encode(img image.Image) ([]byte, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	pix := make([]byte, 0, w*h*4)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, a := img.At(x, y).RGBA()
			pix = append(pix, byte(r>>8), byte(g>>8), byte(bl>>8), byte(a>>8))
		}
	}
	var buf bytes.Buffer
	bo := binary.LittleEndian

	// Header: byte order, magic 42, offset to first IFD.
	buf.WriteString("II")
	binary.Write(&buf, bo, uint16(42))
	headerAndDataLen := 8 + len(pix)
	binary.Write(&buf, bo, uint32(headerAndDataLen))
	buf.Write(pix)

	type ifdEntry struct {
		tag, typ uint16
		count    uint32
		value    uint32
	}
	entries := []ifdEntry{
		{tagImageWidth, 4, 1, uint32(w)},
		{tagImageLength, 4, 1, uint32(h)},
		{tagBitsPerSample, 3, 4, 0}, // offset filled below (needs external array)
		{tagCompression, 3, 1, 1},  // uncompressed; LZW left for a future strip-level encoder

		{tagPhotometric, 3, 1, 2}, // RGB
		{tagStripOffsets, 4, 1, 8},
		{tagSamplesPerPixel, 3, 1, 4},
		{tagRowsPerStrip, 4, 1, uint32(h)},
		{tagStripByteCounts, 4, 1, uint32(len(pix))},
		{tagPlanarConfig, 3, 1, 1},
		{tagExtraSamples, 3, 1, 1}, // associated (premultiplied) alpha
	}

	if e.GeoReference.EPSG != 0 {
		entries = append(entries,
			ifdEntry{tagModelPixelScale, 12, 3, 0},
			ifdEntry{tagModelTiepoint, 12, 6, 0},
			ifdEntry{tagGeoKeyDirectory, 3, 8, 0},
		)
	}

	bitsOffset := uint32(buf.Len()) + 2 + uint32(len(entries))*12 + 4
	entries[2].value = bitsOffset
	if e.GeoReference.EPSG != 0 {
		n := len(entries)
		entries[n-3].value = bitsOffset + 8  // after 4 BitsPerSample shorts
		entries[n-2].value = bitsOffset + 32 // after 3 pixel-scale doubles
		entries[n-1].value = bitsOffset + 80 // after 6 tiepoint doubles
	}

	binary.Write(&buf, bo, uint16(len(entries)))
	for _, ent := range entries {
		binary.Write(&buf, bo, ent.tag)
		binary.Write(&buf, bo, ent.typ)
		binary.Write(&buf, bo, ent.count)
		binary.Write(&buf, bo, ent.value)
	}
	binary.Write(&buf, bo, uint32(0)) // no next IFD

	binary.Write(&buf, bo, uint16(8)) // BitsPerSample x4
	binary.Write(&buf, bo, uint16(8))
	binary.Write(&buf, bo, uint16(8))
	binary.Write(&buf, bo, uint16(8))

	if e.GeoReference.EPSG != 0 {
		gr := e.GeoReference
		binary.Write(&buf, bo, gr.PixelSizeX)
		binary.Write(&buf, bo, gr.PixelSizeY)
		binary.Write(&buf, bo, 0.0)
		binary.Write(&buf, bo, [6]float64{0, 0, 0, gr.OriginX, gr.OriginY, 0})
		// Minimal GeoKeyDirectory: version, ProjectedCSTypeGeoKey = EPSG.
		binary.Write(&buf, bo, []uint16{1, 1, 0, 1, 3072, 0, 1, uint16(gr.EPSG)})
	}

	return buf.Bytes(), nil
}

var _ = color.RGBA{}
