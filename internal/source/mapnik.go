package source

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"os/exec"
	"strconv"

	"github.com/mapproxy-go/mapproxy/internal/coverage"
	"github.com/mapproxy-go/mapproxy/internal/mperror"
	"github.com/mapproxy-go/mapproxy/internal/raster"
)

// Mapnik is the Mapnik renderer source variant. Go cannot embed
// Mapnik without cgo, so rather than fabricate a cgo binding this module
// was never given, it shells out to an external render helper process —
// the same "fork a renderer, feed it bbox/size, read image bytes back"
// shape nkovacs/go-mapnik's TileRenderer.RenderMetaTile uses internally
// (render one big raster, slice per tile), just with the render step
// itself out-of-process instead of linked in.
type Mapnik struct {
	base

	Stylesheet string // mapnik XML stylesheet path, passed to the helper
	Helper     string // path to the render helper binary
}

// NewMapnik builds a Mapnik source invoking helper for each request.
func NewMapnik(helper, stylesheet string, srs []int, cov coverage.Coverage) *Mapnik {
	return &Mapnik{
		base:       base{SupportedSRS: srs, SupportedFormats: []string{"png"}, Cov: cov},
		Stylesheet: stylesheet,
		Helper:     helper,
	}
}

// GetMap renders q by invoking the configured helper process with the
// bbox/size/stylesheet as arguments, reading a PNG back on stdout.
func (m *Mapnik) GetMap(ctx context.Context, q Query) (*raster.Buffer, error) {
	if m.Helper == "" {
		return nil, mperror.New(mperror.KindSource, "mapnik: no render helper configured")
	}
	args := []string{
		"-stylesheet", m.Stylesheet,
		"-bbox", fmt.Sprintf("%v,%v,%v,%v", q.BBox.MinX, q.BBox.MinY, q.BBox.MaxX, q.BBox.MaxY),
		"-srs", strconv.Itoa(q.SRS),
		"-width", strconv.Itoa(q.Width),
		"-height", strconv.Itoa(q.Height),
	}
	cmd := exec.CommandContext(ctx, m.Helper, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, mperror.Wrap(mperror.KindSource, err, "mapnik helper failed: %s", stderr.String())
	}
	img, err := png.Decode(&stdout)
	if err != nil {
		return nil, mperror.Wrap(mperror.KindImage, err, "mapnik helper: decode output")
	}
	return toBuffer(img, q), nil
}
