package source

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/mapproxy-go/mapproxy/internal/coverage"
	"github.com/mapproxy-go/mapproxy/internal/encode"
	"github.com/mapproxy-go/mapproxy/internal/mperror"
	"github.com/mapproxy-go/mapproxy/internal/raster"
)

// MapServer forks the `mapserv` CGI binary, feeding QUERY_STRING through
// the environment the way a web server invokes mapserv as a CGI program,
// and reads the rendered image back from stdout.
type MapServer struct {
	base

	Binary  string // path to mapserv, default "mapserv"
	Mapfile string
	Layers  []string
}

// NewMapServer builds a MapServer source.
func NewMapServer(mapfile string, layers []string, srs []int, cov coverage.Coverage) *MapServer {
	return &MapServer{
		base:    base{SupportedSRS: srs, SupportedFormats: []string{"png", "jpeg"}, Cov: cov},
		Binary:  "mapserv",
		Mapfile: mapfile,
		Layers:  layers,
	}
}

func (m *MapServer) queryString(q Query) string {
	layers := ""
	for i, l := range m.Layers {
		if i > 0 {
			layers += ","
		}
		layers += l
	}
	return fmt.Sprintf(
		"map=%s&mode=map&layers=%s&mapext=%v+%v+%v+%v&imgext=%v+%v+%v+%v&width=%d&height=%d&imgformat=%s",
		m.Mapfile, layers,
		q.BBox.MinX, q.BBox.MinY, q.BBox.MaxX, q.BBox.MaxY,
		q.BBox.MinX, q.BBox.MinY, q.BBox.MaxX, q.BBox.MaxY,
		q.Width, q.Height, mapserverFormat(q.Format),
	)
}

func mapserverFormat(format string) string {
	switch format {
	case "jpeg", "jpg":
		return "jpeg"
	default:
		return "png"
	}
}

// GetMap shells out to mapserv as a CGI process per request.
func (m *MapServer) GetMap(ctx context.Context, q Query) (*raster.Buffer, error) {
	binary := m.Binary
	if binary == "" {
		binary = "mapserv"
	}
	cmd := exec.CommandContext(ctx, binary)
	cmd.Env = append(cmd.Env,
		"REQUEST_METHOD=GET",
		"QUERY_STRING="+m.queryString(q),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, mperror.Wrap(mperror.KindSource, err, "mapserv failed: %s", stderr.String())
	}

	body := stripCGIHeaders(stdout.Bytes())
	img, err := encode.DecodeImage(body, mapserverFormat(q.Format))
	if err != nil {
		return nil, mperror.Wrap(mperror.KindImage, err, "mapserv: decode output")
	}
	return toBuffer(img, q), nil
}

// stripCGIHeaders drops the CGI response header block (headers, blank
// line, body) that mapserv's CGI mode always prefixes output with.
func stripCGIHeaders(out []byte) []byte {
	sep := []byte("\r\n\r\n")
	if idx := bytes.Index(out, sep); idx >= 0 {
		return out[idx+len(sep):]
	}
	sep2 := []byte("\n\n")
	if idx := bytes.Index(out, sep2); idx >= 0 {
		return out[idx+len(sep2):]
	}
	return out
}
