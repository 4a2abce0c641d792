package source

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mapproxy-go/mapproxy/internal/coverage"
	"github.com/mapproxy-go/mapproxy/internal/mperror"
	"github.com/mapproxy-go/mapproxy/internal/raster"
)

// TileURL is the URL-template source variant: a tile-server endpoint
// templated with %(x)s/%(y)s/%(z)s/%(quadkey)s placeholders, optionally
// requesting @2x (retina) tiles.
type TileURL struct {
	base

	Template string // e.g. "https://tiles.example.com/%(z)s/%(x)s/%(y)s.png"
	Retina   bool
	Grid     TileAddresser

	Client       *http.Client
	Retry        RetryOptions
	HostLimiters *HostLimiters
}

// TileAddresser supplies the z/x/y -> quadkey conversion a TileURL source
// needs without importing internal/grid directly (avoids a cyclic
// dependency; the Tile Manager passes its own grid wrapped in this
// interface).
type TileAddresser interface {
	Quadkey(z, x, y int) string
}

// NewTileURL builds a TileURL source with sane HTTP defaults.
func NewTileURL(template string, srs []int, formats []string, cov coverage.Coverage) *TileURL {
	return &TileURL{
		base:     base{SupportedSRS: srs, SupportedFormats: formats, Cov: cov},
		Template: template,
		Client:   NewHTTPClient(30 * time.Second),
		Retry:    LiveRetryOptions,
	}
}

// TileQuery extends Query with the explicit z/x/y a tile-URL template
// needs (a bbox alone can't be substituted back into %(x)s/%(y)s/%(z)s).
type TileQuery struct {
	Query
	Z, X, Y int
}

func (t *TileURL) expand(q TileQuery) string {
	tmpl := t.Template
	tmpl = strings.ReplaceAll(tmpl, "%(z)s", strconv.Itoa(q.Z))
	tmpl = strings.ReplaceAll(tmpl, "%(x)s", strconv.Itoa(q.X))
	tmpl = strings.ReplaceAll(tmpl, "%(y)s", strconv.Itoa(q.Y))
	if strings.Contains(tmpl, "%(quadkey)s") {
		qk := ""
		if t.Grid != nil {
			qk = t.Grid.Quadkey(q.Z, q.X, q.Y)
		}
		tmpl = strings.ReplaceAll(tmpl, "%(quadkey)s", qk)
	}
	if t.Retina {
		tmpl = retinaSuffix(tmpl)
	}
	return tmpl
}

// retinaSuffix inserts "@2x" before the file extension, e.g.
// ".../1/2/3.png" -> ".../1/2/3@2x.png".
func retinaSuffix(u string) string {
	idx := strings.LastIndex(u, ".")
	if idx < 0 {
		return u + "@2x"
	}
	return u[:idx] + "@2x" + u[idx:]
}

// GetMapTile fetches one tile at the given z/x/y (the natural unit for a
// tile-URL source, as opposed to WMS's arbitrary bbox).
func (t *TileURL) GetMapTile(ctx context.Context, q TileQuery) (*raster.Buffer, error) {
	client := t.Client
	if client == nil {
		client = NewHTTPClient(30 * time.Second)
	}
	factory := func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, t.expand(q), nil)
	}
	resp, err := DoWithRetry(ctx, client, factory, t.Retry, t.HostLimiters)
	if err != nil {
		if policy, ok := t.resolve(0); ok {
			return blankBuffer(q.Query, policy == OnErrorTransparent), nil
		}
		return nil, mperror.Wrap(mperror.KindSourceTimeout, err, "tile url %s", t.Template)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if policy, ok := t.resolve(resp.StatusCode); ok {
			return blankBuffer(q.Query, policy == OnErrorTransparent), nil
		}
		return nil, mperror.New(mperror.KindSourceHTTP, "tile url %s returned %d", t.Template, resp.StatusCode)
	}
	img, _, err := decodeResponse(resp, q.Format)
	if err != nil {
		return nil, mperror.Wrap(mperror.KindImage, err, "tile url %s: decode", t.Template)
	}
	return toBuffer(img, q.Query), nil
}

// GetMap implements Source by treating q's bbox as a single already-known
// tile; callers that have z/x/y should prefer GetMapTile directly.
func (t *TileURL) GetMap(ctx context.Context, q Query) (*raster.Buffer, error) {
	return nil, fmt.Errorf("tileurl: GetMap requires explicit z/x/y; use GetMapTile")
}
