package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mapproxy-go/mapproxy/internal/coverage"
	"github.com/mapproxy-go/mapproxy/internal/mperror"
	"github.com/mapproxy-go/mapproxy/internal/raster"
)

// ArcGIS is the ArcGIS REST "export" endpoint source variant, using the
// same retry HTTP client as WMS/TileURL.
type ArcGIS struct {
	base

	URL    string // .../MapServer
	Layers []string

	Client       *http.Client
	Retry        RetryOptions
	HostLimiters *HostLimiters
}

// NewArcGIS builds an ArcGIS REST source with sane HTTP defaults.
func NewArcGIS(endpoint string, srs []int, formats []string, cov coverage.Coverage) *ArcGIS {
	return &ArcGIS{
		base:   base{SupportedSRS: srs, SupportedFormats: formats, Cov: cov},
		URL:    endpoint,
		Client: NewHTTPClient(30 * time.Second),
		Retry:  LiveRetryOptions,
	}
}

func (a *ArcGIS) buildURL(q Query) (string, error) {
	u, err := url.Parse(a.URL + "/export")
	if err != nil {
		return "", fmt.Errorf("arcgis: bad endpoint %q: %w", a.URL, err)
	}
	qs := u.Query()
	qs.Set("bbox", fmt.Sprintf("%v,%v,%v,%v", q.BBox.MinX, q.BBox.MinY, q.BBox.MaxX, q.BBox.MaxY))
	qs.Set("bboxSR", strconv.Itoa(q.SRS))
	qs.Set("imageSR", strconv.Itoa(q.SRS))
	qs.Set("size", fmt.Sprintf("%d,%d", q.Width, q.Height))
	qs.Set("format", arcgisFormat(q.Format))
	qs.Set("transparent", "true")
	qs.Set("f", "image")
	u.RawQuery = qs.Encode()
	return u.String(), nil
}

func arcgisFormat(format string) string {
	switch format {
	case "jpeg", "jpg":
		return "jpg"
	default:
		return "png32"
	}
}

// GetMap issues the ArcGIS REST export request and decodes the response.
func (a *ArcGIS) GetMap(ctx context.Context, q Query) (*raster.Buffer, error) {
	client := a.Client
	if client == nil {
		client = NewHTTPClient(30 * time.Second)
	}
	factory := func(ctx context.Context) (*http.Request, error) {
		target, err := a.buildURL(q)
		if err != nil {
			return nil, err
		}
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	}
	resp, err := DoWithRetry(ctx, client, factory, a.Retry, a.HostLimiters)
	if err != nil {
		if policy, ok := a.resolve(0); ok {
			return blankBuffer(q, policy == OnErrorTransparent), nil
		}
		return nil, mperror.Wrap(mperror.KindSourceTimeout, err, "arcgis %s", a.URL)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if policy, ok := a.resolve(resp.StatusCode); ok {
			return blankBuffer(q, policy == OnErrorTransparent), nil
		}
		return nil, mperror.New(mperror.KindSourceHTTP, "arcgis %s returned %d", a.URL, resp.StatusCode)
	}
	img, _, err := decodeResponse(resp, q.Format)
	if err != nil {
		return nil, mperror.Wrap(mperror.KindImage, err, "arcgis %s: decode", a.URL)
	}
	return toBuffer(img, q), nil
}
