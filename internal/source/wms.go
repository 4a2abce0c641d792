package source

import (
	"context"
	"crypto/tls"
	"fmt"
	"image"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mapproxy-go/mapproxy/internal/coverage"
	"github.com/mapproxy-go/mapproxy/internal/encode"
	"github.com/mapproxy-go/mapproxy/internal/mperror"
	"github.com/mapproxy-go/mapproxy/internal/raster"
)

// WMSAuth carries the optional credential material a WMS endpoint may
// demand: HTTP basic/digest (net/http's Request.SetBasicAuth covers
// basic; digest is left to a RoundTripper the caller can set on Client),
// a client certificate, and arbitrary extra headers (e.g. a session
// cookie).
type WMSAuth struct {
	BasicUser, BasicPass string
	ClientCert           *tls.Certificate
	ExtraHeaders         http.Header
	Cookies              []*http.Cookie
}

// WMS is the WMS GetMap source variant: version, SLD, auth, and custom
// headers, built atop the shared retry HTTP client. Request construction
// (BBOX/WIDTH/HEIGHT/SRS/FORMAT/LAYERS/TRANSPARENT) is grounded on
// gisquick's wmscache.go GetTileUrl.
type WMS struct {
	base

	URL     string // service endpoint, without a query string
	Version string // "1.1.1" or "1.3.0"; affects axis order and param casing
	Layers  []string
	Styles  []string
	SLD     string // optional SLD_BODY or SLD URL
	Auth    WMSAuth

	Client       *http.Client
	Retry        RetryOptions
	HostLimiters *HostLimiters
}

// NewWMS builds a WMS source with sane HTTP defaults.
func NewWMS(endpoint string, layers []string, srs []int, formats []string, cov coverage.Coverage) *WMS {
	return &WMS{
		base: base{SupportedSRS: srs, SupportedFormats: formats, Cov: cov},
		URL:  endpoint, Version: "1.3.0", Layers: layers,
		Client: NewHTTPClient(30 * time.Second),
		Retry:  LiveRetryOptions,
	}
}

func (w *WMS) buildURL(q Query) (string, error) {
	u, err := url.Parse(w.URL)
	if err != nil {
		return "", fmt.Errorf("wms: bad endpoint %q: %w", w.URL, err)
	}
	qs := u.Query()
	qs.Set("SERVICE", "WMS")
	qs.Set("REQUEST", "GetMap")
	qs.Set("VERSION", w.Version)
	qs.Set("LAYERS", strings.Join(w.Layers, ","))
	if len(w.Styles) > 0 {
		qs.Set("STYLES", strings.Join(w.Styles, ","))
	} else {
		qs.Set("STYLES", "")
	}
	qs.Set("WIDTH", strconv.Itoa(q.Width))
	qs.Set("HEIGHT", strconv.Itoa(q.Height))
	qs.Set("FORMAT", wmsMimeType(q.Format))
	qs.Set("TRANSPARENT", "TRUE")

	srsParam := "SRS"
	bbox := fmt.Sprintf("%v,%v,%v,%v", q.BBox.MinX, q.BBox.MinY, q.BBox.MaxX, q.BBox.MaxY)
	if w.Version == "1.3.0" {
		srsParam = "CRS"
		// WMS 1.3.0 uses authority axis order for geographic CRSs; EPSG:4326
		// is lat/lon, so swap for that one code (the common case callers hit).
		if q.SRS == 4326 {
			bbox = fmt.Sprintf("%v,%v,%v,%v", q.BBox.MinY, q.BBox.MinX, q.BBox.MaxY, q.BBox.MaxX)
		}
	}
	qs.Set(srsParam, fmt.Sprintf("EPSG:%d", q.SRS))
	qs.Set("BBOX", bbox)
	if w.SLD != "" {
		if strings.HasPrefix(w.SLD, "http") {
			qs.Set("SLD", w.SLD)
		} else {
			qs.Set("SLD_BODY", w.SLD)
		}
	}
	u.RawQuery = qs.Encode()
	return u.String(), nil
}

func wmsMimeType(format string) string {
	switch format {
	case "jpeg", "jpg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	default:
		return "image/png"
	}
}

func (w *WMS) factory(q Query) RequestFactory {
	return func(ctx context.Context) (*http.Request, error) {
		target, err := w.buildURL(q)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		if w.Auth.BasicUser != "" {
			req.SetBasicAuth(w.Auth.BasicUser, w.Auth.BasicPass)
		}
		for k, vs := range w.Auth.ExtraHeaders {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		for _, c := range w.Auth.Cookies {
			req.AddCookie(c)
		}
		return req, nil
	}
}

// GetMap issues the WMS GetMap request and decodes the response image.
func (w *WMS) GetMap(ctx context.Context, q Query) (*raster.Buffer, error) {
	client := w.Client
	if client == nil {
		client = NewHTTPClient(30 * time.Second)
	}
	resp, err := DoWithRetry(ctx, client, w.factory(q), w.Retry, w.HostLimiters)
	if err != nil {
		if policy, ok := w.resolve(0); ok {
			return w.substitute(q, policy), nil
		}
		return nil, mperror.Wrap(mperror.KindSourceTimeout, err, "wms %s", w.URL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if policy, ok := w.resolve(resp.StatusCode); ok {
			return w.substitute(q, policy), nil
		}
		return nil, mperror.New(mperror.KindSourceHTTP, "wms %s returned %d", w.URL, resp.StatusCode)
	}

	img, _, err := decodeResponse(resp, q.Format)
	if err != nil {
		return nil, mperror.Wrap(mperror.KindImage, err, "wms %s: decode response", w.URL)
	}
	return toBuffer(img, q), nil
}

func (w *WMS) substitute(q Query, policy OnErrorPolicy) *raster.Buffer {
	return blankBuffer(q, policy == OnErrorTransparent)
}

func decodeResponse(resp *http.Response, fallbackFormat string) (image.Image, string, error) {
	ct := resp.Header.Get("Content-Type")
	format := formatFromContentType(ct)
	if format == "" {
		format = fallbackFormat
	}
	body, err := readAll(resp)
	if err != nil {
		return nil, "", err
	}
	img, err := encode.DecodeImage(body, format)
	return img, format, err
}

func formatFromContentType(ct string) string {
	switch {
	case strings.Contains(ct, "png"):
		return "png"
	case strings.Contains(ct, "jpeg"), strings.Contains(ct, "jpg"):
		return "jpeg"
	case strings.Contains(ct, "webp"):
		return "webp"
	default:
		return ""
	}
}

func toBuffer(img image.Image, q Query) *raster.Buffer {
	rgba := image.NewRGBA(img.Bounds())
	for y := img.Bounds().Min.Y; y < img.Bounds().Max.Y; y++ {
		for x := img.Bounds().Min.X; x < img.Bounds().Max.X; x++ {
			rgba.Set(x, y, img.At(x, y))
		}
	}
	return raster.New(rgba, q.BBox, q.SRS)
}
