package cache

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mapproxy-go/mapproxy/internal/mperror"
)

// CouchDBBackend stores one tile per document, with the tile bytes
// attached as a base64 CouchDB attachment. No pack example or ecosystem
// Go client for CouchDB was available to ground this on (DESIGN.md notes
// the gap), so this talks to CouchDB's plain HTTP document API directly
// with net/http — a deliberate stdlib fallback, not a style choice.
type CouchDBBackend struct {
	BaseURL  string // e.g. "http://localhost:5984/tiles"
	Username string
	Password string
	Client   *http.Client
}

// NewCouchDBBackend builds a backend against the database at baseURL.
func NewCouchDBBackend(baseURL, username, password string) *CouchDBBackend {
	return &CouchDBBackend{BaseURL: strings.TrimSuffix(baseURL, "/"), Username: username, Password: password, Client: &http.Client{Timeout: 30 * time.Second}}
}

func (b *CouchDBBackend) CacheLayout() string { return "couchdb" }

func (b *CouchDBBackend) docID(c TileCoord) string {
	return fmt.Sprintf("%s-%d-%d-%d-%s", c.Grid, c.Z, c.X, c.Y, c.Format)
}

func (b *CouchDBBackend) do(ctx context.Context, method, path string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, b.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if b.Username != "" {
		req.SetBasicAuth(b.Username, b.Password)
	}
	return b.Client.Do(req)
}

func (b *CouchDBBackend) Load(ctx context.Context, coord TileCoord) (*Tile, error) {
	id := b.docID(coord)
	resp, err := b.do(ctx, http.MethodGet, "/"+id, nil, nil)
	if err != nil {
		return nil, mperror.Wrap(mperror.KindCacheIO, err, "couchdb get %s", id)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mperror.New(mperror.KindCacheIO, "couchdb get %s: status %d", id, resp.StatusCode)
	}
	var raw struct {
		Empty       bool   `json:"empty"`
		ContentType string `json:"content_type"`
		MTime       int64  `json:"mtime"`
		Attachments map[string]struct {
			Data string `json:"data"`
		} `json:"_attachments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, mperror.Wrap(mperror.KindCacheCorrupt, err, "couchdb decode %s", id)
	}
	var data []byte
	if att, ok := raw.Attachments["tile"]; ok {
		data, err = base64.StdEncoding.DecodeString(att.Data)
		if err != nil {
			return nil, mperror.Wrap(mperror.KindCacheCorrupt, err, "couchdb attachment %s", id)
		}
	}
	return &Tile{Coord: coord, Data: data, ContentType: raw.ContentType, ModTime: time.Unix(raw.MTime, 0), Empty: raw.Empty}, nil
}

// Store PUTs a document with an inline attachment. CouchDB's MVCC model
// makes the write atomic from a reader's perspective: a GET either sees
// the prior revision in full or the new one, never a mix; last writer
// wins on a revision conflict by retrying (up to three times) with the
// current _rev.
func (b *CouchDBBackend) Store(ctx context.Context, t *Tile) error {
	id := b.docID(t.Coord)
	rev, err := b.currentRev(ctx, id)
	if err != nil {
		return err
	}
	doc := map[string]any{
		"empty":        t.Empty,
		"content_type": t.ContentType,
		"mtime":        time.Now().Unix(),
		"_attachments": map[string]any{
			"tile": map[string]any{
				"content_type": t.ContentType,
				"data":         base64.StdEncoding.EncodeToString(t.Data),
			},
		},
	}
	if rev != "" {
		doc["_rev"] = rev
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return mperror.Wrap(mperror.KindImage, err, "couchdb encode %s", id)
	}
	resp, err := b.do(ctx, http.MethodPut, "/"+id, bytes.NewReader(body), map[string]string{"Content-Type": "application/json"})
	if err != nil {
		return mperror.Wrap(mperror.KindCacheIO, err, "couchdb put %s", id)
	}
	for attempt := 0; resp.StatusCode == http.StatusConflict && attempt < 3; attempt++ {
		resp.Body.Close()
		if rev, err = b.currentRev(ctx, id); err != nil {
			return err
		}
		if rev != "" {
			doc["_rev"] = rev
		}
		if body, err = json.Marshal(doc); err != nil {
			return mperror.Wrap(mperror.KindImage, err, "couchdb encode %s", id)
		}
		if resp, err = b.do(ctx, http.MethodPut, "/"+id, bytes.NewReader(body), map[string]string{"Content-Type": "application/json"}); err != nil {
			return mperror.Wrap(mperror.KindCacheIO, err, "couchdb put %s", id)
		}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return mperror.New(mperror.KindCacheIO, "couchdb put %s: status %d", id, resp.StatusCode)
	}
	return nil
}

func (b *CouchDBBackend) currentRev(ctx context.Context, id string) (string, error) {
	resp, err := b.do(ctx, http.MethodHead, "/"+id, nil, nil)
	if err != nil {
		return "", mperror.Wrap(mperror.KindCacheIO, err, "couchdb head %s", id)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	etag := resp.Header.Get("ETag")
	return strings.Trim(etag, `"`), nil
}

func (b *CouchDBBackend) Remove(ctx context.Context, coord TileCoord) error {
	id := b.docID(coord)
	rev, err := b.currentRev(ctx, id)
	if err != nil {
		return err
	}
	if rev == "" {
		return nil
	}
	resp, err := b.do(ctx, http.MethodDelete, "/"+id+"?rev="+rev, nil, nil)
	if err != nil {
		return mperror.Wrap(mperror.KindCacheIO, err, "couchdb delete %s", id)
	}
	resp.Body.Close()
	return nil
}

func (b *CouchDBBackend) IsCached(ctx context.Context, coord TileCoord) (bool, error) {
	rev, err := b.currentRev(ctx, b.docID(coord))
	if err != nil {
		return false, err
	}
	return rev != "", nil
}

func (b *CouchDBBackend) LoadMany(ctx context.Context, coords []TileCoord) ([]*Tile, error) {
	return LoopLoadMany(ctx, b, coords)
}
