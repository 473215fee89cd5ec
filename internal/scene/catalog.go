package scene

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/fishmmo/zonegrid/internal/objectstore"
)

const (
	manifestExt     = ".json"
	compressedExt   = ".json.zst"
	maxManifestSize = 4 << 20
)

// CatalogLoader reads scene manifests from object storage. A scene named
// Forest is looked up as <prefix>Forest.json.zst and then
// <prefix>Forest.json.
type CatalogLoader struct {
	store   objectstore.Store
	prefix  string
	decoder *zstd.Decoder
}

// NewCatalogLoader creates a loader over store. Close releases the
// decoder; it does not close store.
func NewCatalogLoader(store objectstore.Store, prefix string) (*CatalogLoader, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxManifestSize))
	if err != nil {
		return nil, fmt.Errorf("scene: zstd decoder: %w", err)
	}
	return &CatalogLoader{store: store, prefix: prefix, decoder: dec}, nil
}

func (l *CatalogLoader) Load(ctx context.Context, worldID, sceneName string) (*Manifest, error) {
	for _, key := range []string{l.prefix + sceneName + compressedExt, l.prefix + sceneName + manifestExt} {
		data, err := l.fetch(ctx, key)
		if errors.Is(err, objectstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if strings.HasSuffix(key, compressedExt) {
			data, err = l.decoder.DecodeAll(data, nil)
			if err != nil {
				return nil, fmt.Errorf("scene: decompress %s: %w", key, err)
			}
		}

		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("scene: decode %s: %w", key, err)
		}
		if err := m.Validate(worldID, sceneName); err != nil {
			return nil, err
		}
		return &m, nil
	}
	return nil, fmt.Errorf("%w: %s not in catalog", ErrUnknownScene, sceneName)
}

func (l *CatalogLoader) fetch(ctx context.Context, key string) ([]byte, error) {
	rc, err := l.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxManifestSize+1))
	if err != nil {
		return nil, fmt.Errorf("scene: read %s: %w", key, err)
	}
	if len(data) > maxManifestSize {
		return nil, fmt.Errorf("scene: manifest %s exceeds %d bytes", key, maxManifestSize)
	}
	return data, nil
}

// Close releases the decoder.
func (l *CatalogLoader) Close() {
	l.decoder.Close()
}

// PublishManifest writes m to the catalog under prefix, zstd-compressed
// when compress is set.
func PublishManifest(ctx context.Context, store objectstore.Store, prefix string, m *Manifest, compress bool) (string, error) {
	if m.Name == "" {
		return "", errors.New("scene: manifest has no name")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("scene: encode manifest: %w", err)
	}

	key := prefix + m.Name + manifestExt
	contentType := "application/json"
	if compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return "", fmt.Errorf("scene: zstd encoder: %w", err)
		}
		data = enc.EncodeAll(data, nil)
		_ = enc.Close()
		key = prefix + m.Name + compressedExt
		contentType = "application/zstd"
	}

	if err := store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return "", err
	}
	return key, nil
}

// CatalogEntry describes one manifest object in the catalog.
type CatalogEntry struct {
	Scene        string `json:"scene"`
	Key          string `json:"key"`
	Size         int64  `json:"size"`
	Compressed   bool   `json:"compressed"`
	LastModified int64  `json:"lastModified"`
}

// ListCatalog returns the manifests stored under prefix. Objects that are
// not manifests are skipped.
func ListCatalog(ctx context.Context, store objectstore.Store, prefix string) ([]CatalogEntry, error) {
	objs, err := store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	entries := make([]CatalogEntry, 0, len(objs))
	for _, obj := range objs {
		name := strings.TrimPrefix(obj.Key, prefix)
		entry := CatalogEntry{Key: obj.Key, Size: obj.Size, LastModified: obj.LastModified}
		switch {
		case strings.HasSuffix(name, compressedExt):
			entry.Scene = strings.TrimSuffix(name, compressedExt)
			entry.Compressed = true
		case strings.HasSuffix(name, manifestExt):
			entry.Scene = strings.TrimSuffix(name, manifestExt)
		default:
			continue
		}
		if entry.Scene == "" || strings.Contains(entry.Scene, "/") {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// UnpublishManifest deletes both encodings of a scene's manifest and
// returns the keys that existed.
func UnpublishManifest(ctx context.Context, store objectstore.Store, prefix, sceneName string) ([]string, error) {
	if sceneName == "" {
		return nil, errors.New("scene: empty scene name")
	}
	var removed []string
	for _, key := range []string{prefix + sceneName + compressedExt, prefix + sceneName + manifestExt} {
		if _, err := store.Head(ctx, key); err != nil {
			if errors.Is(err, objectstore.ErrNotFound) {
				continue
			}
			return removed, err
		}
		if err := store.Delete(ctx, key); err != nil {
			return removed, err
		}
		removed = append(removed, key)
	}
	return removed, nil
}
