// Package images resolves image hashes to digest-pinned references through
// the container registry.
package images

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// Resolver turns an image_hash into "<repo>@sha256:...". Results are cached:
// a tag named by a content hash never moves.
type Resolver struct {
	repo string

	mu    sync.RWMutex
	cache map[string]string
}

func NewResolver(repo string) *Resolver {
	return &Resolver{repo: repo, cache: map[string]string{}}
}

// Resolve looks up the digest for the tag named by imageHash. The returned
// reference is digest-pinned so every backend pulls the exact same bytes.
func (r *Resolver) Resolve(ctx context.Context, imageHash string) (string, error) {
	if imageHash == "" {
		return "", fmt.Errorf("empty image hash")
	}

	r.mu.RLock()
	cached, ok := r.cache[imageHash]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	ref, err := name.ParseReference(r.repo + ":" + imageHash)
	if err != nil {
		return "", fmt.Errorf("parse image reference: %w", err)
	}
	desc, err := remote.Head(ref,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain))
	if err != nil {
		return "", fmt.Errorf("resolve image %s: %w", imageHash, err)
	}

	pinned := r.repo + "@" + desc.Digest.String()
	r.mu.Lock()
	r.cache[imageHash] = pinned
	r.mu.Unlock()
	return pinned, nil
}
