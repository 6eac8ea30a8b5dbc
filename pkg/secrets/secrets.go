// Package secrets resolves catalog auth references against a secret store
// and substitutes the payloads into auth value templates. Resolution happens
// once at startup; resolved values live only in memory.
package secrets

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/concurrency"

	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/catalog"
)

// resolveConcurrency bounds parallel secret fetches during warmup.
const resolveConcurrency = 10

// Store fetches one secret payload by name.
type Store interface {
	FetchSecret(ctx context.Context, name string) (string, error)
}

// Error identifies which secret reference failed so operators can fix the
// catalog or the store without reading a stack trace.
type Error struct {
	SecretName string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed to fetch secret %q: %v", e.SecretName, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Resolver caches fetched secrets for the process lifetime, keyed by secret
// name within its store.
type Resolver struct {
	store  Store
	logger log.Logger

	mtx   sync.Mutex
	cache map[string]string
}

func NewResolver(store Store, logger log.Logger) *Resolver {
	return &Resolver{
		store:  store,
		logger: logger,
		cache:  make(map[string]string),
	}
}

// Resolve fetches the secret behind one auth reference and fills
// ResolvedValue by substituting the ${SECRET} marker in the value template.
func (r *Resolver) Resolve(ctx context.Context, auth *catalog.AuthConfig) error {
	secret, err := r.secret(ctx, auth.SecretName)
	if err != nil {
		return err
	}

	auth.ResolvedValue = strings.ReplaceAll(auth.Value, catalog.SecretMarker, secret)
	return nil
}

// ResolveAll warms every authenticated feed concurrently. Any failure
// propagates: a feed that cannot authenticate would poll uselessly for its
// whole lifetime, so startup must abort instead.
func (r *Resolver) ResolveAll(ctx context.Context, feeds []catalog.FeedSpec) error {
	var auths []*catalog.AuthConfig
	for i := range feeds {
		if feeds[i].Auth != nil {
			auths = append(auths, feeds[i].Auth)
		}
	}
	if len(auths) == 0 {
		return nil
	}

	err := concurrency.ForEachJob(ctx, len(auths), resolveConcurrency, func(ctx context.Context, idx int) error {
		return r.Resolve(ctx, auths[idx])
	})
	if err != nil {
		return err
	}

	level.Info(r.logger).Log("msg", "resolved feed auth secrets", "feeds", len(auths), "secrets", len(r.cache))
	return nil
}

func (r *Resolver) secret(ctx context.Context, name string) (string, error) {
	r.mtx.Lock()
	if v, ok := r.cache[name]; ok {
		r.mtx.Unlock()
		return v, nil
	}
	r.mtx.Unlock()

	v, err := r.store.FetchSecret(ctx, name)
	if err != nil {
		return "", &Error{SecretName: name, Err: err}
	}

	r.mtx.Lock()
	r.cache[name] = v
	r.mtx.Unlock()

	return v, nil
}
