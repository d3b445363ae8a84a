package subfu

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/pkg/errors"

	"github.com/ccbrown/subfu/graphql"
)

// PersistedQueryStorage represents the storage backend for persisted queries. Storage operations
// are done on a best effort basis and cannot return errors – any errors that happen internally will
// not prevent the execution of a query (though it might force clients to make additional requests).
type PersistedQueryStorage interface {
	// GetPersistedQuery should return the query if it's available or an empty string otherwise.
	GetPersistedQuery(ctx context.Context, hash []byte) string

	// PersistQuery should persist the query with the given hash.
	PersistQuery(ctx context.Context, query string, hash []byte)
}

var emptyStringHash = sha256.Sum256([]byte(""))

// PersistedQueryExtension implements Apollo persisted queries:
// https://www.apollographql.com/docs/react/api/link/persisted-queries/
//
// Typically this shouldn't be invoked directly. Instead, set the PersistedQueryStorage Config
// field.
func PersistedQueryExtension(storage PersistedQueryStorage, execute func(*Request) *Result) func(*Request) *Result {
	return func(input *Request) *Result {
		r := *input
		ext, _ := r.Extensions["persistedQuery"].(map[string]interface{})
		switch ext["version"] {
		case 1, 1.0:
			if r.Query == "" {
				// errors parsing the hash can be ignored: hash will end up empty and we'll error
				// out due to not being able to find the query
				hashHex, _ := ext["sha256Hash"].(string)
				hash, _ := hex.DecodeString(hashHex)

				found := false
				if bytes.Equal(hash, emptyStringHash[:]) {
					// i'm not really sure why anyone would do this, but we'll consider the query
					// found and let the executor error out
					found = true
				} else if len(hash) == sha256.Size {
					if query := storage.GetPersistedQuery(r.Context, hash); query != "" {
						r.Query = query
						found = true
					}
				}
				if !found {
					return ResponseResult(&graphql.Response{
						Errors: graphql.ErrorList{
							{
								Message: "PersistedQueryNotFound",
							},
						},
					})
				}
			} else {
				hash := sha256.Sum256([]byte(r.Query))
				storage.PersistQuery(r.Context, r.Query, hash[:])
			}
		}
		return execute(&r)
	}
}

// MemoryPersistedQueryStorage is an in-memory PersistedQueryStorage. Queries are evicted once the
// total size of the stored queries exceeds the configured maximum.
type MemoryPersistedQueryStorage struct {
	cache *ristretto.Cache[string, string]
}

var _ PersistedQueryStorage = (*MemoryPersistedQueryStorage)(nil)

// NewMemoryPersistedQueryStorage creates a storage holding up to maxBytes of query text.
func NewMemoryPersistedQueryStorage(maxBytes int64) (*MemoryPersistedQueryStorage, error) {
	// roughly 10x the expected number of entries, assuming ~100 byte queries
	numCounters := maxBytes / 10
	if numCounters < 1000 {
		numCounters = 1000
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters:        numCounters,
		MaxCost:            maxBytes,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to create persisted query cache")
	}
	return &MemoryPersistedQueryStorage{
		cache: cache,
	}, nil
}

func (s *MemoryPersistedQueryStorage) GetPersistedQuery(ctx context.Context, hash []byte) string {
	query, _ := s.cache.Get(string(hash))
	return query
}

func (s *MemoryPersistedQueryStorage) PersistQuery(ctx context.Context, query string, hash []byte) {
	s.cache.Set(string(hash), query, int64(len(query)))
	s.cache.Wait()
}

func (s *MemoryPersistedQueryStorage) Close() {
	s.cache.Close()
}
