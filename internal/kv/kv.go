// Package kv provides a namespaced key-value view over the embedded
// store, used by runtime:config:*.
package kv

import (
	"errors"
	"time"

	"github.com/tenzoki/ksid/internal/common"
	"github.com/tenzoki/ksid/internal/storage"
)

var ErrKeyNotFound = errors.New("kv: key not found")

type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Exists(key string) (bool, error)
	SetWithTTL(key string, value []byte, ttl time.Duration) error
	Scan(prefix string, limit int) (map[string][]byte, error)
	ListKeys(prefix string, limit int) ([]string, error)
}

type kvStore struct {
	store     storage.Store
	namespace string
}

// New wraps store in a namespace (e.g. "cfg" or "session") so distinct
// callers never collide on key prefixes.
func New(store storage.Store, namespace string) Store {
	return &kvStore{store: store, namespace: namespace}
}

func (kv *kvStore) key(k string) []byte { return []byte("kv:" + kv.namespace + ":" + k) }

func (kv *kvStore) Get(key string) ([]byte, error) {
	if err := common.ValidateKey(key); err != nil {
		return nil, err
	}
	data, err := kv.store.Get(kv.key(key))
	if err == storage.ErrKeyNotFound {
		return nil, ErrKeyNotFound
	}
	return data, err
}

func (kv *kvStore) Set(key string, value []byte) error {
	if err := common.ValidateKey(key); err != nil {
		return err
	}
	return kv.store.Set(kv.key(key), value)
}

func (kv *kvStore) Delete(key string) error {
	if err := common.ValidateKey(key); err != nil {
		return err
	}
	return kv.store.Delete(kv.key(key))
}

func (kv *kvStore) Exists(key string) (bool, error) {
	if err := common.ValidateKey(key); err != nil {
		return false, err
	}
	return kv.store.Exists(kv.key(key))
}

func (kv *kvStore) SetWithTTL(key string, value []byte, ttl time.Duration) error {
	if err := common.ValidateKey(key); err != nil {
		return err
	}
	return kv.store.SetWithTTL(kv.key(key), value, ttl)
}

func (kv *kvStore) Scan(prefix string, limit int) (map[string][]byte, error) {
	raw, err := kv.store.Scan(kv.key(prefix), limit)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(raw))
	strip := len(kv.namespace) + 4 // "kv:" + namespace + ":"
	for k, v := range raw {
		if len(k) > strip {
			out[k[strip:]] = v
		}
	}
	return out, nil
}

func (kv *kvStore) ListKeys(prefix string, limit int) ([]string, error) {
	data, err := kv.Scan(prefix, limit)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	return keys, nil
}
