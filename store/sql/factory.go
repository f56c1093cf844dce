package sqlstore

import (
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/uptrace/bun"

	"github.com/settld/go-settle/core"
)

// RepositoryFactory wires the sql-backed stores over one bun DB and serves
// them through the core store provider contract.
type RepositoryFactory struct {
	db    *bun.DB
	cache repositorycache.CacheService

	runStore        *RunStore
	dedupIndexStore core.DedupIndexStore
	deliveryStore   *DeliveryJobStore
	decisionStore   *DecisionStore
}

func NewRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

// WithCache enables the read-through cache on the dedup index store. Must be
// set before BuildStores.
func (f *RepositoryFactory) WithCache(cacheService repositorycache.CacheService) *RepositoryFactory {
	if f != nil {
		f.cache = cacheService
	}
	return f
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) (core.StoreProvider, error) {
	if f == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return nil, err
		}
		f.db = db
	}
	if f.runStore != nil && f.decisionStore != nil {
		return f, nil
	}
	if err := f.initStores(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RepositoryFactory) RunStore() core.RunStore {
	if f == nil {
		return nil
	}
	return f.runStore
}

func (f *RepositoryFactory) DedupIndexStore() core.DedupIndexStore {
	if f == nil {
		return nil
	}
	return f.dedupIndexStore
}

func (f *RepositoryFactory) DeliveryJobStore() core.DeliveryJobStore {
	if f == nil {
		return nil
	}
	return f.deliveryStore
}

func (f *RepositoryFactory) DecisionStore() core.DecisionStore {
	if f == nil {
		return nil
	}
	return f.decisionStore
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) initStores() error {
	runStore, err := NewRunStore(f.db)
	if err != nil {
		return err
	}
	f.runStore = runStore

	dedupStore, err := NewDedupIndexStore(f.db)
	if err != nil {
		return err
	}
	f.dedupIndexStore = dedupStore
	if f.cache != nil {
		cached, err := NewCachedDedupIndexStore(dedupStore, f.cache)
		if err != nil {
			return err
		}
		f.dedupIndexStore = cached
	}

	deliveryStore, err := NewDeliveryJobStore(f.db)
	if err != nil {
		return err
	}
	f.deliveryStore = deliveryStore

	decisionStore, err := NewDecisionStore(f.db)
	if err != nil {
		return err
	}
	f.decisionStore = decisionStore

	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}

var (
	_ core.StoreProvider          = (*RepositoryFactory)(nil)
	_ core.RepositoryStoreFactory = (*RepositoryFactory)(nil)
)
