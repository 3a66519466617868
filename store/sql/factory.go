package sqlstore

import (
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun"

	"github.com/shiplog/issuesync/core"
)

type RepositoryFactory struct {
	db *bun.DB

	mappingStore    *EntityMappingStore
	stateStore      *EntityStateStore
	metadataStore   *PullRequestMetadataStore
	retryTaskStore  *RetryTaskStore
	deadLetterStore *DeadLetterStore
	deliveryStore   *WebhookDeliveryStore
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
	if f.mappingStore != nil && f.deliveryStore != nil {
		return f, nil
	}
	if err := f.initStores(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) MappingStore() core.MappingStore {
	if f == nil {
		return nil
	}
	return f.mappingStore
}

func (f *RepositoryFactory) EntityStateStore() core.EntityStateStore {
	if f == nil {
		return nil
	}
	return f.stateStore
}

func (f *RepositoryFactory) PullRequestMetadataStore() core.PullRequestMetadataStore {
	if f == nil {
		return nil
	}
	return f.metadataStore
}

func (f *RepositoryFactory) RetryTaskStore() core.RetryTaskStore {
	if f == nil {
		return nil
	}
	return f.retryTaskStore
}

func (f *RepositoryFactory) DeadLetterStore() core.DeadLetterStore {
	if f == nil {
		return nil
	}
	return f.deadLetterStore
}

func (f *RepositoryFactory) DeliveryLedger() core.DeliveryLedger {
	if f == nil {
		return nil
	}
	return f.deliveryStore
}

func (f *RepositoryFactory) initStores() error {
	mappingStore, err := NewEntityMappingStore(f.db)
	if err != nil {
		return err
	}
	f.mappingStore = mappingStore

	stateStore, err := NewEntityStateStore(f.db)
	if err != nil {
		return err
	}
	f.stateStore = stateStore

	metadataStore, err := NewPullRequestMetadataStore(f.db)
	if err != nil {
		return err
	}
	f.metadataStore = metadataStore

	retryTaskStore, err := NewRetryTaskStore(f.db)
	if err != nil {
		return err
	}
	f.retryTaskStore = retryTaskStore

	deadLetterStore, err := NewDeadLetterStore(f.db)
	if err != nil {
		return err
	}
	f.deadLetterStore = deadLetterStore

	deliveryStore, err := NewWebhookDeliveryStore(f.db)
	if err != nil {
		return err
	}
	f.deliveryStore = deliveryStore

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

var _ core.RepositoryStoreFactory = (*RepositoryFactory)(nil)
var _ core.StoreProvider = (*RepositoryFactory)(nil)
