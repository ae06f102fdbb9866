package repositoryimpl

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/phasegate/phasegate/internal/pushsubscription"
	"github.com/phasegate/phasegate/pkg/cerr"
	"github.com/phasegate/phasegate/pkg/storage"
)

const subscriptionsPath = "push-subscriptions.yaml"

type subscriptionFile struct {
	Subscriptions []*pushsubscription.Subscription `yaml:"subscriptions"`
}

type YAMLRepository struct {
	storage storage.Storage

	mu sync.Mutex
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func (r *YAMLRepository) load(ctx context.Context) (*subscriptionFile, error) {
	data, err := r.storage.Read(ctx, subscriptionsPath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &subscriptionFile{}, nil
		}
		return nil, cerr.WrapStorageReadError("subscriptions", err)
	}
	var f subscriptionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal subscriptions: %w", err))
	}
	return &f, nil
}

func (r *YAMLRepository) save(ctx context.Context, f *subscriptionFile) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal subscriptions: %w", err))
	}
	if err := r.storage.Write(ctx, subscriptionsPath, data); err != nil {
		return cerr.WrapStorageWriteError("subscriptions", err)
	}
	return nil
}

func (r *YAMLRepository) Create(ctx context.Context, s *pushsubscription.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := r.load(ctx)
	if err != nil {
		return err
	}
	for _, existing := range f.Subscriptions {
		if existing.Endpoint == s.Endpoint {
			return cerr.NewError(cerr.AlreadyExists, "subscription already exists", nil)
		}
	}
	f.Subscriptions = append(f.Subscriptions, s)
	return r.save(ctx, f)
}

func (r *YAMLRepository) List(ctx context.Context) ([]*pushsubscription.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	return f.Subscriptions, nil
}

func (r *YAMLRepository) Delete(ctx context.Context, id string) error {
	return r.remove(ctx, func(s *pushsubscription.Subscription) bool { return s.ID == id })
}

func (r *YAMLRepository) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	return r.remove(ctx, func(s *pushsubscription.Subscription) bool { return s.Endpoint == endpoint })
}

func (r *YAMLRepository) remove(ctx context.Context, match func(*pushsubscription.Subscription) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := r.load(ctx)
	if err != nil {
		return err
	}
	kept := f.Subscriptions[:0]
	for _, s := range f.Subscriptions {
		if !match(s) {
			kept = append(kept, s)
		}
	}
	f.Subscriptions = kept
	return r.save(ctx, f)
}
