package catalog

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slices"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/common/fireflyerrors"
	"github.com/fireflyhq/firefly/internal/common/rediscodec"
	"github.com/fireflyhq/firefly/internal/common/util"
	"github.com/fireflyhq/firefly/internal/firefly/configuration"
	"github.com/fireflyhq/firefly/internal/lease"
)

// Collector populates and serves the shared metadata cache for one kind of unit, e.g. tests or load tests.
type Collector[T any] struct {
	kind      string
	db        redis.UniversalClient
	discovery Discovery[T]
	lock      *lease.Lock
	config    configuration.CatalogConfig
	listings  *cache.Cache
	loaded    *lru.Cache
}

func NewCollector[T any](
	db redis.UniversalClient,
	kind string,
	discovery Discovery[T],
	leaseConfig configuration.LeaseConfig,
	config configuration.CatalogConfig,
) (*Collector[T], error) {
	loaded, err := lru.New(config.LoadedCacheSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Collector[T]{
		kind:      kind,
		db:        db,
		discovery: discovery,
		lock:      lease.NewLock(db, "collection:"+kind, leaseConfig),
		config:    config,
		listings:  cache.New(config.MemoTTL, time.Minute),
		loaded:    loaded,
	}, nil
}

func (c *Collector[T]) unitsKey(rootFolder string) string {
	return fmt.Sprintf("catalog:%s:%s:units", c.kind, rootFolder)
}

func (c *Collector[T]) orderKey(rootFolder string) string {
	return fmt.Sprintf("catalog:%s:%s:order", c.kind, rootFolder)
}

func (c *Collector[T]) tagKey(rootFolder, tag string) string {
	return fmt.Sprintf("catalog:%s:%s:tags:%s", c.kind, rootFolder, tag)
}

func (c *Collector[T]) rootFoldersKey() string {
	return fmt.Sprintf("catalog:%s:root_folders", c.kind)
}

// Collect discovers the units of rootFolder and writes their metadata and tag index to redis. Concurrent
// collections are serialised by a distributed lock and the discovery call is retried on transient errors.
// Listings are memoised for the configured TTL.
func (c *Collector[T]) Collect(ctx *fireflycontext.Context, rootFolder string) ([]UnitDef, error) {
	if cached, ok := c.listings.Get(rootFolder); ok {
		return cached.([]UnitDef), nil
	}

	var defs []UnitDef
	err := c.lock.WithLock(ctx, func() error {
		return util.Retry(ctx, c.config.RetryAttempts, c.config.RetryDelay, func() error {
			var err error
			defs, err = c.discovery.ListUnits(ctx, Filter{RootFolder: rootFolder})
			if err != nil {
				return err
			}
			return c.store(ctx, rootFolder, defs)
		})
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "error collecting %s units of %s", c.kind, rootFolder)
	}
	ctx.Infof("Collected %d %s units in %s", len(defs), c.kind, rootFolder)
	c.listings.Set(rootFolder, defs, cache.DefaultExpiration)
	return defs, nil
}

func (c *Collector[T]) store(ctx *fireflycontext.Context, rootFolder string, defs []UnitDef) error {
	previous, err := c.db.LRange(ctx, c.orderKey(rootFolder), 0, -1).Result()
	if err != nil {
		return errors.Wrap(err, "error reading previous listing")
	}
	staleTags, err := c.tagsOf(ctx, rootFolder, previous)
	if err != nil {
		return err
	}

	pipe := c.db.TxPipeline()
	pipe.Del(ctx, c.unitsKey(rootFolder), c.orderKey(rootFolder))
	for _, tag := range staleTags {
		pipe.Del(ctx, c.tagKey(rootFolder, tag))
	}
	pipe.SAdd(ctx, c.rootFoldersKey(), rootFolder)
	for _, def := range defs {
		encoded, err := rediscodec.EncodeField(def)
		if err != nil {
			return err
		}
		pipe.HSet(ctx, c.unitsKey(rootFolder), def.ID, encoded)
		pipe.RPush(ctx, c.orderKey(rootFolder), def.ID)
		for _, tag := range def.Tags {
			pipe.SAdd(ctx, c.tagKey(rootFolder, tag), def.ID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "error storing %s metadata", c.kind)
	}
	return nil
}

func (c *Collector[T]) tagsOf(ctx *fireflycontext.Context, rootFolder string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	defs, err := c.fetch(ctx, rootFolder, ids)
	if err != nil {
		return nil, err
	}
	var tags []string
	for _, def := range defs {
		for _, tag := range def.Tags {
			if !slices.Contains(tags, tag) {
				tags = append(tags, tag)
			}
		}
	}
	return tags, nil
}

// UnitsByIDs returns the cached definitions of ids in the order requested.
func (c *Collector[T]) UnitsByIDs(ctx *fireflycontext.Context, rootFolder string, ids []string) ([]UnitDef, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	defs, err := c.fetch(ctx, rootFolder, ids)
	if err != nil {
		return nil, err
	}
	if len(defs) != len(ids) {
		for _, id := range ids {
			if slices.IndexFunc(defs, func(def UnitDef) bool { return def.ID == id }) < 0 {
				return nil, &fireflyerrors.ErrNotFound{Type: c.kind, Value: id, Message: "not collected in " + rootFolder}
			}
		}
	}
	return defs, nil
}

// UnitsByTags returns the cached definitions carrying any of tags, in collection order.
func (c *Collector[T]) UnitsByTags(ctx *fireflycontext.Context, rootFolder string, tags []string) ([]UnitDef, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	keys := make([]string, len(tags))
	for i, tag := range tags {
		keys[i] = c.tagKey(rootFolder, tag)
	}
	tagged, err := c.db.SUnion(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "error reading tag index")
	}
	order, err := c.db.LRange(ctx, c.orderKey(rootFolder), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "error reading listing order")
	}
	ids := make([]string, 0, len(tagged))
	for _, id := range order {
		if slices.Contains(tagged, id) {
			ids = append(ids, id)
		}
	}
	return c.fetch(ctx, rootFolder, ids)
}

// RootFolders returns every root folder that has been collected.
func (c *Collector[T]) RootFolders(ctx *fireflycontext.Context) ([]string, error) {
	folders, err := c.db.SMembers(ctx, c.rootFoldersKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "error reading root folders")
	}
	slices.Sort(folders)
	return folders, nil
}

// Load returns the callable behind id, memoising it.
func (c *Collector[T]) Load(ctx *fireflycontext.Context, id string) (T, error) {
	if unit, ok := c.loaded.Get(id); ok {
		return unit.(T), nil
	}
	unit, err := c.discovery.LoadUnit(ctx, id)
	if err != nil {
		return unit, err
	}
	c.loaded.Add(id, unit)
	return unit, nil
}

// Invalidate forgets the memoised listing of rootFolder so the next Collect rediscovers it.
func (c *Collector[T]) Invalidate(rootFolder string) {
	c.listings.Delete(rootFolder)
}

func (c *Collector[T]) fetch(ctx *fireflycontext.Context, rootFolder string, ids []string) ([]UnitDef, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	values, err := c.db.HMGet(ctx, c.unitsKey(rootFolder), ids...).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "error reading %s metadata", c.kind)
	}
	defs := make([]UnitDef, 0, len(values))
	for _, value := range values {
		s, ok := value.(string)
		if !ok {
			continue
		}
		var def UnitDef
		if err := rediscodec.DecodeField(s, &def); err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
