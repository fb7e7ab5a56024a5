// Package memory is the durable semantic memory shared by workers.
//
// Items live in SQLite (text and float32 embedding in one row) and are indexed in a
// chromem-go collection for nearest-neighbour queries. The index is rebuilt from SQLite
// on Open, so SQLite stays the source of truth.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"agentcore/pkg/config"
	"agentcore/pkg/corerr"
	"agentcore/pkg/llm"
	"agentcore/pkg/logx"
	"agentcore/pkg/metrics"
	"agentcore/pkg/persistence"
)

// TagSuperseded marks an item replaced by a newer one.
const TagSuperseded = "superseded"

// DefaultCollection names the chromem collection when none is configured.
const DefaultCollection = "memory"

// Index metadata keys. User metadata is namespaced under metaPrefix.
const (
	keyCreatedAt    = "_created_at"
	keyImportance   = "_importance"
	keyExpiresAt    = "_expires_at"
	keySuperseded   = "_superseded"
	keySupersededBy = "_superseded_by"
	keyTags         = "_tags"
	tagPrefix       = "tag:"
	metaPrefix      = "meta:"
)

// Item is a stored memory.
type Item = persistence.MemoryItem

// Scored pairs an item with its similarity to the query.
type Scored struct {
	Item  *Item   `json:"item"`
	Score float64 `json:"score"`
}

// Query selects items by similarity to Text or Vector.
type Query struct {
	Text              string
	Vector            []float32
	Tags              []string
	K                 int
	IncludeSuperseded bool
}

// StoreOption adjusts a single Store call.
type StoreOption func(*storeOptions)

type storeOptions struct {
	embedding  []float32
	importance float64
	ttl        time.Duration
}

// WithEmbedding supplies a precomputed vector instead of calling the embedder.
func WithEmbedding(vec []float32) StoreOption {
	return func(o *storeOptions) { o.embedding = vec }
}

// WithImportance sets the item's importance weight.
func WithImportance(importance float64) StoreOption {
	return func(o *storeOptions) { o.importance = importance }
}

// WithTTL makes the item expire after d.
func WithTTL(d time.Duration) StoreOption {
	return func(o *storeOptions) { o.ttl = d }
}

// Option configures a Store.
type Option func(*Store)

// WithMetrics records store and search metrics.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(s *Store) { s.metrics = rec }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the vector memory. It is safe for concurrent use.
type Store struct {
	db       *persistence.DB
	embedder llm.Embedder
	metrics  *metrics.Recorder
	logger   *logx.Logger
	now      func() time.Time
	col      *chromem.Collection
	name     string
	dims     int
	defaultK int
	mu       sync.RWMutex
	// index is held shared by queries and exclusively by deletes, so a query never
	// asks the collection for more results than it holds.
	index sync.RWMutex
}

// Open creates a store over db and hydrates the index from the memory_items table.
func Open(ctx context.Context, db *persistence.DB, embedder llm.Embedder, cfg config.MemoryConfig, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("memory store requires a database")
	}
	if cfg.Dimensions <= 0 {
		return nil, corerr.Newf(corerr.KindValidation, "memory.Open", "dimensions must be positive, got %d", cfg.Dimensions)
	}
	if embedder != nil && embedder.Dimensions() != cfg.Dimensions {
		return nil, corerr.Newf(corerr.KindValidation, "memory.Open",
			"embedder produces %d dimensions, store expects %d", embedder.Dimensions(), cfg.Dimensions)
	}

	s := &Store{
		db:       db,
		embedder: embedder,
		logger:   logx.NewLogger("memory"),
		now:      func() time.Time { return time.Now().UTC() },
		name:     cfg.Collection,
		dims:     cfg.Dimensions,
		defaultK: cfg.SearchK,
	}
	if s.name == "" {
		s.name = DefaultCollection
	}
	if s.defaultK <= 0 {
		s.defaultK = 5
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.Rehydrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Rehydrate rebuilds the index from SQLite. Items of a different dimensionality are skipped.
func (s *Store) Rehydrate(ctx context.Context) error {
	items, err := s.db.Reads().ListMemoryItems(ctx)
	if err != nil {
		return corerr.Wrap(corerr.KindPersistence, "memory.Rehydrate", err, "failed to list memory items")
	}

	col, err := chromem.NewDB().CreateCollection(s.name, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", s.name, err)
	}

	docs := make([]chromem.Document, 0, len(items))
	for _, item := range items {
		if len(item.Embedding) != s.dims {
			s.logger.Warn("Skipping memory item %s: %d dimensions, expected %d", item.ID, len(item.Embedding), s.dims)
			continue
		}
		docs = append(docs, document(item))
	}
	if len(docs) > 0 {
		if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
			return fmt.Errorf("failed to index memory items: %w", err)
		}
	}

	s.mu.Lock()
	s.col = col
	s.mu.Unlock()

	s.logger.Info("Hydrated memory collection %s with %d items", s.name, len(docs))
	return nil
}

func (s *Store) collection() *chromem.Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.col
}

// Dimensions returns the configured vector size.
func (s *Store) Dimensions() int { return s.dims }

// Count returns the number of indexed items, superseded and expired ones included.
func (s *Store) Count() int {
	return s.collection().Count()
}

// Store writes text with its embedding and returns the new item id.
func (s *Store) Store(ctx context.Context, text string, tags []string, metadata map[string]string, opts ...StoreOption) (string, error) {
	const op = "memory.Store"
	if strings.TrimSpace(text) == "" {
		return "", corerr.New(corerr.KindValidation, op, "text is required")
	}

	var o storeOptions
	for _, opt := range opts {
		opt(&o)
	}

	vec := o.embedding
	if vec != nil {
		if err := s.checkVector(vec, corerr.KindValidation, op); err != nil {
			return "", err
		}
	} else {
		embedded, err := s.embed(ctx, text)
		if err != nil {
			return "", err
		}
		vec = embedded
	}

	now := s.now()
	item := &Item{
		ID:         uuid.New().String(),
		Text:       text,
		Embedding:  vec,
		Tags:       cleanTags(tags),
		Metadata:   copyMetadata(metadata),
		CreatedAt:  now,
		Importance: o.importance,
	}
	if o.ttl > 0 {
		item.ExpiresAt = now.Add(o.ttl)
	}

	if err := s.db.Ops().InsertMemoryItem(ctx, item); err != nil {
		return "", corerr.Wrap(corerr.KindPersistence, op, err, "failed to insert memory item")
	}
	if err := s.collection().AddDocument(ctx, document(item)); err != nil {
		if _, delErr := s.db.Ops().DeleteMemoryItems(context.WithoutCancel(ctx), item.ID); delErr != nil {
			s.logger.Error("Failed to remove unindexed memory item %s: %v", item.ID, delErr)
		}
		return "", corerr.Wrap(corerr.KindPersistence, op, err, "failed to index memory item")
	}

	s.metrics.MemoryStored()
	logx.Debug(ctx, "memory", "stored item %s (%d tags)", item.ID, len(item.Tags))
	return item.ID, nil
}

func (s *Store) embed(ctx context.Context, text string) ([]float32, error) {
	const op = "memory.embed"
	if s.embedder == nil {
		return nil, corerr.New(corerr.KindEmbedding, op, "no embedding capability configured")
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		var ce *corerr.Error
		if errors.As(err, &ce) {
			return nil, err
		}
		if errors.Is(err, context.Canceled) {
			return nil, corerr.Wrap(corerr.KindCancelled, op, err, "embedding cancelled")
		}
		return nil, corerr.Wrap(corerr.KindEmbedding, op, err, "embedding failed")
	}
	if err := s.checkVector(vec, corerr.KindEmbedding, op); err != nil {
		return nil, err
	}
	return vec, nil
}

func (s *Store) checkVector(vec []float32, kind corerr.Kind, op string) error {
	if len(vec) != s.dims {
		return corerr.Newf(kind, op, "vector has %d dimensions, expected %d", len(vec), s.dims)
	}
	for _, v := range vec {
		if v != 0 {
			return nil
		}
	}
	return corerr.New(kind, op, "zero vector has no direction")
}

// Search returns at most K live items ranked by similarity, newest first on ties.
func (s *Store) Search(ctx context.Context, q Query) ([]Scored, error) {
	const op = "memory.Search"
	start := s.now()
	defer func() { s.metrics.ObserveMemorySearch(s.now().Sub(start)) }()

	k := q.K
	if k <= 0 {
		k = s.defaultK
	}

	col := s.collection()

	var vec []float32
	switch {
	case q.Vector != nil:
		if err := s.checkVector(q.Vector, corerr.KindValidation, op); err != nil {
			return nil, err
		}
		vec = q.Vector
	case strings.TrimSpace(q.Text) != "":
		if col.Count() == 0 {
			return []Scored{}, nil
		}
		embedded, err := s.embed(ctx, q.Text)
		if err != nil {
			return nil, err
		}
		vec = embedded
	default:
		return nil, corerr.New(corerr.KindValidation, op, "query text or vector is required")
	}

	where := make(map[string]string, len(q.Tags)+1)
	for _, tag := range cleanTags(q.Tags) {
		where[tagPrefix+tag] = "1"
	}
	if !q.IncludeSuperseded {
		where[keySuperseded] = "false"
	}

	s.index.RLock()
	total := col.Count()
	var results []chromem.Result
	var err error
	if total > 0 {
		results, err = col.QueryEmbedding(ctx, vec, total, where, nil)
	}
	s.index.RUnlock()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, corerr.Wrap(corerr.KindCancelled, op, ctxErr, "search cancelled")
		}
		return nil, corerr.Wrap(corerr.KindPersistence, op, err, "index query failed")
	}

	now := s.now()
	scored := make([]Scored, 0, len(results))
	for _, r := range results {
		item, err := itemFromResult(r)
		if err != nil {
			s.logger.Warn("Skipping unreadable index entry %s: %v", r.ID, err)
			continue
		}
		if item.Expired(now) {
			continue
		}
		scored = append(scored, Scored{Item: item, Score: float64(r.Similarity)})
	}

	sortScored(scored)
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// sortScored orders by score desc, then created_at desc, then id.
func sortScored(items []Scored) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Item.CreatedAt.Equal(b.Item.CreatedAt) {
			return a.Item.CreatedAt.After(b.Item.CreatedAt)
		}
		return a.Item.ID < b.Item.ID
	})
}

// Get returns an item with its embedding.
func (s *Store) Get(ctx context.Context, id string) (*Item, error) {
	item, err := s.db.Reads().GetMemoryItem(ctx, id)
	if err != nil {
		return nil, mapErr("memory.Get", err)
	}
	return item, nil
}

// Supersede tags oldID as superseded by newID. Superseded items drop out of default searches.
func (s *Store) Supersede(ctx context.Context, oldID, newID string) error {
	const op = "memory.Supersede"
	if oldID == newID {
		return corerr.New(corerr.KindValidation, op, "an item cannot supersede itself")
	}
	if _, err := s.Get(ctx, newID); err != nil {
		return err
	}
	old, err := s.Get(ctx, oldID)
	if err != nil {
		return err
	}

	tags := old.Tags
	if !containsTag(tags, TagSuperseded) {
		tags = append(append([]string{}, tags...), TagSuperseded)
	}
	if err := s.db.Ops().MarkMemorySuperseded(ctx, oldID, newID, tags); err != nil {
		return mapErr(op, err)
	}

	old.Tags = tags
	old.SupersededBy = newID
	if len(old.Embedding) == s.dims {
		if err := s.collection().AddDocument(ctx, document(old)); err != nil {
			return corerr.Wrap(corerr.KindPersistence, op, err, "failed to reindex superseded item")
		}
	}
	s.logger.Info("Memory item %s superseded by %s", oldID, newID)
	return nil
}

// Purge deletes items from SQLite and the index. Missing ids are ignored.
func (s *Store) Purge(ctx context.Context, ids ...string) (int64, error) {
	const op = "memory.Purge"
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := s.db.Ops().DeleteMemoryItems(ctx, ids...)
	if err != nil {
		return 0, corerr.Wrap(corerr.KindPersistence, op, err, "failed to delete memory items")
	}
	s.index.Lock()
	err = s.collection().Delete(ctx, nil, nil, ids...)
	s.index.Unlock()
	if err != nil {
		return n, corerr.Wrap(corerr.KindPersistence, op, err, "failed to remove items from index")
	}
	s.logger.Info("Purged %d memory items", n)
	return n, nil
}

// PurgeExpired deletes every item whose TTL has passed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	items, err := s.db.Ops().ListMemoryItems(ctx)
	if err != nil {
		return 0, corerr.Wrap(corerr.KindPersistence, "memory.PurgeExpired", err, "failed to list memory items")
	}
	now := s.now()
	var expired []string
	for _, item := range items {
		if item.Expired(now) {
			expired = append(expired, item.ID)
		}
	}
	return s.Purge(ctx, expired...)
}

func mapErr(op string, err error) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return corerr.Wrap(corerr.KindNotFound, op, err, "memory item not found")
	}
	return corerr.Wrap(corerr.KindPersistence, op, err, "memory item lookup failed")
}

func document(item *Item) chromem.Document {
	meta := map[string]string{
		keyCreatedAt:  strconv.FormatInt(item.CreatedAt.UnixNano(), 10),
		keyImportance: strconv.FormatFloat(item.Importance, 'g', -1, 64),
		keySuperseded: strconv.FormatBool(item.SupersededBy != "" || containsTag(item.Tags, TagSuperseded)),
	}
	if !item.ExpiresAt.IsZero() {
		meta[keyExpiresAt] = strconv.FormatInt(item.ExpiresAt.UnixNano(), 10)
	}
	if item.SupersededBy != "" {
		meta[keySupersededBy] = item.SupersededBy
	}
	if tags, err := json.Marshal(item.Tags); err == nil {
		meta[keyTags] = string(tags)
	}
	for _, tag := range item.Tags {
		meta[tagPrefix+tag] = "1"
	}
	for k, v := range item.Metadata {
		meta[metaPrefix+k] = v
	}

	// The index owns its copy of the vector.
	vec := make([]float32, len(item.Embedding))
	copy(vec, item.Embedding)

	return chromem.Document{
		ID:        item.ID,
		Content:   item.Text,
		Embedding: vec,
		Metadata:  meta,
	}
}

func itemFromResult(r chromem.Result) (*Item, error) {
	created, err := strconv.ParseInt(r.Metadata[keyCreatedAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad %s: %w", keyCreatedAt, err)
	}
	item := &Item{
		ID:           r.ID,
		Text:         r.Content,
		CreatedAt:    time.Unix(0, created).UTC(),
		SupersededBy: r.Metadata[keySupersededBy],
		Tags:         []string{},
		Metadata:     map[string]string{},
	}
	if v, ok := r.Metadata[keyImportance]; ok {
		if item.Importance, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("bad %s: %w", keyImportance, err)
		}
	}
	if v, ok := r.Metadata[keyExpiresAt]; ok {
		expires, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad %s: %w", keyExpiresAt, err)
		}
		item.ExpiresAt = time.Unix(0, expires).UTC()
	}
	if v, ok := r.Metadata[keyTags]; ok {
		if err := json.Unmarshal([]byte(v), &item.Tags); err != nil {
			return nil, fmt.Errorf("bad %s: %w", keyTags, err)
		}
	}
	for k, v := range r.Metadata {
		if name, ok := strings.CutPrefix(k, metaPrefix); ok {
			item.Metadata[name] = v
		}
	}
	return item, nil
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
