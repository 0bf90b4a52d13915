// Package semgroup manages semantic word groups: persisted word lists whose
// embeddings are blended into a query when the query mentions the words.
package semgroup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/ragdiary/internal/blobstore"
	"github.com/kalambet/ragdiary/internal/vecmath"
)

// ErrSaveBusy is returned when a save is attempted while another is running.
var ErrSaveBusy = errors.New("a save operation is already in progress, please try again")

// Embedder produces an embedding for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Options configures a Manager.
type Options struct {
	// Path is the canonical store, usually semantic_groups.json.
	Path string
	// EditPath is the edit buffer, usually semantic_groups.edit.json.
	EditPath string
	Blobs    blobstore.Store
	Embedder Embedder
	// Now defaults to time.Now.
	Now func() time.Time
}

// Manager owns the group collection. All methods are safe for concurrent use.
type Manager struct {
	path     string
	editPath string
	blobs    blobstore.Store
	emb      Embedder
	now      func() time.Time

	saveMu sync.Mutex

	mu      sync.RWMutex
	config  map[string]any
	groups  map[string]*Group
	vectors map[string][]float32
}

// NewManager builds a Manager. It performs no I/O; call Initialize.
func NewManager(opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		path:     opts.Path,
		editPath: opts.EditPath,
		blobs:    opts.Blobs,
		emb:      opts.Embedder,
		now:      now,
		config:   map[string]any{},
		groups:   map[string]*Group{},
		vectors:  map[string][]float32{},
	}
}

// Initialize applies the edit buffer, loads the canonical store and makes
// sure every group has an up to date vector.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.Synchronize(ctx); err != nil {
		slog.Warn("semgroup: synchronize failed", "error", err)
	}
	if err := m.Load(ctx); err != nil {
		return err
	}
	if _, err := m.PrecomputeVectors(ctx); err != nil {
		return err
	}
	return nil
}

// Synchronize merges the edit buffer into the canonical file. Word lists,
// weights and config come from the edit buffer; vector metadata and
// activation stats of groups that already exist are kept. Groups removed
// from the edit buffer lose their vector blobs. A missing or malformed edit
// buffer leaves the canonical file untouched.
func (m *Manager) Synchronize(ctx context.Context) error {
	editRaw, err := os.ReadFile(m.editPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading edit buffer: %w", err)
	}
	var edit Document
	if err := json.Unmarshal(editRaw, &edit); err != nil {
		slog.Warn("semgroup: malformed edit buffer, skipping sync", "path", m.editPath, "error", err)
		return nil
	}

	canonical, err := readDocument(m.path)
	if err != nil {
		slog.Warn("semgroup: canonical store unreadable, replacing from edit buffer", "error", err)
		canonical = Document{}
	}

	if sameIntent(edit, canonical) {
		slog.Debug("semgroup: edit buffer matches canonical store")
		return nil
	}

	merged := Document{Config: edit.Config, Groups: make(map[string]*Group, len(edit.Groups))}
	for name, eg := range edit.Groups {
		if eg == nil {
			continue
		}
		g := &Group{Words: eg.Words, AutoLearned: eg.AutoLearned, Weight: eg.Weight}
		if cg, ok := canonical.Groups[name]; ok && cg != nil {
			g.VectorID = cg.VectorID
			g.WordsHash = cg.WordsHash
			g.LastActivated = cg.LastActivated
			g.ActivationCount = cg.ActivationCount
		}
		merged.Groups[name] = g
	}

	for name, cg := range canonical.Groups {
		if _, kept := merged.Groups[name]; kept || cg == nil || cg.VectorID == "" {
			continue
		}
		if err := m.blobs.Delete(ctx, cg.VectorID); err != nil {
			slog.Warn("semgroup: deleting orphaned vector failed", "group", name, "vector_id", cg.VectorID, "error", err)
		}
	}

	if err := m.writeLocked(merged); err != nil {
		return err
	}
	slog.Info("semgroup: canonical store synchronized from edit buffer", "groups", len(merged.Groups))
	return nil
}

// Load reads the canonical store into memory. Legacy inline vectors are
// moved to the blob store. A group whose vector blob cannot be read loses
// its vector_id so that the next PrecomputeVectors recomputes it. Any such
// change is persisted once.
func (m *Manager) Load(ctx context.Context) error {
	doc, err := readDocument(m.path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("semgroup: no canonical store yet", "path", m.path)
		return nil
	}
	if err != nil {
		slog.Warn("semgroup: malformed canonical store, starting empty", "path", m.path, "error", err)
		return nil
	}

	changed := false
	vectors := make(map[string][]float32, len(doc.Groups))
	for _, name := range sortedNames(doc.Groups) {
		g := doc.Groups[name]
		switch {
		case len(g.Vector) > 0 && g.VectorID == "":
			id, err := m.putVector(ctx, g.Vector)
			if err != nil {
				return fmt.Errorf("migrating inline vector of %q: %w", name, err)
			}
			slog.Info("semgroup: migrated inline vector", "group", name, "vector_id", id)
			vectors[name] = g.Vector
			g.VectorID = id
			g.Vector = nil
			changed = true
		case g.VectorID != "":
			if len(g.Vector) > 0 {
				g.Vector = nil
				changed = true
			}
			vec, err := m.getVector(ctx, g.VectorID)
			if err != nil {
				slog.Warn("semgroup: vector unreadable, will recompute", "group", name, "vector_id", g.VectorID, "error", err)
				g.VectorID = ""
				changed = true
				continue
			}
			vectors[name] = vec
		}
	}

	m.mu.Lock()
	m.config = doc.Config
	if m.config == nil {
		m.config = map[string]any{}
	}
	m.groups = doc.Groups
	m.vectors = vectors
	m.mu.Unlock()

	if changed {
		return m.Save(ctx)
	}
	return nil
}

// Save writes config and groups to the canonical file via a temp file and
// rename. It fails fast with ErrSaveBusy if another save is running.
func (m *Manager) Save(_ context.Context) error {
	return m.writeLocked(m.Snapshot())
}

func (m *Manager) writeLocked(doc Document) error {
	if !m.saveMu.TryLock() {
		slog.Warn("semgroup: save rejected, another save in progress")
		return ErrSaveBusy
	}
	defer m.saveMu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding groups: %w", err)
	}
	if err := blobstore.WriteFileAtomic(m.path, data, 0o644); err != nil {
		return fmt.Errorf("writing groups: %w", err)
	}
	return nil
}

// Snapshot returns a deep copy of the in-memory document without vectors.
func (m *Manager) Snapshot() Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc := Document{Config: m.config, Groups: make(map[string]*Group, len(m.groups))}
	for name, g := range m.groups {
		doc.Groups[name] = g.clone()
	}
	return doc
}

type precomputeJob struct {
	name  string
	words []string
	hash  string
	oldID string
}

// PrecomputeVectors brings every group's vector in line with its words.
// Groups without words lose their vector. Groups whose words hash changed,
// or that have no cached vector, are embedded again and get a new blob; the
// previous blob is deleted. Reports whether anything changed; changes are
// saved.
func (m *Manager) PrecomputeVectors(ctx context.Context) (bool, error) {
	var jobs []precomputeJob
	var drops []precomputeJob

	m.mu.RLock()
	for _, name := range sortedNames(m.groups) {
		g := m.groups[name]
		words := g.AllWords()
		if len(words) == 0 {
			if g.VectorID != "" || m.vectors[name] != nil {
				drops = append(drops, precomputeJob{name: name, oldID: g.VectorID})
			}
			continue
		}
		h := WordsHash(words)
		if h == g.WordsHash && m.vectors[name] != nil {
			continue
		}
		jobs = append(jobs, precomputeJob{name: name, words: words, hash: h, oldID: g.VectorID})
	}
	m.mu.RUnlock()

	changed := false
	for _, j := range drops {
		if j.oldID != "" {
			if err := m.blobs.Delete(ctx, j.oldID); err != nil {
				slog.Warn("semgroup: deleting vector of empty group failed", "group", j.name, "error", err)
			}
		}
		m.mu.Lock()
		if g, ok := m.groups[j.name]; ok {
			g.VectorID = ""
			g.WordsHash = ""
		}
		delete(m.vectors, j.name)
		m.mu.Unlock()
		changed = true
	}

	for _, j := range jobs {
		vec, err := m.emb.Embed(ctx, Description(j.name, j.words))
		if err != nil || len(vec) == 0 {
			slog.Warn("semgroup: embedding group failed", "group", j.name, "error", err)
			continue
		}
		id, err := m.putVector(ctx, vec)
		if err != nil {
			slog.Warn("semgroup: storing group vector failed", "group", j.name, "error", err)
			continue
		}
		if j.oldID != "" && j.oldID != id {
			if err := m.blobs.Delete(ctx, j.oldID); err != nil {
				slog.Warn("semgroup: deleting stale vector failed", "group", j.name, "vector_id", j.oldID, "error", err)
			}
		}

		m.mu.Lock()
		if g, ok := m.groups[j.name]; ok {
			g.VectorID = id
			g.WordsHash = j.hash
			m.vectors[j.name] = vec
		}
		m.mu.Unlock()
		changed = true
		slog.Debug("semgroup: group vector computed", "group", j.name, "vector_id", id)
	}

	if !changed {
		return false, nil
	}
	return true, m.Save(ctx)
}

// DetectAndActivateGroups returns every group with at least one word that
// occurs in text, compared case-insensitively as plain substrings. Each
// activated group has its activation stats updated.
func (m *Manager) DetectAndActivateGroups(text string) map[string]Activation {
	lower := strings.ToLower(text)
	out := make(map[string]Activation)
	now := m.now().UTC().Format(time.RFC3339)

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, g := range m.groups {
		all := g.AllWords()
		if len(all) == 0 {
			continue
		}
		var matched []string
		for _, w := range all {
			if strings.Contains(lower, strings.ToLower(w)) {
				matched = append(matched, w)
			}
		}
		if len(matched) == 0 {
			continue
		}
		out[name] = Activation{
			Strength:     float64(len(matched)) / float64(len(all)),
			MatchedWords: matched,
			AllWords:     all,
		}
		g.LastActivated = now
		g.ActivationCount++
	}
	return out
}

// GetEnhancedVector embeds query and blends it with the vectors of the
// activated groups: a weighted mean with weight 1 for the query and
// groupWeight × strength for each group. An error is returned when the
// query itself cannot be embedded; callers must not substitute an
// unenhanced vector in that case.
func (m *Manager) GetEnhancedVector(ctx context.Context, query string, activated map[string]Activation) ([]float32, error) {
	q, err := m.emb.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(q) == 0 {
		return nil, errors.New("embedding query: empty vector")
	}
	if len(activated) == 0 {
		return q, nil
	}

	vectors := [][]float32{q}
	weights := []float64{1.0}

	m.mu.RLock()
	names := make([]string, 0, len(activated))
	for name := range activated {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		gv := m.vectors[name]
		g := m.groups[name]
		if gv == nil || g == nil {
			continue
		}
		vectors = append(vectors, gv)
		weights = append(weights, g.EffectiveWeight()*activated[name].Strength)
	}
	m.mu.RUnlock()

	if len(vectors) == 1 {
		return q, nil
	}
	slog.Debug("semgroup: query blended with group vectors", "groups", len(vectors)-1)
	return vecmath.Mean(vectors, weights), nil
}

// Update replaces config and groups, as sent by an admin client. Vector
// blobs no longer referenced are deleted, vectors are recomputed where
// needed and the result is saved.
func (m *Manager) Update(ctx context.Context, doc Document) error {
	m.mu.Lock()
	oldIDs := map[string]bool{}
	for _, g := range m.groups {
		if g.VectorID != "" {
			oldIDs[g.VectorID] = true
		}
	}
	if doc.Config != nil {
		m.config = doc.Config
	}
	if doc.Groups != nil {
		newGroups := make(map[string]*Group, len(doc.Groups))
		for name, g := range doc.Groups {
			if g == nil {
				continue
			}
			ng := g.clone()
			if old, ok := m.groups[name]; ok && old.VectorID != ng.VectorID {
				delete(m.vectors, name)
			}
			newGroups[name] = ng
		}
		for name := range m.vectors {
			if _, ok := newGroups[name]; !ok {
				delete(m.vectors, name)
			}
		}
		m.groups = newGroups
	}
	for _, g := range m.groups {
		delete(oldIDs, g.VectorID)
	}
	m.mu.Unlock()

	for id := range oldIDs {
		if err := m.blobs.Delete(ctx, id); err != nil {
			slog.Warn("semgroup: deleting orphaned vector failed", "vector_id", id, "error", err)
		}
	}

	changed, err := m.PrecomputeVectors(ctx)
	if err != nil {
		return err
	}
	if !changed {
		return m.Save(ctx)
	}
	return nil
}

// Vector returns the cached vector of a group, or nil.
func (m *Manager) Vector(name string) []float32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.vectors[name]
}

func (m *Manager) putVector(ctx context.Context, vec []float32) (string, error) {
	data, err := json.Marshal(vec)
	if err != nil {
		return "", err
	}
	return m.blobs.Put(ctx, data)
}

func (m *Manager) getVector(ctx context.Context, id string) ([]float32, error) {
	data, err := m.blobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, fmt.Errorf("decoding vector %s: %w", id, err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("vector %s is empty", id)
	}
	return vec, nil
}

func readDocument(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if doc.Groups == nil {
		doc.Groups = map[string]*Group{}
	}
	for name, g := range doc.Groups {
		if g == nil {
			delete(doc.Groups, name)
		}
	}
	return doc, nil
}

// sameIntent compares the user-editable parts of two documents, ignoring
// word order and vector metadata.
func sameIntent(a, b Document) bool {
	if !reflect.DeepEqual(normConfig(a.Config), normConfig(b.Config)) {
		return false
	}
	if len(a.Groups) != len(b.Groups) {
		return false
	}
	for name, ga := range a.Groups {
		gb, ok := b.Groups[name]
		if !ok || ga == nil || gb == nil {
			return false
		}
		if ga.EffectiveWeight() != gb.EffectiveWeight() ||
			!sameSet(ga.Words, gb.Words) ||
			!sameSet(ga.AutoLearned, gb.AutoLearned) {
			return false
		}
	}
	return true
}

func normConfig(c map[string]any) map[string]any {
	if c == nil {
		return map[string]any{}
	}
	return c
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func sortedNames(groups map[string]*Group) []string {
	names := make([]string, 0, len(groups))
	for n := range groups {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
