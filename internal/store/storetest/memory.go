// Package storetest provides an in-memory stand-in for the Elasticsearch
// store. It keeps indices, aliases, templates and documents, and evaluates
// the subset of the query DSL the collector emits.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/andersnauman/dmarc-collector/internal/store"
	"github.com/andersnauman/dmarc-collector/shared/models"
)

type document struct {
	ID     string
	Source map[string]any
}

// Memory is safe for concurrent use.
type Memory struct {
	mu        sync.Mutex
	indices   map[string][]document
	aliases   map[string]map[string]struct{}
	templates map[string]models.IndexTemplate
	failures  map[string]error
	history   [][]store.AliasAction
	nextID    int
}

func NewMemory() *Memory {
	return &Memory{
		indices:   make(map[string][]document),
		aliases:   make(map[string]map[string]struct{}),
		templates: make(map[string]models.IndexTemplate),
		failures:  make(map[string]error),
	}
}

// Operation names accepted by Fail.
const (
	OpIndexExists      = "IndexExists"
	OpListIndices      = "ListIndices"
	OpPutIndexTemplate = "PutIndexTemplate"
	OpCreateIndex      = "CreateIndex"
	OpReindex          = "Reindex"
	OpRefresh          = "Refresh"
	OpUpdateAliases    = "UpdateAliases"
	OpCount            = "Count"
	OpIndexDocument    = "IndexDocument"
)

// Fail makes every later call of op return err. A nil err clears it.
func (m *Memory) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *Memory) failure(op string) error {
	return m.failures[op]
}

// AddIndex creates a concrete index directly, bypassing templates.
func (m *Memory) AddIndex(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.indices[name]; !ok {
		m.indices[name] = nil
	}
}

// Bind points alias at index.
func (m *Memory) Bind(alias, index string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.aliases[alias] == nil {
		m.aliases[alias] = make(map[string]struct{})
	}
	m.aliases[alias][index] = struct{}{}
}

// Seed stores documents in a concrete index.
func (m *Memory) Seed(index string, docs ...map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range docs {
		m.nextID++
		m.indices[index] = append(m.indices[index], document{ID: fmt.Sprintf("doc-%d", m.nextID), Source: doc})
	}
}

func (m *Memory) IndexExists(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpIndexExists); err != nil {
		return false, err
	}
	return m.exists(name), nil
}

func (m *Memory) ListIndices(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpListIndices); err != nil {
		return nil, err
	}
	return m.match(pattern), nil
}

func (m *Memory) PutIndexTemplate(_ context.Context, name string, tmpl models.IndexTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpPutIndexTemplate); err != nil {
		return err
	}
	m.templates[name] = tmpl
	return nil
}

func (m *Memory) CreateIndex(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpCreateIndex); err != nil {
		return err
	}
	if m.exists(name) {
		return &store.ResponseError{
			Op:     "create index",
			Status: http.StatusBadRequest,
			Type:   "resource_already_exists_exception",
			Reason: fmt.Sprintf("index [%s] already exists", name),
		}
	}
	m.indices[name] = nil
	return nil
}

func (m *Memory) Reindex(_ context.Context, source, dest string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpReindex); err != nil {
		return 0, err
	}

	sources, err := m.resolve("reindex", source)
	if err != nil {
		return 0, err
	}
	var copied []document
	for _, index := range sources {
		for _, doc := range m.indices[index] {
			copied = append(copied, document{ID: doc.ID, Source: clone(doc.Source)})
		}
	}

	m.indices[dest] = append(m.indices[dest], copied...)
	return int64(len(copied)), nil
}

func (m *Memory) Refresh(_ context.Context, index string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpRefresh); err != nil {
		return err
	}
	_, err := m.resolve("refresh", index)
	return err
}

// UpdateAliases applies all actions or none of them.
func (m *Memory) UpdateAliases(_ context.Context, actions []store.AliasAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpUpdateAliases); err != nil {
		return err
	}

	next := make(map[string]map[string]struct{}, len(m.aliases))
	for alias, targets := range m.aliases {
		next[alias] = make(map[string]struct{}, len(targets))
		for index := range targets {
			next[alias][index] = struct{}{}
		}
	}

	for _, action := range actions {
		indices := m.match(action.Index)
		switch action.Op {
		case store.AliasAdd:
			if len(indices) == 0 {
				return indexNotFound("update aliases", action.Index)
			}
			if next[action.Alias] == nil {
				next[action.Alias] = make(map[string]struct{})
			}
			for _, index := range indices {
				next[action.Alias][index] = struct{}{}
			}
		case store.AliasRemove:
			for _, index := range indices {
				delete(next[action.Alias], index)
			}
			if len(next[action.Alias]) == 0 {
				delete(next, action.Alias)
			}
		default:
			return &store.ResponseError{Op: "update aliases", Status: http.StatusBadRequest, Type: "parse_exception", Reason: string(action.Op)}
		}
	}

	m.aliases = next
	m.history = append(m.history, append([]store.AliasAction(nil), actions...))
	return nil
}

func (m *Memory) Count(_ context.Context, index string, query map[string]any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpCount); err != nil {
		return 0, err
	}

	indices, err := m.resolve("count", index)
	if err != nil {
		return 0, err
	}

	var count int64
	for _, name := range indices {
		for _, doc := range m.indices[name] {
			if Matches(doc.Source, query) {
				count++
			}
		}
	}
	return count, nil
}

func (m *Memory) IndexDocument(_ context.Context, index string, doc any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpIndexDocument); err != nil {
		return "", err
	}

	indices, err := m.resolve("index document", index)
	if err != nil {
		return "", err
	}
	if len(indices) != 1 {
		return "", &store.ResponseError{
			Op:     "index document",
			Status: http.StatusBadRequest,
			Type:   "illegal_argument_exception",
			Reason: fmt.Sprintf("no write index is defined for alias [%s]", index),
		}
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	var source map[string]any
	if err := json.Unmarshal(raw, &source); err != nil {
		return "", err
	}

	m.nextID++
	id := fmt.Sprintf("doc-%d", m.nextID)
	m.indices[indices[0]] = append(m.indices[indices[0]], document{ID: id, Source: source})
	return id, nil
}

// Documents returns copies of every document reachable through name.
func (m *Memory) Documents(name string) []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	indices, err := m.resolve("documents", name)
	if err != nil {
		return nil
	}
	var docs []map[string]any
	for _, index := range indices {
		for _, doc := range m.indices[index] {
			docs = append(docs, clone(doc.Source))
		}
	}
	return docs
}

// Partitions returns the indices alias currently points at, sorted.
func (m *Memory) Partitions(alias string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.aliases[alias])
}

// Indices returns every concrete index, sorted.
func (m *Memory) Indices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.indices))
	for name := range m.indices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Memory) Template(name string) (models.IndexTemplate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tmpl, ok := m.templates[name]
	return tmpl, ok
}

// AliasHistory returns every applied UpdateAliases request in order.
func (m *Memory) AliasHistory() [][]store.AliasAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]store.AliasAction(nil), m.history...)
}

func (m *Memory) exists(name string) bool {
	if _, ok := m.indices[name]; ok {
		return true
	}
	_, ok := m.aliases[name]
	return ok
}

// match expands a name or wildcard pattern into concrete index names.
func (m *Memory) match(pattern string) []string {
	var names []string
	for name := range m.indices {
		if ok, _ := path.Match(pattern, name); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// resolve turns an alias, index or pattern into concrete indices.
func (m *Memory) resolve(op, name string) ([]string, error) {
	if targets, ok := m.aliases[name]; ok {
		return sortedKeys(targets), nil
	}
	if _, ok := m.indices[name]; ok {
		return []string{name}, nil
	}
	if strings.Contains(name, "*") {
		return m.match(name), nil
	}
	return nil, indexNotFound(op, name)
}

func indexNotFound(op, name string) error {
	return &store.ResponseError{
		Op:     op,
		Status: http.StatusNotFound,
		Type:   "index_not_found_exception",
		Reason: fmt.Sprintf("no such index [%s]", name),
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func clone(source map[string]any) map[string]any {
	raw, _ := json.Marshal(source)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}
