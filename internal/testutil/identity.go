package testutil

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gp-session-sync/internal/models"
)

// Put records one identity-store write.
type Put struct {
	Name  string
	Attrs map[string]string
}

// FakeIdentity is an in-memory identity store paging its listing PageSize users at a time.
type FakeIdentity struct {
	PageSize int

	mu        sync.Mutex
	users     map[string]models.IdentityRecord // by id
	nextID    int
	puts      []Put
	putErr    map[string]error // by canonical name
	listErr   error
	getErr    error
	listCalls int
	getCalls  int
	nodes     []models.NodeInfo
}

func NewFakeIdentity() *FakeIdentity {
	return &FakeIdentity{
		PageSize: 2,
		users:    make(map[string]models.IdentityRecord),
		putErr:   make(map[string]error),
	}
}

// AddUser stores a user and returns its id. attrs may be nil.
func (f *FakeIdentity) AddUser(name string, attrs map[string]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("id-%03d", f.nextID)
	rec := models.IdentityRecord{ID: id, Name: name}
	rec.MergeAttributes(attrs)
	f.users[id] = rec
	return id
}

// AddConnected stores a user already marked connected from the given endpoint.
func (f *FakeIdentity) AddConnected(name, hostname, os, ip string) string {
	return f.AddUser(name, models.SessionAttributes{
		Hostname: hostname,
		OS:       os,
		SourceIP: ip,
		Version:  "6.1.0",
	}.Custom())
}

// RemoveUser deletes the user named name.
func (f *FakeIdentity) RemoveUser(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, u := range f.users {
		if u.Key() == models.NormalizeUsername(name) {
			delete(f.users, id)
		}
	}
}

// FailPut makes writes for name fail with err; nil clears it.
func (f *FakeIdentity) FailPut(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.putErr, models.NormalizeUsername(name))
		return
	}
	f.putErr[models.NormalizeUsername(name)] = err
}

func (f *FakeIdentity) FailList(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func (f *FakeIdentity) FailGet(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getErr = err
}

func (f *FakeIdentity) SetNodes(nodes ...models.NodeInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes = nodes
}

// Puts returns every successful write in order.
func (f *FakeIdentity) Puts() []Put {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Put(nil), f.puts...)
}

// PutsFor returns the successful writes for name.
func (f *FakeIdentity) PutsFor(name string) []Put {
	var out []Put
	for _, p := range f.Puts() {
		if models.NormalizeUsername(p.Name) == models.NormalizeUsername(name) {
			out = append(out, p)
		}
	}
	return out
}

func (f *FakeIdentity) ResetPuts() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = nil
}

func (f *FakeIdentity) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *FakeIdentity) GetCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls
}

// Attributes returns the stored session attributes of name.
func (f *FakeIdentity) Attributes(name string) models.SessionAttributes {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Key() == models.NormalizeUsername(name) {
			return u.Attributes()
		}
	}
	return models.SessionAttributes{}
}

func (f *FakeIdentity) ListUsers(_ context.Context, endpoint, page string) ([]models.IdentityRecord, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, "", f.listErr
	}

	ids := make([]string, 0, len(f.users))
	for id := range f.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	start := 0
	if page != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(page, "page="))
		if err != nil {
			return nil, "", &models.RemoteError{Op: "identity.list_users", Endpoint: endpoint, Kind: models.ErrMalformedPayload, Err: err}
		}
		start = n
	}
	size := f.PageSize
	if size <= 0 {
		size = len(ids) + 1
	}
	end := start + size
	if end > len(ids) {
		end = len(ids)
	}

	out := make([]models.IdentityRecord, 0, end-start)
	for _, id := range ids[start:end] {
		u := f.users[id]
		out = append(out, models.IdentityRecord{ID: u.ID, Name: u.Name})
	}
	next := ""
	if end < len(ids) {
		next = fmt.Sprintf("page=%d", end)
	}
	return out, next, nil
}

func (f *FakeIdentity) GetUser(_ context.Context, endpoint, id string) (models.IdentityRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return models.IdentityRecord{}, f.getErr
	}
	u, ok := f.users[id]
	if !ok {
		return models.IdentityRecord{}, &models.RemoteError{Op: "identity.get_user", Endpoint: endpoint, StatusCode: http.StatusNotFound, Kind: models.ErrUserNotFound}
	}
	return u.Clone(), nil
}

func (f *FakeIdentity) PutUser(_ context.Context, endpoint string, rec models.IdentityRecord, attrs map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.putErr[rec.Key()]; err != nil {
		return err
	}
	u, ok := f.users[rec.ID]
	if !ok {
		return &models.RemoteError{Op: "identity.put_user", Endpoint: endpoint, StatusCode: http.StatusNotFound, Kind: models.ErrUserNotFound}
	}
	copied := make(map[string]string, len(attrs))
	for k, v := range attrs {
		copied[k] = v
	}
	u.MergeAttributes(copied)
	f.users[rec.ID] = u
	f.puts = append(f.puts, Put{Name: rec.Name, Attrs: copied})
	return nil
}

func (f *FakeIdentity) GetActiveNodes(_ context.Context, _ string) ([]models.NodeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.NodeInfo(nil), f.nodes...), nil
}
