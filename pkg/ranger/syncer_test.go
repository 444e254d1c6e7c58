package ranger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeAdmin is a minimal in-memory stand-in for the admin xusers API.
type fakeAdmin struct {
	mu           sync.Mutex
	nextID       int
	users        map[string]int
	groups       map[string]int
	memberships  map[int]vxGroupUser
	failures     int // number of 500s to serve before recovering
	requestCount int
}

func newFakeAdmin() *fakeAdmin {
	return &fakeAdmin{
		nextID:      1,
		users:       make(map[string]int),
		groups:      map[string]int{SystemGroup: 1},
		memberships: make(map[int]vxGroupUser),
	}
}

func (f *fakeAdmin) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/service/xusers/users", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.requestCount++
		if f.failures > 0 {
			f.failures--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		switch r.Method {
		case http.MethodGet:
			var list vxUserList
			for name, id := range f.users {
				list.VXUsers = append(list.VXUsers, vxUser{ID: id, Name: name})
			}
			json.NewEncoder(w).Encode(list)
		case http.MethodPost:
			var u vxUser
			json.NewDecoder(r.Body).Decode(&u)
			f.nextID++
			f.users[u.Name] = f.nextID
			u.ID = f.nextID
			json.NewEncoder(w).Encode(u)
		}
	})
	mux.HandleFunc("/service/xusers/groups", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.requestCount++
		switch r.Method {
		case http.MethodGet:
			var list vxGroupList
			for name, id := range f.groups {
				list.VXGroups = append(list.VXGroups, vxGroup{ID: id, Name: name})
			}
			json.NewEncoder(w).Encode(list)
		case http.MethodPost:
			var g vxGroup
			json.NewDecoder(r.Body).Decode(&g)
			f.nextID++
			f.groups[g.Name] = f.nextID
			g.ID = f.nextID
			json.NewEncoder(w).Encode(g)
		}
	})
	mux.HandleFunc("/service/xusers/groupusers", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.requestCount++
		switch r.Method {
		case http.MethodGet:
			var list vxGroupUserList
			for _, gu := range f.memberships {
				list.VXGroupUsers = append(list.VXGroupUsers, gu)
			}
			json.NewEncoder(w).Encode(list)
		case http.MethodPost:
			var gu vxGroupUser
			json.NewDecoder(r.Body).Decode(&gu)
			f.nextID++
			gu.ID = f.nextID
			f.memberships[gu.ID] = gu
			json.NewEncoder(w).Encode(gu)
		}
	})
	mux.HandleFunc("/service/xusers/groupusers/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.requestCount++
		if r.Method == http.MethodDelete {
			idx := strings.LastIndex(r.URL.Path, "/")
			if id, err := strconv.Atoi(r.URL.Path[idx+1:]); err == nil {
				delete(f.memberships, id)
			}
			w.WriteHeader(http.StatusNoContent)
		}
	})
	return mux
}

func newTestSyncer(url string) *GroupSyncer {
	return NewGroupSyncer(SyncerConfig{
		BaseURL:    url,
		Username:   "admin",
		Password:   "rangerR0cks!",
		MaxRetries: 3,
		RetryDelay: 10 * time.Millisecond,
	})
}

func TestGroupSyncer_CreatesMissing(t *testing.T) {
	fake := newFakeAdmin()
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	syncer := newTestSyncer(server.URL)
	desired := Membership{
		Users:  []UserSpec{{Name: "alice"}, {Name: "bob"}},
		Groups: []GroupSpec{{Name: "engineering"}},
		Memberships: []MembershipSpec{
			{GroupName: "engineering", Users: []string{"alice", "bob"}},
		},
	}

	result, err := syncer.Sync(context.Background(), desired)
	if err != nil {
		t.Fatalf("Expected sync to succeed, got error: %v", err)
	}
	if result.CreatedUsers != 2 {
		t.Errorf("Expected 2 created users, got %d", result.CreatedUsers)
	}
	if result.CreatedGroups != 1 {
		t.Errorf("Expected 1 created group, got %d", result.CreatedGroups)
	}
	if result.CreatedMemberships != 2 {
		t.Errorf("Expected 2 created memberships, got %d", result.CreatedMemberships)
	}
	if !result.Changed() {
		t.Error("Expected result to report a change")
	}
}

func TestGroupSyncer_Idempotent(t *testing.T) {
	fake := newFakeAdmin()
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	syncer := newTestSyncer(server.URL)
	desired := Membership{
		Users:       []UserSpec{{Name: "alice"}},
		Groups:      []GroupSpec{{Name: "engineering"}},
		Memberships: []MembershipSpec{{GroupName: "engineering", Users: []string{"alice"}}},
	}

	if _, err := syncer.Sync(context.Background(), desired); err != nil {
		t.Fatalf("Expected first sync to succeed, got error: %v", err)
	}
	result, err := syncer.Sync(context.Background(), desired)
	if err != nil {
		t.Fatalf("Expected second sync to succeed, got error: %v", err)
	}
	if result.Changed() {
		t.Errorf("Expected second sync to be a no-op, got %+v", result)
	}
}

func TestGroupSyncer_PrunesStaleMemberships(t *testing.T) {
	fake := newFakeAdmin()
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	syncer := newTestSyncer(server.URL)
	before := Membership{
		Users:       []UserSpec{{Name: "alice"}, {Name: "bob"}},
		Groups:      []GroupSpec{{Name: "engineering"}},
		Memberships: []MembershipSpec{{GroupName: "engineering", Users: []string{"alice", "bob"}}},
	}
	if _, err := syncer.Sync(context.Background(), before); err != nil {
		t.Fatalf("Expected seed sync to succeed, got error: %v", err)
	}

	after := Membership{
		Users:       []UserSpec{{Name: "alice"}, {Name: "bob"}},
		Groups:      []GroupSpec{{Name: "engineering"}},
		Memberships: []MembershipSpec{{GroupName: "engineering", Users: []string{"alice"}}},
	}
	result, err := syncer.Sync(context.Background(), after)
	if err != nil {
		t.Fatalf("Expected prune sync to succeed, got error: %v", err)
	}
	if result.PrunedMemberships != 1 {
		t.Errorf("Expected 1 pruned membership, got %d", result.PrunedMemberships)
	}
}

func TestGroupSyncer_RetriesServerErrors(t *testing.T) {
	fake := newFakeAdmin()
	fake.failures = 2
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	syncer := newTestSyncer(server.URL)
	if _, err := syncer.Sync(context.Background(), Membership{}); err != nil {
		t.Fatalf("Expected sync to recover after retries, got error: %v", err)
	}
}

func TestGroupSyncer_GivesUpAfterMaxRetries(t *testing.T) {
	fake := newFakeAdmin()
	fake.failures = 10
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	syncer := newTestSyncer(server.URL)
	if _, err := syncer.Sync(context.Background(), Membership{}); err == nil {
		t.Fatal("Expected error after exhausting retries, got nil")
	}
}

func TestParseMembership(t *testing.T) {
	raw := `
users:
  - name: alice
  - name: bob
groups:
  - name: engineering
    description: eng team
memberships:
  - groupname: engineering
    users: [alice, bob]
`
	m, err := ParseMembership(raw)
	if err != nil {
		t.Fatalf("Expected parse to succeed, got error: %v", err)
	}
	if len(m.Users) != 2 || len(m.Groups) != 1 || len(m.Memberships) != 1 {
		t.Errorf("Unexpected membership shape: %+v", m)
	}
	if m.Memberships[0].GroupName != "engineering" {
		t.Errorf("Expected group engineering, got %s", m.Memberships[0].GroupName)
	}
}

func TestParseMembership_RejectsSystemGroup(t *testing.T) {
	raw := `
memberships:
  - groupname: public
    users: [alice]
`
	if _, err := ParseMembership(raw); err == nil {
		t.Fatal("Expected error for system group membership, got nil")
	}
}

func TestParseMembership_RejectsGarbage(t *testing.T) {
	if _, err := ParseMembership("{{not yaml"); err == nil {
		t.Fatal("Expected error for invalid YAML, got nil")
	}
}
