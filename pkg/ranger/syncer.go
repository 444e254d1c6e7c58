package ranger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rangerd/rangerd/pkg/telemetry"
)

// SystemGroup is the built-in Ranger group that must never be touched.
const SystemGroup = "public"

// Membership is the user/group configuration a downstream consumer asks
// the admin server to hold.
type Membership struct {
	Users       []UserSpec       `yaml:"users,omitempty" json:"users,omitempty"`
	Groups      []GroupSpec      `yaml:"groups,omitempty" json:"groups,omitempty"`
	Memberships []MembershipSpec `yaml:"memberships,omitempty" json:"memberships,omitempty"`
}

// UserSpec declares one user.
type UserSpec struct {
	Name  string `yaml:"name" json:"name"`
	Email string `yaml:"email,omitempty" json:"email,omitempty"`
}

// GroupSpec declares one group.
type GroupSpec struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// MembershipSpec assigns users to a group.
type MembershipSpec struct {
	GroupName string   `yaml:"groupname" json:"groupname"`
	Users     []string `yaml:"users" json:"users"`
}

// ParseMembership decodes the user-group-configuration attribute carried
// by a downstream consumer.
func ParseMembership(raw string) (Membership, error) {
	var m Membership
	if err := yaml.Unmarshal([]byte(raw), &m); err != nil {
		return Membership{}, fmt.Errorf("failed to decode user-group-configuration: %w", err)
	}
	for _, ms := range m.Memberships {
		if ms.GroupName == SystemGroup {
			return Membership{}, fmt.Errorf("membership for system group %s is not allowed", SystemGroup)
		}
	}
	return m, nil
}

// SyncResult summarizes one group sync run.
type SyncResult struct {
	CreatedUsers       int
	CreatedGroups      int
	CreatedMemberships int
	PrunedMemberships  int
}

// Changed reports whether the run mutated anything.
func (r SyncResult) Changed() bool {
	return r.CreatedUsers+r.CreatedGroups+r.CreatedMemberships+r.PrunedMemberships > 0
}

// SyncerConfig configures a GroupSyncer.
type SyncerConfig struct {
	// BaseURL is the admin endpoint, e.g. http://ranger:6080.
	BaseURL string

	// Username and Password authenticate against the admin API.
	Username string
	Password string

	// HTTPClient overrides the default client (10s timeout).
	HTTPClient *http.Client

	// MaxRetries bounds retry attempts per request. Defaults to 3.
	MaxRetries int

	// RetryDelay is the initial backoff, doubled per attempt. Defaults to 2s.
	RetryDelay time.Duration

	// Logger for structured logging. Defaults to a no-op logger.
	Logger *telemetry.Logger
}

// GroupSyncer reconciles users, groups and memberships in the admin server
// with the configuration downstream consumers declare. It creates what is
// missing and prunes stale memberships from groups it manages; it never
// deletes users or groups, and it never touches the system group.
type GroupSyncer struct {
	baseURL    string
	username   string
	password   string
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
	logger     *telemetry.Logger
}

// NewGroupSyncer creates a group syncer for the admin REST API.
func NewGroupSyncer(cfg SyncerConfig) *GroupSyncer {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &GroupSyncer{
		baseURL:    cfg.BaseURL,
		username:   cfg.Username,
		password:   cfg.Password,
		client:     client,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		logger:     logger.NewComponentLogger("groupsync"),
	}
}

// Ranger xusers API wire types.

type vxUser struct {
	ID          int    `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type vxUserList struct {
	VXUsers []vxUser `json:"vXUsers"`
}

type vxGroup struct {
	ID          int    `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type vxGroupList struct {
	VXGroups []vxGroup `json:"vXGroups"`
}

type vxGroupUser struct {
	ID     int    `json:"id,omitempty"`
	Name   string `json:"name"`
	UserID int    `json:"userId"`
}

type vxGroupUserList struct {
	VXGroupUsers []vxGroupUser `json:"vXGroupUsers"`
}

// Sync brings the admin server's user/group data in line with desired.
func (s *GroupSyncer) Sync(ctx context.Context, desired Membership) (SyncResult, error) {
	var result SyncResult

	users, err := s.fetchUsers(ctx)
	if err != nil {
		return result, err
	}
	groups, err := s.fetchGroups(ctx)
	if err != nil {
		return result, err
	}
	memberships, err := s.fetchGroupUsers(ctx)
	if err != nil {
		return result, err
	}

	userIDs := make(map[string]int, len(users))
	for _, u := range users {
		userIDs[u.Name] = u.ID
	}
	groupIDs := make(map[string]int, len(groups))
	for _, g := range groups {
		groupIDs[g.Name] = g.ID
	}

	// Create missing groups.
	for _, g := range desired.Groups {
		if g.Name == SystemGroup {
			continue
		}
		if _, ok := groupIDs[g.Name]; ok {
			continue
		}
		created, err := s.createGroup(ctx, g)
		if err != nil {
			return result, err
		}
		groupIDs[g.Name] = created.ID
		result.CreatedGroups++
		s.logger.WithField("group", g.Name).Info("created group")
	}

	// Create missing users.
	for _, u := range desired.Users {
		if _, ok := userIDs[u.Name]; ok {
			continue
		}
		created, err := s.createUser(ctx, u)
		if err != nil {
			return result, err
		}
		userIDs[u.Name] = created.ID
		result.CreatedUsers++
		s.logger.WithField("user", u.Name).Info("created user")
	}

	// Index current memberships by group name and user id.
	type memberKey struct {
		group  string
		userID int
	}
	current := make(map[memberKey]vxGroupUser, len(memberships))
	for _, gu := range memberships {
		current[memberKey{gu.Name, gu.UserID}] = gu
	}

	// Desired membership set, resolved to user ids.
	want := make(map[memberKey]bool)
	for _, ms := range desired.Memberships {
		if ms.GroupName == SystemGroup {
			continue
		}
		for _, userName := range ms.Users {
			uid, ok := userIDs[userName]
			if !ok {
				return result, fmt.Errorf("membership references unknown user %s", userName)
			}
			key := memberKey{ms.GroupName, uid}
			want[key] = true
			if _, ok := current[key]; ok {
				continue
			}
			if err := s.createGroupUser(ctx, ms.GroupName, uid); err != nil {
				return result, err
			}
			result.CreatedMemberships++
		}
	}

	// Prune stale memberships, only within groups this sync manages.
	managed := make(map[string]bool, len(desired.Memberships))
	for _, ms := range desired.Memberships {
		managed[ms.GroupName] = true
	}
	for key, gu := range current {
		if key.group == SystemGroup || !managed[key.group] {
			continue
		}
		if want[key] {
			continue
		}
		if err := s.deleteGroupUser(ctx, gu.ID); err != nil {
			return result, err
		}
		result.PrunedMemberships++
	}

	return result, nil
}

func (s *GroupSyncer) fetchUsers(ctx context.Context) ([]vxUser, error) {
	var list vxUserList
	if err := s.doJSON(ctx, http.MethodGet, "/service/xusers/users?pageSize=1000", nil, &list); err != nil {
		return nil, fmt.Errorf("fetching users: %w", err)
	}
	return list.VXUsers, nil
}

func (s *GroupSyncer) fetchGroups(ctx context.Context) ([]vxGroup, error) {
	var list vxGroupList
	if err := s.doJSON(ctx, http.MethodGet, "/service/xusers/groups?pageSize=1000", nil, &list); err != nil {
		return nil, fmt.Errorf("fetching groups: %w", err)
	}
	return list.VXGroups, nil
}

func (s *GroupSyncer) fetchGroupUsers(ctx context.Context) ([]vxGroupUser, error) {
	var list vxGroupUserList
	if err := s.doJSON(ctx, http.MethodGet, "/service/xusers/groupusers?pageSize=1000", nil, &list); err != nil {
		return nil, fmt.Errorf("fetching group memberships: %w", err)
	}
	return list.VXGroupUsers, nil
}

func (s *GroupSyncer) createGroup(ctx context.Context, g GroupSpec) (vxGroup, error) {
	body := vxGroup{Name: g.Name, Description: g.Description}
	var created vxGroup
	if err := s.doJSON(ctx, http.MethodPost, "/service/xusers/groups", body, &created); err != nil {
		return vxGroup{}, fmt.Errorf("creating group %s: %w", g.Name, err)
	}
	return created, nil
}

func (s *GroupSyncer) createUser(ctx context.Context, u UserSpec) (vxUser, error) {
	body := vxUser{Name: u.Name, Description: "managed by rangerd"}
	var created vxUser
	if err := s.doJSON(ctx, http.MethodPost, "/service/xusers/users", body, &created); err != nil {
		return vxUser{}, fmt.Errorf("creating user %s: %w", u.Name, err)
	}
	return created, nil
}

func (s *GroupSyncer) createGroupUser(ctx context.Context, group string, userID int) error {
	body := vxGroupUser{Name: group, UserID: userID}
	if err := s.doJSON(ctx, http.MethodPost, "/service/xusers/groupusers", body, nil); err != nil {
		return fmt.Errorf("adding user %d to group %s: %w", userID, group, err)
	}
	return nil
}

func (s *GroupSyncer) deleteGroupUser(ctx context.Context, id int) error {
	if err := s.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/service/xusers/groupusers/%d", id), nil, nil); err != nil {
		return fmt.Errorf("removing membership %d: %w", id, err)
	}
	return nil
}

// doJSON performs one API request with bounded retries. Connection errors
// and 5xx responses are retried with a doubling delay; 4xx responses fail
// immediately.
func (s *GroupSyncer) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
	}

	var lastErr error
	delay := s.retryDelay

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
		if err != nil {
			return err
		}
		req.SetBasicAuth(s.username, s.password)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			s.logger.WithError(err).WithField("attempt", attempt+1).Warn("admin API request failed")
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if readErr != nil {
				lastErr = readErr
				continue
			}
			if out != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return fmt.Errorf("decoding %s %s response: %w", method, path, err)
				}
			}
			return nil
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("%s %s: server returned %d", method, path, resp.StatusCode)
			s.logger.WithField("status", resp.StatusCode).WithField("attempt", attempt+1).Warn("admin API request failed")
			continue
		default:
			return fmt.Errorf("%s %s: server returned %d: %s", method, path, resp.StatusCode, string(respBody))
		}
	}

	return fmt.Errorf("admin API unavailable after %d attempts: %w", s.maxRetries, lastErr)
}
