package app

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"sproutly/api/internal/rbac"
	"sproutly/api/internal/store"
	"sproutly/api/internal/util"
)

// memStore is a stateful in-memory dataStore for end-to-end scenarios. It
// mirrors the Postgres store's semantics (vote uniqueness, atomic-looking
// counter moves, subtree delete) behind one mutex.
type memStore struct {
	mu      sync.Mutex
	users   map[string]store.User
	forums  map[string]store.Forum
	posts   map[string]store.Post
	replies map[string]store.Reply
	votes   map[string]store.Vote // keyed voter|kind|target
	seq     int
}

func newMemStore() *memStore {
	return &memStore{
		users:   map[string]store.User{},
		forums:  map[string]store.Forum{},
		posts:   map[string]store.Post{},
		replies: map[string]store.Reply{},
		votes:   map[string]store.Vote{},
	}
}

func voteKey(voterID, kind, targetID string) string {
	return voterID + "|" + kind + "|" + targetID
}

func (m *memStore) now() time.Time {
	m.seq++
	return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC).Add(time.Duration(m.seq) * time.Second)
}

func (m *memStore) Ping(context.Context) error { return nil }

func (m *memStore) EnsureUserByName(_ context.Context, name string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.DisplayName == name {
			return user, nil
		}
	}
	user := store.User{ID: util.NewID("usr"), DisplayName: name, Role: string(rbac.RoleUser), CreatedAt: m.now()}
	m.users[user.ID] = user
	return user, nil
}

func (m *memStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) GetUsersByIDs(_ context.Context, ids []string) (map[string]store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := make(map[string]store.User, len(ids))
	for _, id := range ids {
		if user, ok := m.users[id]; ok {
			found[id] = user
		}
	}
	return found, nil
}

func (m *memStore) setRole(userID, role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user := m.users[userID]
	user.Role = role
	m.users[userID] = user
}

func (m *memStore) ListForums(_ context.Context) ([]store.Forum, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	forums := make([]store.Forum, 0, len(m.forums))
	for _, forum := range m.forums {
		forums = append(forums, forum)
	}
	sort.Slice(forums, func(i, j int) bool { return forums[i].Slug < forums[j].Slug })
	return forums, nil
}

func (m *memStore) GetForumBySlug(_ context.Context, slug string) (store.Forum, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, forum := range m.forums {
		if forum.Slug == slug {
			return forum, nil
		}
	}
	return store.Forum{}, sql.ErrNoRows
}

func (m *memStore) InsertForum(_ context.Context, forum store.Forum) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	forum.CreatedAt = m.now()
	m.forums[forum.ID] = forum
	return nil
}

func (m *memStore) AdjustForumPostCount(_ context.Context, forumID string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	forum, ok := m.forums[forumID]
	if !ok {
		return sql.ErrNoRows
	}
	forum.PostCount += delta
	if forum.PostCount < 0 {
		forum.PostCount = 0
	}
	m.forums[forumID] = forum
	return nil
}

func (m *memStore) InsertPost(_ context.Context, post store.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	post.CreatedAt = now
	post.UpdatedAt = now
	m.posts[post.ID] = post
	return nil
}

func (m *memStore) GetPost(_ context.Context, id string) (store.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	post, ok := m.posts[id]
	if !ok {
		return store.Post{}, sql.ErrNoRows
	}
	return post, nil
}

func (m *memStore) ListPostsByForum(_ context.Context, forumID string, limit, offset int) ([]store.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	posts := make([]store.Post, 0)
	for _, post := range m.posts {
		if post.ForumID == forumID {
			posts = append(posts, post)
		}
	}
	activity := func(p store.Post) time.Time {
		if p.LastReplyAt != nil {
			return *p.LastReplyAt
		}
		return p.CreatedAt
	}
	sort.Slice(posts, func(i, j int) bool {
		if posts[i].Pinned != posts[j].Pinned {
			return posts[i].Pinned
		}
		return activity(posts[i]).After(activity(posts[j]))
	})
	if offset >= len(posts) {
		return nil, nil
	}
	posts = posts[offset:]
	if limit < len(posts) {
		posts = posts[:limit]
	}
	return posts, nil
}

func (m *memStore) IncrementPostViews(_ context.Context, id string) (store.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	post, ok := m.posts[id]
	if !ok {
		return store.Post{}, sql.ErrNoRows
	}
	post.ViewCount++
	m.posts[id] = post
	return post, nil
}

func (m *memStore) SetPostPinned(_ context.Context, id string, pinned bool) (store.Post, error) {
	return m.updatePost(id, func(post *store.Post) { post.Pinned = pinned })
}

func (m *memStore) SetPostSolved(_ context.Context, id string, solved bool) (store.Post, error) {
	return m.updatePost(id, func(post *store.Post) { post.Solved = solved })
}

func (m *memStore) updatePost(id string, mutate func(*store.Post)) (store.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	post, ok := m.posts[id]
	if !ok {
		return store.Post{}, sql.ErrNoRows
	}
	mutate(&post)
	post.UpdatedAt = m.now()
	m.posts[id] = post
	return post, nil
}

func (m *memStore) SetPostClosed(_ context.Context, id string, closed bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	post, ok := m.posts[id]
	if !ok {
		return false, sql.ErrNoRows
	}
	if post.Closed == closed {
		return false, nil
	}
	post.Closed = closed
	post.UpdatedAt = m.now()
	m.posts[id] = post
	return true, nil
}

func (m *memStore) DeletePost(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[id]; !ok {
		return sql.ErrNoRows
	}
	delete(m.posts, id)
	for replyID, reply := range m.replies {
		if reply.PostID == id {
			delete(m.replies, replyID)
		}
	}
	for key, vote := range m.votes {
		if vote.TargetKind == store.VoteTargetPost && vote.TargetID == id {
			delete(m.votes, key)
		}
	}
	return nil
}

func (m *memStore) AdjustPostVotes(_ context.Context, id string, up, down int) (store.Post, error) {
	return m.updatePost(id, func(post *store.Post) {
		post.UpvoteCount += up
		if post.UpvoteCount < 0 {
			post.UpvoteCount = 0
		}
		post.DownvoteCount += down
		if post.DownvoteCount < 0 {
			post.DownvoteCount = 0
		}
	})
}

func (m *memStore) BumpPostReplyCount(_ context.Context, id string, delta int, touch bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	post, ok := m.posts[id]
	if !ok {
		return sql.ErrNoRows
	}
	post.ReplyCount += delta
	if post.ReplyCount < 0 {
		post.ReplyCount = 0
	}
	if touch {
		now := m.now()
		post.LastReplyAt = &now
	}
	m.posts[id] = post
	return nil
}

func (m *memStore) InsertReply(_ context.Context, reply store.Reply) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	reply.CreatedAt = now
	reply.UpdatedAt = now
	m.replies[reply.ID] = reply
	return nil
}

func (m *memStore) GetReply(_ context.Context, id string) (store.Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reply, ok := m.replies[id]
	if !ok {
		return store.Reply{}, sql.ErrNoRows
	}
	return reply, nil
}

func (m *memStore) ListRepliesByPost(_ context.Context, postID string) ([]store.Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	replies := make([]store.Reply, 0)
	for _, reply := range m.replies {
		if reply.PostID == postID {
			replies = append(replies, reply)
		}
	}
	sort.Slice(replies, func(i, j int) bool {
		if !replies[i].CreatedAt.Equal(replies[j].CreatedAt) {
			return replies[i].CreatedAt.Before(replies[j].CreatedAt)
		}
		return replies[i].ID < replies[j].ID
	})
	return replies, nil
}

func (m *memStore) UpdateReplyBody(_ context.Context, id, body string) (store.Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reply, ok := m.replies[id]
	if !ok {
		return store.Reply{}, sql.ErrNoRows
	}
	reply.Body = body
	reply.UpdatedAt = m.now()
	m.replies[id] = reply
	return reply, nil
}

func (m *memStore) SetReplyHelpful(_ context.Context, id string, helpful bool) (store.Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reply, ok := m.replies[id]
	if !ok {
		return store.Reply{}, sql.ErrNoRows
	}
	reply.IsHelpful = helpful
	reply.UpdatedAt = m.now()
	m.replies[id] = reply
	return reply, nil
}

func (m *memStore) DeleteReplyTree(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.replies[id]; !ok {
		return 0, nil
	}
	doomed := map[string]bool{id: true}
	for changed := true; changed; {
		changed = false
		for replyID, reply := range m.replies {
			if doomed[replyID] || reply.ParentID == nil {
				continue
			}
			if doomed[*reply.ParentID] {
				doomed[replyID] = true
				changed = true
			}
		}
	}
	for replyID := range doomed {
		delete(m.replies, replyID)
		for key, vote := range m.votes {
			if vote.TargetKind == store.VoteTargetReply && vote.TargetID == replyID {
				delete(m.votes, key)
			}
		}
	}
	return len(doomed), nil
}

func (m *memStore) AdjustReplyUpvotes(_ context.Context, id string, delta int) (store.Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reply, ok := m.replies[id]
	if !ok {
		return store.Reply{}, sql.ErrNoRows
	}
	reply.UpvoteCount += delta
	if reply.UpvoteCount < 0 {
		reply.UpvoteCount = 0
	}
	m.replies[id] = reply
	return reply, nil
}

func (m *memStore) InsertVote(_ context.Context, vote store.Vote) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := voteKey(vote.VoterID, vote.TargetKind, vote.TargetID)
	if _, ok := m.votes[key]; ok {
		return false, nil
	}
	vote.CreatedAt = m.now()
	m.votes[key] = vote
	return true, nil
}

func (m *memStore) GetVote(_ context.Context, voterID, kind, targetID string) (store.Vote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vote, ok := m.votes[voteKey(voterID, kind, targetID)]
	if !ok {
		return store.Vote{}, sql.ErrNoRows
	}
	return vote, nil
}

func (m *memStore) DeleteVote(_ context.Context, voterID, kind, targetID string) (store.Vote, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := voteKey(voterID, kind, targetID)
	vote, ok := m.votes[key]
	if !ok {
		return store.Vote{}, false, nil
	}
	delete(m.votes, key)
	return vote, true, nil
}

func (m *memStore) ListVotesByVoter(_ context.Context, voterID, kind string, targetIDs []string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := make(map[string]int)
	for _, targetID := range targetIDs {
		if vote, ok := m.votes[voteKey(voterID, kind, targetID)]; ok {
			found[targetID] = vote.Value
		}
	}
	return found, nil
}
