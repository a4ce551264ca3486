package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"sproutly/api/internal/auth"
	"sproutly/api/internal/config"
	"sproutly/api/internal/profile"
	"sproutly/api/internal/rbac"
	"sproutly/api/internal/retry"
	"sproutly/api/internal/store"
	"sproutly/api/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Role      rbac.Role
	ExpiresAt time.Time
}

type CreatePostInput struct {
	Title          string `json:"title"`
	Body           string `json:"body"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type CreateReplyInput struct {
	Body           string  `json:"body"`
	ParentID       *string `json:"parentId"`
	IdempotencyKey string  `json:"idempotencyKey"`
}

type VoteInput struct {
	Direction      string `json:"direction"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// dataStore is the persistence client boundary. The Postgres store implements
// it in production; tests swap in fakes.
type dataStore interface {
	Ping(context.Context) error

	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	GetUsersByIDs(context.Context, []string) (map[string]store.User, error)

	ListForums(context.Context) ([]store.Forum, error)
	GetForumBySlug(context.Context, string) (store.Forum, error)
	InsertForum(context.Context, store.Forum) error
	AdjustForumPostCount(context.Context, string, int) error

	InsertPost(context.Context, store.Post) error
	GetPost(context.Context, string) (store.Post, error)
	ListPostsByForum(context.Context, string, int, int) ([]store.Post, error)
	IncrementPostViews(context.Context, string) (store.Post, error)
	SetPostPinned(context.Context, string, bool) (store.Post, error)
	SetPostSolved(context.Context, string, bool) (store.Post, error)
	SetPostClosed(context.Context, string, bool) (bool, error)
	DeletePost(context.Context, string) error
	AdjustPostVotes(context.Context, string, int, int) (store.Post, error)
	BumpPostReplyCount(context.Context, string, int, bool) error

	InsertReply(context.Context, store.Reply) error
	GetReply(context.Context, string) (store.Reply, error)
	ListRepliesByPost(context.Context, string) ([]store.Reply, error)
	UpdateReplyBody(context.Context, string, string) (store.Reply, error)
	SetReplyHelpful(context.Context, string, bool) (store.Reply, error)
	DeleteReplyTree(context.Context, string) (int, error)
	AdjustReplyUpvotes(context.Context, string, int) (store.Reply, error)

	InsertVote(context.Context, store.Vote) (bool, error)
	GetVote(context.Context, string, string, string) (store.Vote, error)
	DeleteVote(context.Context, string, string, string) (store.Vote, bool, error)
	ListVotesByVoter(context.Context, string, string, []string) (map[string]int, error)
}

// idempotencyStore dedupes retried creates. Optional: without one, retried
// creates fall back to the at-least-once behavior of the backend.
type idempotencyStore interface {
	Claim(ctx context.Context, key, resourceID string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	profiles *profile.Resolver
	idem     idempotencyStore
	retry    retry.Policy
}

func New(cfg config.Config, dataStore dataStore, profiles *profile.Resolver) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		profiles: profiles,
		retry:    retry.Default(),
	}
}

func NewWithIdempotencyStore(cfg config.Config, dataStore dataStore, profiles *profile.Resolver, idem idempotencyStore) *Service {
	service := New(cfg, dataStore, profiles)
	service.idem = idem
	return service
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap seeds the default discussion categories on an empty catalog.
func (s *Service) Bootstrap(ctx context.Context) error {
	forums, err := s.store.ListForums(ctx)
	if err != nil {
		return err
	}
	if len(forums) > 0 {
		return nil
	}

	forumSeeds := []store.Forum{
		{Slug: "pregnancy", Name: "Pregnancy", Description: "Questions and support for expecting parents", Icon: "heart", Color: "#e8707a", Active: true},
		{Slug: "newborn-care", Name: "Newborn care", Description: "Sleep, feeding and the first months", Icon: "moon", Color: "#6d8bc9", Active: true},
		{Slug: "toddlers", Name: "Toddlers", Description: "From first steps to preschool", Icon: "sun", Color: "#e0a84b", Active: true},
		{Slug: "family-nutrition", Name: "Family nutrition", Description: "Meals, allergies and healthy habits", Icon: "leaf", Color: "#68a678", Active: true},
	}
	for _, forum := range forumSeeds {
		forum.ID = util.NewID("frm")
		if err := s.store.InsertForum(ctx, forum); err != nil {
			return err
		}
	}
	return nil
}

// === Session boundary ===

// Login ensures a user record for the given display name and issues a signed
// session token. Real credential checks live with the platform's auth
// service; this endpoint only models its output.
func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Session{}, domainError(http.StatusUnprocessableEntity, codeValidation, "name is required", nil)
	}

	user, err := s.store.EnsureUserByName(ctx, name)
	if err != nil {
		return Session{}, err
	}

	expiresAt := time.Now().Add(s.cfg.SessionTTL)
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      rbac.Normalize(user.Role),
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	session := Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Role:      rbac.Normalize(claims.Role),
		ExpiresAt: time.Unix(claims.Exp, 0),
	}
	// Role changes (a user promoted to moderator) take effect on the next
	// request, not the next login.
	if user, err := s.store.GetUserByID(ctx, claims.Sub); err == nil {
		session.UserName = user.DisplayName
		session.Role = rbac.Normalize(user.Role)
	}
	return session, nil
}

// === Forums ===

func (s *Service) ListForums(ctx context.Context) (map[string]any, error) {
	var forums []store.Forum
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var listErr error
		forums, listErr = s.store.ListForums(ctx)
		return listErr
	})
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(forums))
	for _, forum := range forums {
		items = append(items, forumMap(forum))
	}
	return map[string]any{"forums": items}, nil
}

// === Post lifecycle ===

func (s *Service) CreatePost(ctx context.Context, forumSlug string, actor Session, input CreatePostInput) (map[string]any, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, codeValidation, "title is required", nil)
	}
	body := strings.TrimSpace(input.Body)
	if body == "" {
		return nil, domainError(http.StatusUnprocessableEntity, codeValidation, "body is required", nil)
	}

	forum, err := s.store.GetForumBySlug(ctx, forumSlug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, codeForumNotFound, "forum not found", nil)
	}
	if err != nil {
		return nil, err
	}
	if !forum.Active {
		return nil, domainError(http.StatusUnprocessableEntity, codeForumInactive, "forum is not accepting new posts", nil)
	}

	postID := util.NewID("pst")
	claimedKey, replayID := s.claimKey(ctx, input.IdempotencyKey, postID)
	if replayID != "" {
		return s.GetPost(ctx, replayID, actor.UserID)
	}

	if err := s.store.InsertPost(ctx, store.Post{
		ID:       postID,
		ForumID:  forum.ID,
		AuthorID: actor.UserID,
		Title:    title,
		Body:     body,
	}); err != nil {
		s.releaseKey(ctx, claimedKey)
		return nil, err
	}

	if err := s.store.AdjustForumPostCount(ctx, forum.ID, 1); err != nil {
		log.Printf("WARNING: forum post count drift for %s: %v", forum.ID, err)
	}

	return s.GetPost(ctx, postID, actor.UserID)
}

// GetPost returns the post, its author, its reply forest and - when a viewer
// is known - the viewer's vote state.
func (s *Service) GetPost(ctx context.Context, postID, viewerID string) (map[string]any, error) {
	var post store.Post
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var getErr error
		post, getErr = s.store.GetPost(ctx, postID)
		return getErr
	})
	if err != nil {
		return nil, err
	}

	forest, err := s.ReplyTree(ctx, postID)
	if err != nil {
		return nil, err
	}

	author, err := s.profiles.Resolve(ctx, post.AuthorID)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"post":    postMap(post),
		"author":  author,
		"replies": forest,
	}

	if viewerID != "" {
		votes, err := s.store.ListVotesByVoter(ctx, viewerID, store.VoteTargetPost, []string{postID})
		if err != nil {
			return nil, err
		}
		if value, ok := votes[postID]; ok {
			payload["viewerVote"] = voteDirection(value)
		}
		if err := s.annotateViewerVotes(ctx, viewerID, forest); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

func (s *Service) ListPosts(ctx context.Context, forumSlug string, limit, offset int) (map[string]any, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	forum, err := s.store.GetForumBySlug(ctx, forumSlug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, codeForumNotFound, "forum not found", nil)
	}
	if err != nil {
		return nil, err
	}

	var posts []store.Post
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		var listErr error
		posts, listErr = s.store.ListPostsByForum(ctx, forum.ID, limit, offset)
		return listErr
	})
	if err != nil {
		return nil, err
	}

	authorIDs := make([]string, 0, len(posts))
	for _, post := range posts {
		authorIDs = append(authorIDs, post.AuthorID)
	}
	authors, err := s.profiles.ResolveSet(ctx, authorIDs)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(posts))
	for _, post := range posts {
		item := postMap(post)
		if summary, ok := authors[post.AuthorID]; ok {
			item["author"] = summary
		} else {
			item["author"] = nil
		}
		items = append(items, item)
	}
	return map[string]any{"forum": forumMap(forum), "posts": items}, nil
}

// ViewPost bumps the view counter in a single atomic statement. Never
// retried: an increment is not idempotent.
func (s *Service) ViewPost(ctx context.Context, postID string) (map[string]any, error) {
	post, err := s.store.IncrementPostViews(ctx, postID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"post": postMap(post)}, nil
}

func (s *Service) SetPinned(ctx context.Context, postID string, actor Session, pinned bool) (map[string]any, error) {
	if !rbac.CanPin(actor.Role) {
		return nil, domainError(http.StatusForbidden, codeForbidden, "only admins can pin posts", nil)
	}
	post, err := s.store.SetPostPinned(ctx, postID, pinned)
	if err != nil {
		return nil, err
	}
	return map[string]any{"post": postMap(post)}, nil
}

// MarkSolved is open to any authenticated reader of the post; ownership is
// deliberately not checked here.
func (s *Service) MarkSolved(ctx context.Context, postID string, actor Session, solved bool) (map[string]any, error) {
	post, err := s.store.SetPostSolved(ctx, postID, solved)
	if err != nil {
		return nil, err
	}
	return map[string]any{"post": postMap(post)}, nil
}

func (s *Service) ClosePost(ctx context.Context, postID string, actor Session) (map[string]any, error) {
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	if !rbac.CanClose(post.AuthorID, actor.UserID) {
		return nil, domainError(http.StatusForbidden, codeForbidden, "only the post owner can close a discussion", nil)
	}
	changed, err := s.store.SetPostClosed(ctx, postID, true)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, domainError(http.StatusConflict, codeAlreadyClosed, "discussion is already closed", nil)
	}
	post, err = s.store.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"post": postMap(post)}, nil
}

func (s *Service) ReopenPost(ctx context.Context, postID string, actor Session) (map[string]any, error) {
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	if !rbac.CanReopen(post.AuthorID, actor.UserID) {
		return nil, domainError(http.StatusForbidden, codeForbidden, "only the post owner can reopen a discussion", nil)
	}
	changed, err := s.store.SetPostClosed(ctx, postID, false)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, domainError(http.StatusConflict, codeAlreadyOpen, "discussion is already open", nil)
	}
	post, err = s.store.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"post": postMap(post)}, nil
}

func (s *Service) DeletePost(ctx context.Context, postID string, actor Session) error {
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	if !rbac.CanEditOrDelete(post.AuthorID, actor.UserID, actor.Role) {
		return domainError(http.StatusForbidden, codeForbidden, "not allowed to delete this post", nil)
	}
	if err := s.store.DeletePost(ctx, postID); err != nil {
		return err
	}
	if err := s.store.AdjustForumPostCount(ctx, post.ForumID, -1); err != nil {
		log.Printf("WARNING: forum post count drift for %s: %v", post.ForumID, err)
	}
	return nil
}

// === idempotency helpers ===

// claimKey binds the request key to resourceID. A non-empty replayID means a
// previous request with the same key already created that resource and the
// caller should return it instead of inserting again.
func (s *Service) claimKey(ctx context.Context, key, resourceID string) (claimedKey, replayID string) {
	key = strings.TrimSpace(key)
	if key == "" || s.idem == nil {
		return "", ""
	}
	boundID, fresh, err := s.idem.Claim(ctx, key, resourceID, s.cfg.IdempotencyTTL)
	if err != nil {
		// The dedup store being down must not block writes.
		log.Printf("WARNING: idempotency claim failed for %s: %v", key, err)
		return "", ""
	}
	if !fresh {
		return "", boundID
	}
	return key, ""
}

func (s *Service) releaseKey(ctx context.Context, key string) {
	if key == "" || s.idem == nil {
		return
	}
	if err := s.idem.Release(ctx, key); err != nil {
		log.Printf("WARNING: idempotency release failed for %s: %v", key, err)
	}
}

// === payload helpers ===

func forumMap(forum store.Forum) map[string]any {
	return map[string]any{
		"id":          forum.ID,
		"slug":        forum.Slug,
		"name":        forum.Name,
		"description": forum.Description,
		"icon":        forum.Icon,
		"color":       forum.Color,
		"active":      forum.Active,
		"postCount":   forum.PostCount,
		"createdAt":   forum.CreatedAt,
	}
}

func postMap(post store.Post) map[string]any {
	return map[string]any{
		"id":            post.ID,
		"forumId":       post.ForumID,
		"authorId":      post.AuthorID,
		"title":         post.Title,
		"body":          post.Body,
		"pinned":        post.Pinned,
		"solved":        post.Solved,
		"closed":        post.Closed,
		"viewCount":     post.ViewCount,
		"upvoteCount":   post.UpvoteCount,
		"downvoteCount": post.DownvoteCount,
		"replyCount":    post.ReplyCount,
		"createdAt":     post.CreatedAt,
		"updatedAt":     post.UpdatedAt,
		"lastReplyAt":   post.LastReplyAt,
	}
}
