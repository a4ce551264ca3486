package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"sproutly/api/internal/profile"
	"sproutly/api/internal/rbac"
	"sproutly/api/internal/store"
	"sproutly/api/internal/util"
)

// maxReplyDepth bounds nesting at three levels below the post. The bound is
// an affordance, not a write-time constraint: deeper rows coming in through
// older data still render, they just stop offering "reply to this".
const maxReplyDepth = 3

// ReplyNode is one node of the rendered reply forest.
type ReplyNode struct {
	ID            string           `json:"id"`
	PostID        string           `json:"postId"`
	ParentID      *string          `json:"parentId,omitempty"`
	Body          string           `json:"body"`
	IsHelpful     bool             `json:"isHelpful"`
	UpvoteCount   int              `json:"upvoteCount"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	Author        *profile.Summary `json:"author"`
	Depth         int              `json:"depth"`
	CanReply      bool             `json:"canReply"`
	ViewerUpvoted bool             `json:"viewerUpvoted,omitempty"`
	Children      []*ReplyNode     `json:"children"`
}

func (s *Service) CreateReply(ctx context.Context, postID string, actor Session, input CreateReplyInput) (map[string]any, error) {
	body := strings.TrimSpace(input.Body)
	if body == "" {
		return nil, domainError(http.StatusUnprocessableEntity, codeValidation, "body is required", nil)
	}

	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post.Closed {
		return nil, domainError(http.StatusConflict, codePostClosed, "discussion is closed", nil)
	}

	var parentID *string
	if input.ParentID != nil && strings.TrimSpace(*input.ParentID) != "" {
		parent, err := s.store.GetReply(ctx, *input.ParentID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, codeNotFound, "parent reply not found", nil)
		}
		if err != nil {
			return nil, err
		}
		if parent.PostID != postID {
			return nil, domainError(http.StatusUnprocessableEntity, codeValidation, "parent reply belongs to a different post", nil)
		}
		parentID = &parent.ID
	}

	replyID := util.NewID("rpl")
	claimedKey, replayID := s.claimKey(ctx, input.IdempotencyKey, replyID)
	if replayID != "" {
		return s.replyPayload(ctx, replayID)
	}

	if err := s.store.InsertReply(ctx, store.Reply{
		ID:       replyID,
		PostID:   postID,
		AuthorID: actor.UserID,
		ParentID: parentID,
		Body:     body,
	}); err != nil {
		s.releaseKey(ctx, claimedKey)
		return nil, err
	}

	if err := s.store.BumpPostReplyCount(ctx, postID, 1, true); err != nil {
		return nil, err
	}

	return s.replyPayload(ctx, replyID)
}

func (s *Service) UpdateReply(ctx context.Context, replyID string, actor Session, newBody string) (map[string]any, error) {
	newBody = strings.TrimSpace(newBody)
	if newBody == "" {
		return nil, domainError(http.StatusUnprocessableEntity, codeValidation, "body is required", nil)
	}

	reply, err := s.store.GetReply(ctx, replyID)
	if err != nil {
		return nil, err
	}
	if !rbac.CanEditOrDelete(reply.AuthorID, actor.UserID, actor.Role) {
		return nil, domainError(http.StatusForbidden, codeForbidden, "not allowed to edit this reply", nil)
	}

	if _, err := s.store.UpdateReplyBody(ctx, replyID, newBody); err != nil {
		return nil, err
	}
	return s.replyPayload(ctx, replyID)
}

// DeleteReply removes the reply and its whole subtree, then settles the
// post's reply counter by the number of rows removed.
func (s *Service) DeleteReply(ctx context.Context, replyID string, actor Session) error {
	reply, err := s.store.GetReply(ctx, replyID)
	if err != nil {
		return err
	}
	if !rbac.CanEditOrDelete(reply.AuthorID, actor.UserID, actor.Role) {
		return domainError(http.StatusForbidden, codeForbidden, "not allowed to delete this reply", nil)
	}

	removed, err := s.store.DeleteReplyTree(ctx, replyID)
	if err != nil {
		return err
	}
	if removed > 0 {
		if err := s.store.BumpPostReplyCount(ctx, reply.PostID, -removed, false); err != nil {
			return err
		}
	}
	return nil
}

// MarkReplyHelpful lets the post owner (or a moderator) flag a reply as the
// helpful one.
func (s *Service) MarkReplyHelpful(ctx context.Context, replyID string, actor Session, helpful bool) (map[string]any, error) {
	reply, err := s.store.GetReply(ctx, replyID)
	if err != nil {
		return nil, err
	}
	post, err := s.store.GetPost(ctx, reply.PostID)
	if err != nil {
		return nil, err
	}
	if !rbac.CanEditOrDelete(post.AuthorID, actor.UserID, actor.Role) {
		return nil, domainError(http.StatusForbidden, codeForbidden, "only the post owner can mark replies helpful", nil)
	}

	if _, err := s.store.SetReplyHelpful(ctx, replyID, helpful); err != nil {
		return nil, err
	}
	return s.replyPayload(ctx, replyID)
}

// ReplyTree reconstructs the reply forest for a post: one flat fetch, one
// batched author resolution, then assembly. Recomputed from scratch on every
// call; no incremental state is kept.
func (s *Service) ReplyTree(ctx context.Context, postID string) ([]*ReplyNode, error) {
	var replies []store.Reply
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var listErr error
		replies, listErr = s.store.ListRepliesByPost(ctx, postID)
		return listErr
	})
	if err != nil {
		return nil, err
	}

	authorIDs := make([]string, 0, len(replies))
	for _, reply := range replies {
		authorIDs = append(authorIDs, reply.AuthorID)
	}
	authors, err := s.profiles.ResolveSet(ctx, authorIDs)
	if err != nil {
		return nil, err
	}

	return buildForest(replies, authors), nil
}

// buildForest turns the flat arrival-ordered reply list into a forest.
// The arena (nodes by id) and children index are built in one pass; the
// forest is then produced by traversal from the roots with a visited-set
// guard, so a malformed parent pointer can never loop the build.
func buildForest(replies []store.Reply, authors map[string]profile.Summary) []*ReplyNode {
	nodes := make(map[string]*ReplyNode, len(replies))
	order := make([]string, 0, len(replies))
	for _, reply := range replies {
		node := &ReplyNode{
			ID:          reply.ID,
			PostID:      reply.PostID,
			ParentID:    reply.ParentID,
			Body:        reply.Body,
			IsHelpful:   reply.IsHelpful,
			UpvoteCount: reply.UpvoteCount,
			CreatedAt:   reply.CreatedAt,
			UpdatedAt:   reply.UpdatedAt,
			Children:    []*ReplyNode{},
		}
		if summary, ok := authors[reply.AuthorID]; ok {
			copied := summary
			node.Author = &copied
		}
		nodes[reply.ID] = node
		order = append(order, reply.ID)
	}

	// Children index keyed by parent id, in arrival order. Replies whose
	// parent is missing from the arena are promoted to top level rather
	// than silently dropped.
	children := make(map[string][]string)
	roots := make([]string, 0, len(order))
	for _, id := range order {
		node := nodes[id]
		if node.ParentID == nil {
			roots = append(roots, id)
			continue
		}
		if _, ok := nodes[*node.ParentID]; !ok {
			roots = append(roots, id)
			continue
		}
		children[*node.ParentID] = append(children[*node.ParentID], id)
	}

	visited := make(map[string]bool, len(order))
	var attach func(node *ReplyNode)
	attach = func(node *ReplyNode) {
		visited[node.ID] = true
		node.CanReply = node.Depth < maxReplyDepth
		for _, childID := range children[node.ID] {
			if visited[childID] {
				continue
			}
			child := nodes[childID]
			child.Depth = node.Depth + 1
			node.Children = append(node.Children, child)
			attach(child)
		}
	}

	forest := make([]*ReplyNode, 0, len(roots))
	for _, id := range roots {
		if visited[id] {
			continue
		}
		root := nodes[id]
		root.Depth = 1
		forest = append(forest, root)
		attach(root)
	}

	// A parent-pointer cycle leaves every member with a live parent, so none
	// of them entered roots. Break each cycle at its earliest-arriving node
	// by promoting it; the rest attach underneath through the children index.
	for _, id := range order {
		if visited[id] {
			continue
		}
		node := nodes[id]
		node.Depth = 1
		forest = append(forest, node)
		attach(node)
	}
	return forest
}

func (s *Service) replyPayload(ctx context.Context, replyID string) (map[string]any, error) {
	reply, err := s.store.GetReply(ctx, replyID)
	if err != nil {
		return nil, err
	}
	author, err := s.profiles.Resolve(ctx, reply.AuthorID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"reply": replyMap(reply), "author": author}, nil
}

// annotateViewerVotes marks the viewer's upvoted replies across the forest
// with a single vote-ledger query.
func (s *Service) annotateViewerVotes(ctx context.Context, viewerID string, forest []*ReplyNode) error {
	ids := make([]string, 0, len(forest))
	var collect func(nodes []*ReplyNode)
	collect = func(nodes []*ReplyNode) {
		for _, node := range nodes {
			ids = append(ids, node.ID)
			collect(node.Children)
		}
	}
	collect(forest)
	if len(ids) == 0 {
		return nil
	}

	votes, err := s.store.ListVotesByVoter(ctx, viewerID, store.VoteTargetReply, ids)
	if err != nil {
		return err
	}

	var mark func(nodes []*ReplyNode)
	mark = func(nodes []*ReplyNode) {
		for _, node := range nodes {
			if _, ok := votes[node.ID]; ok {
				node.ViewerUpvoted = true
			}
			mark(node.Children)
		}
	}
	mark(forest)
	return nil
}

func replyMap(reply store.Reply) map[string]any {
	return map[string]any{
		"id":          reply.ID,
		"postId":      reply.PostID,
		"parentId":    reply.ParentID,
		"authorId":    reply.AuthorID,
		"body":        reply.Body,
		"isHelpful":   reply.IsHelpful,
		"upvoteCount": reply.UpvoteCount,
		"createdAt":   reply.CreatedAt,
		"updatedAt":   reply.UpdatedAt,
	}
}
