package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"sproutly/api/internal/util"
)

// PostgresStore is the persistence client. Every call runs under a bounded
// timeout so a hung query surfaces as a deadline error instead of stalling a
// tree reconstruction.
type PostgresStore struct {
	db           *sql.DB
	queryTimeout time.Duration
}

func NewPostgresStore(db *sql.DB, queryTimeout time.Duration) *PostgresStore {
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	return &PostgresStore{db: db, queryTimeout: queryTimeout}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

// === Users ===

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	const findUser = `SELECT id, display_name, avatar_url, role, created_at FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.AvatarURL, &user.Role, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	const insertUser = `
		INSERT INTO users (id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (display_name) DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id, display_name, avatar_url, role, created_at
	`
	err = s.db.QueryRowContext(ctx, insertUser, util.NewID("usr"), name).Scan(&user.ID, &user.DisplayName, &user.AvatarURL, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, avatar_url, role, created_at FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.AvatarURL, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// GetUsersByIDs is the batched lookup behind author resolution: one query for
// the whole distinct author set of a reply tree. Missing users are simply
// absent from the result.
func (s *PostgresStore) GetUsersByIDs(ctx context.Context, ids []string) (map[string]User, error) {
	result := make(map[string]User, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := `SELECT id, display_name, avatar_url, role, created_at FROM users WHERE id IN (` + strings.Join(placeholders, ",") + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.DisplayName, &user.AvatarURL, &user.Role, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		result[user.ID] = user
	}
	return result, rows.Err()
}

// === Forums ===

func (s *PostgresStore) ListForums(ctx context.Context) ([]Forum, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, slug, name, description, icon, color, active, post_count, created_at
		FROM forums
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query forums: %w", err)
	}
	defer rows.Close()

	var forums []Forum
	for rows.Next() {
		var forum Forum
		if err := rows.Scan(&forum.ID, &forum.Slug, &forum.Name, &forum.Description, &forum.Icon, &forum.Color, &forum.Active, &forum.PostCount, &forum.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan forum: %w", err)
		}
		forums = append(forums, forum)
	}
	return forums, rows.Err()
}

func (s *PostgresStore) GetForumBySlug(ctx context.Context, slug string) (Forum, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var forum Forum
	err := s.db.QueryRowContext(ctx, `
		SELECT id, slug, name, description, icon, color, active, post_count, created_at
		FROM forums WHERE slug=$1
	`, slug).Scan(&forum.ID, &forum.Slug, &forum.Name, &forum.Description, &forum.Icon, &forum.Color, &forum.Active, &forum.PostCount, &forum.CreatedAt)
	if err != nil {
		return Forum{}, err
	}
	return forum, nil
}

func (s *PostgresStore) InsertForum(ctx context.Context, forum Forum) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO forums (id, slug, name, description, icon, color, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (slug) DO NOTHING
	`, forum.ID, forum.Slug, forum.Name, forum.Description, forum.Icon, forum.Color, forum.Active)
	if err != nil {
		return fmt.Errorf("insert forum: %w", err)
	}
	return nil
}

func (s *PostgresStore) AdjustForumPostCount(ctx context.Context, forumID string, delta int) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE forums SET post_count = GREATEST(0, post_count + $2) WHERE id=$1
	`, forumID, delta)
	if err != nil {
		return fmt.Errorf("adjust forum post count: %w", err)
	}
	return nil
}

// === Posts ===

const postColumns = `id, forum_id, author_id, title, body, pinned, solved, closed,
	view_count, upvote_count, downvote_count, reply_count, created_at, updated_at, last_reply_at`

func scanPost(row interface{ Scan(...any) error }) (Post, error) {
	var post Post
	err := row.Scan(&post.ID, &post.ForumID, &post.AuthorID, &post.Title, &post.Body,
		&post.Pinned, &post.Solved, &post.Closed,
		&post.ViewCount, &post.UpvoteCount, &post.DownvoteCount, &post.ReplyCount,
		&post.CreatedAt, &post.UpdatedAt, &post.LastReplyAt)
	return post, err
}

func (s *PostgresStore) InsertPost(ctx context.Context, post Post) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO posts (id, forum_id, author_id, title, body)
		VALUES ($1, $2, $3, $4, $5)
	`, post.ID, post.ForumID, post.AuthorID, post.Title, post.Body)
	if err != nil {
		return fmt.Errorf("insert post: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPost(ctx context.Context, postID string) (Post, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	return scanPost(s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id=$1`, postID))
}

func (s *PostgresStore) ListPostsByForum(ctx context.Context, forumID string, limit, offset int) ([]Post, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+postColumns+`
		FROM posts
		WHERE forum_id=$1
		ORDER BY pinned DESC, COALESCE(last_reply_at, created_at) DESC
		LIMIT $2 OFFSET $3
	`, forumID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer rows.Close()

	var posts []Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

// IncrementPostViews is a single-statement increment: concurrent viewers
// never lose updates.
func (s *PostgresStore) IncrementPostViews(ctx context.Context, postID string) (Post, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	return scanPost(s.db.QueryRowContext(ctx, `
		UPDATE posts SET view_count = view_count + 1 WHERE id=$1
		RETURNING `+postColumns, postID))
}

func (s *PostgresStore) SetPostPinned(ctx context.Context, postID string, pinned bool) (Post, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	return scanPost(s.db.QueryRowContext(ctx, `
		UPDATE posts SET pinned=$2, updated_at=NOW() WHERE id=$1
		RETURNING `+postColumns, postID, pinned))
}

func (s *PostgresStore) SetPostSolved(ctx context.Context, postID string, solved bool) (Post, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	return scanPost(s.db.QueryRowContext(ctx, `
		UPDATE posts SET solved=$2, updated_at=NOW() WHERE id=$1
		RETURNING `+postColumns, postID, solved))
}

// SetPostClosed flips the closed flag and reports whether anything changed.
// changed=false with a nil error means the post was already in that state.
func (s *PostgresStore) SetPostClosed(ctx context.Context, postID string, closed bool) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		UPDATE posts SET closed=$2, updated_at=NOW() WHERE id=$1 AND closed <> $2
	`, postID, closed)
	if err != nil {
		return false, fmt.Errorf("set post closed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set post closed affected: %w", err)
	}
	return affected > 0, nil
}

// deletePostReplyVotesQuery purges the vote rows of every reply under the
// post before the reply rows themselves cascade away with it.
const deletePostReplyVotesQuery = `
	DELETE FROM votes WHERE target_kind='reply'
		AND target_id IN (SELECT id FROM replies WHERE post_id=$1)`

func (s *PostgresStore) DeletePost(ctx context.Context, postID string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, deletePostReplyVotesQuery, postID); err != nil {
		return fmt.Errorf("delete post reply votes: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM votes WHERE target_kind='post' AND target_id=$1`, postID); err != nil {
		return fmt.Errorf("delete post votes: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE id=$1`, postID); err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	return nil
}

func (s *PostgresStore) AdjustPostVotes(ctx context.Context, postID string, up, down int) (Post, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	return scanPost(s.db.QueryRowContext(ctx, `
		UPDATE posts SET
			upvote_count = GREATEST(0, upvote_count + $2),
			downvote_count = GREATEST(0, downvote_count + $3)
		WHERE id=$1
		RETURNING `+postColumns, postID, up, down))
}

// BumpPostReplyCount maintains the denormalized reply counter atomically.
// touchLastReply stamps last_reply_at for reply creation; deletions leave it.
func (s *PostgresStore) BumpPostReplyCount(ctx context.Context, postID string, delta int, touchLastReply bool) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var err error
	if touchLastReply {
		_, err = s.db.ExecContext(ctx, `
			UPDATE posts SET reply_count = GREATEST(0, reply_count + $2), last_reply_at = NOW() WHERE id=$1
		`, postID, delta)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE posts SET reply_count = GREATEST(0, reply_count + $2) WHERE id=$1
		`, postID, delta)
	}
	if err != nil {
		return fmt.Errorf("bump reply count: %w", err)
	}
	return nil
}

// === Replies ===

const replyColumns = `id, post_id, author_id, parent_id, body, is_helpful, upvote_count, created_at, updated_at`

func scanReply(row interface{ Scan(...any) error }) (Reply, error) {
	var reply Reply
	err := row.Scan(&reply.ID, &reply.PostID, &reply.AuthorID, &reply.ParentID, &reply.Body,
		&reply.IsHelpful, &reply.UpvoteCount, &reply.CreatedAt, &reply.UpdatedAt)
	return reply, err
}

func (s *PostgresStore) InsertReply(ctx context.Context, reply Reply) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO replies (id, post_id, author_id, parent_id, body)
		VALUES ($1, $2, $3, $4, $5)
	`, reply.ID, reply.PostID, reply.AuthorID, reply.ParentID, reply.Body)
	if err != nil {
		return fmt.Errorf("insert reply: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetReply(ctx context.Context, replyID string) (Reply, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	return scanReply(s.db.QueryRowContext(ctx, `SELECT `+replyColumns+` FROM replies WHERE id=$1`, replyID))
}

// ListRepliesByPost returns the flat reply list in arrival order; the tree
// builder derives sibling order from it without re-sorting.
func (s *PostgresStore) ListRepliesByPost(ctx context.Context, postID string) ([]Reply, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+replyColumns+`
		FROM replies
		WHERE post_id=$1
		ORDER BY created_at ASC, id ASC
	`, postID)
	if err != nil {
		return nil, fmt.Errorf("query replies: %w", err)
	}
	defer rows.Close()

	var replies []Reply
	for rows.Next() {
		reply, err := scanReply(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		replies = append(replies, reply)
	}
	return replies, rows.Err()
}

func (s *PostgresStore) UpdateReplyBody(ctx context.Context, replyID, body string) (Reply, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	return scanReply(s.db.QueryRowContext(ctx, `
		UPDATE replies SET body=$2, updated_at=NOW() WHERE id=$1
		RETURNING `+replyColumns, replyID, body))
}

func (s *PostgresStore) SetReplyHelpful(ctx context.Context, replyID string, helpful bool) (Reply, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	return scanReply(s.db.QueryRowContext(ctx, `
		UPDATE replies SET is_helpful=$2, updated_at=NOW() WHERE id=$1
		RETURNING `+replyColumns, replyID, helpful))
}

// deleteReplyTreeQuery removes the subtree and the vote rows of every reply
// it removes in one statement, reporting how many replies went away.
const deleteReplyTreeQuery = `
	WITH RECURSIVE subtree AS (
		SELECT id FROM replies WHERE id=$1
		UNION ALL
		SELECT r.id FROM replies r JOIN subtree s ON r.parent_id = s.id
	), gone AS (
		DELETE FROM replies WHERE id IN (SELECT id FROM subtree) RETURNING id
	), purged AS (
		DELETE FROM votes WHERE target_kind='reply' AND target_id IN (SELECT id FROM gone)
	)
	SELECT count(*) FROM gone`

// DeleteReplyTree removes a reply together with every descendant and returns
// how many rows went away, so the caller can settle the post's reply counter.
func (s *PostgresStore) DeleteReplyTree(ctx context.Context, replyID string) (int, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var removed int
	if err := s.db.QueryRowContext(ctx, deleteReplyTreeQuery, replyID).Scan(&removed); err != nil {
		return 0, fmt.Errorf("delete reply tree: %w", err)
	}
	return removed, nil
}

func (s *PostgresStore) AdjustReplyUpvotes(ctx context.Context, replyID string, delta int) (Reply, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	return scanReply(s.db.QueryRowContext(ctx, `
		UPDATE replies SET upvote_count = GREATEST(0, upvote_count + $2) WHERE id=$1
		RETURNING `+replyColumns, replyID, delta))
}

// === Votes ===

// InsertVote relies on the uniqueness constraint instead of check-then-insert:
// two racing votes from the same user resolve to exactly one row, and the
// loser sees inserted=false.
func (s *PostgresStore) InsertVote(ctx context.Context, vote Vote) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO votes (id, voter_id, target_kind, target_id, value)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT ON CONSTRAINT uq_votes_voter_target DO NOTHING
	`, vote.ID, vote.VoterID, vote.TargetKind, vote.TargetID, vote.Value)
	if err != nil {
		return false, fmt.Errorf("insert vote: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert vote affected: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) GetVote(ctx context.Context, voterID, targetKind, targetID string) (Vote, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var vote Vote
	err := s.db.QueryRowContext(ctx, `
		SELECT id, voter_id, target_kind, target_id, value, created_at
		FROM votes WHERE voter_id=$1 AND target_kind=$2 AND target_id=$3
	`, voterID, targetKind, targetID).Scan(&vote.ID, &vote.VoterID, &vote.TargetKind, &vote.TargetID, &vote.Value, &vote.CreatedAt)
	if err != nil {
		return Vote{}, err
	}
	return vote, nil
}

// DeleteVote removes the (voter, target) fact and returns the removed record
// so the caller knows which counter to settle. removed=false means there was
// nothing to retract.
func (s *PostgresStore) DeleteVote(ctx context.Context, voterID, targetKind, targetID string) (Vote, bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var vote Vote
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM votes WHERE voter_id=$1 AND target_kind=$2 AND target_id=$3
		RETURNING id, voter_id, target_kind, target_id, value, created_at
	`, voterID, targetKind, targetID).Scan(&vote.ID, &vote.VoterID, &vote.TargetKind, &vote.TargetID, &vote.Value, &vote.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Vote{}, false, nil
	}
	if err != nil {
		return Vote{}, false, fmt.Errorf("delete vote: %w", err)
	}
	return vote, true, nil
}

// ListVotesByVoter returns the voter's vote values keyed by target id, for
// annotating post and tree payloads in one query.
func (s *PostgresStore) ListVotesByVoter(ctx context.Context, voterID, targetKind string, targetIDs []string) (map[string]int, error) {
	result := make(map[string]int, len(targetIDs))
	if len(targetIDs) == 0 {
		return result, nil
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	placeholders := make([]string, len(targetIDs))
	args := make([]any, 0, len(targetIDs)+2)
	args = append(args, voterID, targetKind)
	for i, id := range targetIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+3)
		args = append(args, id)
	}
	query := `SELECT target_id, value FROM votes WHERE voter_id=$1 AND target_kind=$2 AND target_id IN (` + strings.Join(placeholders, ",") + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query votes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var targetID string
		var value int
		if err := rows.Scan(&targetID, &value); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		result[targetID] = value
	}
	return result, rows.Err()
}
