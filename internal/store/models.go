package store

import "time"

type User struct {
	ID          string
	DisplayName string
	AvatarURL   string
	Role        string
	CreatedAt   time.Time
}

// Forum is a named discussion category. Created and mutated by admin tooling;
// the forum service only reads it to validate post targets.
type Forum struct {
	ID          string
	Slug        string
	Name        string
	Description string
	Icon        string
	Color       string
	Active      bool
	PostCount   int
	CreatedAt   time.Time
}

type Post struct {
	ID            string
	ForumID       string
	AuthorID      string
	Title         string
	Body          string
	Pinned        bool
	Solved        bool
	Closed        bool
	ViewCount     int
	UpvoteCount   int
	DownvoteCount int
	ReplyCount    int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastReplyAt   *time.Time
}

// Reply is a node in a post's reply forest. ParentID nil means top-level.
type Reply struct {
	ID          string
	PostID      string
	AuthorID    string
	ParentID    *string
	Body        string
	IsHelpful   bool
	UpvoteCount int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const (
	VoteTargetPost  = "post"
	VoteTargetReply = "reply"
)

// Vote records one user's approval of one post or reply. The database holds a
// uniqueness constraint on (voter, target kind, target id); duplicates never
// reach the table regardless of how races resolve.
type Vote struct {
	ID         string
	VoterID    string
	TargetKind string
	TargetID   string
	Value      int
	CreatedAt  time.Time
}
