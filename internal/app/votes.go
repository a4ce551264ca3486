package app

import (
	"context"
	"net/http"
	"strings"

	"sproutly/api/internal/store"
	"sproutly/api/internal/util"
)

var allowedVoteDirections = map[string]int{
	"up":   1,
	"down": -1,
}

func voteDirection(value int) string {
	if value < 0 {
		return "down"
	}
	return "up"
}

// CastVote records one (voter, target) fact and settles the target's counter.
// Uniqueness is enforced by the storage constraint, not by a check-then-insert
// sequence: concurrent duplicates lose the insert and surface ALREADY_VOTED.
func (s *Service) CastVote(ctx context.Context, actor Session, targetKind, targetID string, input VoteInput) (map[string]any, error) {
	value, ok := allowedVoteDirections[strings.ToLower(strings.TrimSpace(input.Direction))]
	if !ok {
		return nil, domainError(http.StatusUnprocessableEntity, codeValidation, "direction must be 'up' or 'down'", nil)
	}
	if targetKind == store.VoteTargetReply && value < 0 {
		return nil, domainError(http.StatusUnprocessableEntity, codeValidation, "replies accept upvotes only", nil)
	}

	// Target existence first, so a vote on a deleted post is a clean 404.
	switch targetKind {
	case store.VoteTargetPost:
		if _, err := s.store.GetPost(ctx, targetID); err != nil {
			return nil, err
		}
	case store.VoteTargetReply:
		if _, err := s.store.GetReply(ctx, targetID); err != nil {
			return nil, err
		}
	default:
		return nil, domainError(http.StatusUnprocessableEntity, codeValidation, "unknown vote target kind", nil)
	}

	voteID := util.NewID("vot")
	claimedKey, replayID := s.claimKey(ctx, input.IdempotencyKey, voteID)
	if replayID != "" {
		// A retry of a vote that already landed: report the current state
		// instead of ALREADY_VOTED.
		return s.voteStatePayload(ctx, actor.UserID, targetKind, targetID)
	}

	inserted, err := s.store.InsertVote(ctx, store.Vote{
		ID:         voteID,
		VoterID:    actor.UserID,
		TargetKind: targetKind,
		TargetID:   targetID,
		Value:      value,
	})
	if err != nil {
		s.releaseKey(ctx, claimedKey)
		return nil, err
	}
	if !inserted {
		s.releaseKey(ctx, claimedKey)
		return nil, domainError(http.StatusConflict, codeAlreadyVoted, "already voted on this target", nil)
	}

	return s.applyVoteToCounter(ctx, targetKind, targetID, value, 1)
}

// RetractVote removes the voter's vote and settles the counter it had moved.
func (s *Service) RetractVote(ctx context.Context, actor Session, targetKind, targetID string) (map[string]any, error) {
	vote, removed, err := s.store.DeleteVote(ctx, actor.UserID, targetKind, targetID)
	if err != nil {
		return nil, err
	}
	if !removed {
		return nil, domainError(http.StatusNotFound, codeNotFound, "no vote to retract", nil)
	}

	return s.applyVoteToCounter(ctx, targetKind, targetID, vote.Value, -1)
}

func (s *Service) HasVoted(ctx context.Context, voterID, targetKind, targetID string) (bool, error) {
	votes, err := s.store.ListVotesByVoter(ctx, voterID, targetKind, []string{targetID})
	if err != nil {
		return false, err
	}
	_, ok := votes[targetID]
	return ok, nil
}

// applyVoteToCounter moves the denormalized counter by sign (cast: +1,
// retract: -1) using the store's atomic adjustment.
func (s *Service) applyVoteToCounter(ctx context.Context, targetKind, targetID string, value, sign int) (map[string]any, error) {
	switch targetKind {
	case store.VoteTargetPost:
		up, down := 0, 0
		if value > 0 {
			up = sign
		} else {
			down = sign
		}
		post, err := s.store.AdjustPostVotes(ctx, targetID, up, down)
		if err != nil {
			return nil, err
		}
		return map[string]any{"voted": sign > 0, "direction": voteDirection(value), "post": postMap(post)}, nil
	case store.VoteTargetReply:
		reply, err := s.store.AdjustReplyUpvotes(ctx, targetID, sign)
		if err != nil {
			return nil, err
		}
		return map[string]any{"voted": sign > 0, "direction": voteDirection(value), "reply": replyMap(reply)}, nil
	}
	return nil, domainError(http.StatusUnprocessableEntity, codeValidation, "unknown vote target kind", nil)
}

// voteStatePayload reports the target as it stands, for idempotent replays.
func (s *Service) voteStatePayload(ctx context.Context, voterID, targetKind, targetID string) (map[string]any, error) {
	direction := "up"
	vote, err := s.store.GetVote(ctx, voterID, targetKind, targetID)
	if err == nil {
		direction = voteDirection(vote.Value)
	}

	switch targetKind {
	case store.VoteTargetPost:
		post, err := s.store.GetPost(ctx, targetID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"voted": true, "direction": direction, "post": postMap(post)}, nil
	case store.VoteTargetReply:
		reply, err := s.store.GetReply(ctx, targetID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"voted": true, "direction": direction, "reply": replyMap(reply)}, nil
	}
	return nil, domainError(http.StatusUnprocessableEntity, codeValidation, "unknown vote target kind", nil)
}
