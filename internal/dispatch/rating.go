package dispatch

import (
	"context"
	"strings"

	"github.com/example/service-dispatch/internal/activity"
	"github.com/example/service-dispatch/internal/apperrors"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/observability"
	"github.com/example/service-dispatch/internal/storage"
)

const (
	MinScore = 1
	MaxScore = 5

	maxCommentLen = 1000
)

// RateProvider lets the customer score the provider of a finished request.
// Rating again replaces the earlier score.
func (e *Engine) RateProvider(ctx context.Context, id, raterPhone string, score int, comment string) (*models.ServiceRequest, error) {
	return e.rate(ctx, id, raterPhone, score, comment, true)
}

// RateCustomer is the provider-side counterpart of RateProvider.
func (e *Engine) RateCustomer(ctx context.Context, id, raterPhone string, score int, comment string) (*models.ServiceRequest, error) {
	return e.rate(ctx, id, raterPhone, score, comment, false)
}

func (e *Engine) rate(ctx context.Context, id, raterPhone string, score int, comment string, ofProvider bool) (*models.ServiceRequest, error) {
	phone, err := requirePhone(raterPhone, "phone")
	if err != nil {
		return nil, err
	}
	if score < MinScore || score > MaxScore {
		return nil, apperrors.New(apperrors.ErrValidation, "score must be an integer between 1 and 5")
	}
	comment = strings.TrimSpace(comment)
	if len(comment) > maxCommentLen {
		return nil, apperrors.New(apperrors.ErrValidation, "comment is too long")
	}

	cur, err := e.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	counterpart := cur.CustomerPhone
	if !ofProvider {
		counterpart = cur.AcceptedByPhone
	}
	if counterpart == nil || *counterpart != phone {
		return nil, apperrors.New(apperrors.ErrForbidden, "only the other party of this request can rate it")
	}
	if cur.Status != models.StatusDone {
		return nil, apperrors.New(apperrors.ErrInvalidState, "only completed requests can be rated")
	}

	rating := &models.Rating{Score: score, Comment: comment, RatedAt: e.now()}
	cond := storage.Condition{Statuses: []models.Status{models.StatusDone}}
	var m storage.Mutation
	side, action := "provider", activity.ActionRateProvider
	if ofProvider {
		cond.CustomerPhone = &phone
		m.ProviderRating = rating
	} else {
		cond.AcceptedByPhone = &phone
		m.CustomerRating = rating
		side, action = "customer", activity.ActionRateCustomer
	}
	out, err := e.Store.Transition(ctx, id, cond, m)
	if err != nil {
		return nil, err
	}

	observability.RatingsTotal.WithLabelValues(side).Inc()
	e.invalidate(deref(out.AcceptedByPhone))
	e.record(ctx, action, phone, id, map[string]any{"score": score})
	return out, nil
}
