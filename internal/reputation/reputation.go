// Package reputation summarizes a trader's history on DealPact.
//
// Reputation is derived from completed deals only:
// - Deal count, which picks the badge
// - Volume in USDC
// - Reviews left by counterparties
package reputation

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/dealpact/dealpact/internal/deals"
	"github.com/dealpact/dealpact/internal/usdc"
)

// Badge represents a reputation level
type Badge string

const (
	BadgeNew         Badge = "new"
	BadgeActive      Badge = "active"
	BadgeEstablished Badge = "established"
	BadgeProven      Badge = "proven_trader"
	BadgePro         Badge = "pro_trader"
	BadgeElite       Badge = "elite"
)

// Label is the display form shown to users.
func (b Badge) Label() string {
	switch b {
	case BadgeActive:
		return "Active"
	case BadgeEstablished:
		return "Established"
	case BadgeProven:
		return "Proven Trader"
	case BadgePro:
		return "Pro Trader"
	case BadgeElite:
		return "Elite"
	default:
		return "New"
	}
}

// BadgeFor maps a completed deal count to a badge.
func BadgeFor(completed int) Badge {
	switch {
	case completed >= 50:
		return BadgeElite
	case completed >= 25:
		return BadgePro
	case completed >= 10:
		return BadgeProven
	case completed >= 4:
		return BadgeEstablished
	case completed >= 2:
		return BadgeActive
	default:
		return BadgeNew
	}
}

// Review is a rating one counterparty left for the subject.
type Review struct {
	DealCode string    `json:"dealCode"`
	Reviewer string    `json:"reviewer"`
	Rating   int       `json:"rating"`
	Comment  string    `json:"comment,omitempty"`
	At       time.Time `json:"at"`
}

// Summary is the reputation of one handle
type Summary struct {
	Handle         string    `json:"handle"`
	Badge          Badge     `json:"badge"`
	BadgeLabel     string    `json:"badgeLabel"`
	CompletedDeals int       `json:"completedDeals"`
	Volume         string    `json:"volume"`
	AverageRating  float64   `json:"averageRating,omitempty"`
	Reviews        []Review  `json:"reviews"`
	CalculatedAt   time.Time `json:"calculatedAt"`
}

// DealSource lists completed deals where handle was seller or buyer.
type DealSource interface {
	ListCompletedForHandle(ctx context.Context, handle string) ([]*deals.Deal, error)
}

// Calculator builds summaries from completed deals
type Calculator struct {
	source DealSource
	now    func() time.Time
}

// NewCalculator creates a reputation calculator
func NewCalculator(source DealSource) *Calculator {
	return &Calculator{source: source, now: time.Now}
}

// Get computes the summary for handle. A handle with no history is New,
// not an error.
func (c *Calculator) Get(ctx context.Context, handle string) (*Summary, error) {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	completed, err := c.source.ListCompletedForHandle(ctx, handle)
	if err != nil {
		return nil, err
	}
	s := Summarize(handle, completed)
	s.CalculatedAt = c.now()
	return s, nil
}

// Summarize folds completed deals into a Summary. Deals must already be
// completed and involve handle.
func Summarize(handle string, completed []*deals.Deal) *Summary {
	volume := new(big.Int)
	reviews := make([]Review, 0)
	ratingSum := 0

	for _, d := range completed {
		if amt, ok := usdc.Parse(d.Amount); ok {
			volume.Add(volume, amt)
		}

		// The review received comes from the other side of the deal.
		var r Review
		if deals.SameHandle(handle, d.SellerHandle) {
			r = Review{Reviewer: d.BuyerHandle, Rating: d.BuyerRating, Comment: d.BuyerReview}
		} else {
			r = Review{Reviewer: d.SellerHandle, Rating: d.SellerRating, Comment: d.SellerReview}
		}
		if r.Rating == 0 {
			continue
		}
		r.DealCode = d.Code
		if d.CompletedAt != nil {
			r.At = *d.CompletedAt
		}
		reviews = append(reviews, r)
		ratingSum += r.Rating
	}

	badge := BadgeFor(len(completed))
	s := &Summary{
		Handle:         handle,
		Badge:          badge,
		BadgeLabel:     badge.Label(),
		CompletedDeals: len(completed),
		Volume:         usdc.Display(volume),
		Reviews:        reviews,
	}
	if len(reviews) > 0 {
		s.AverageRating = float64(ratingSum*10/len(reviews)) / 10
	}
	return s
}
