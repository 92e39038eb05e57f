package deals

import (
	"fmt"
	"time"

	"github.com/dealpact/dealpact/internal/usdc"
)

func display(d *Deal) string {
	return usdc.Display(amountOf(d)) + " USDC"
}

func at(h string) string {
	if h == "" {
		return "unknown"
	}
	return "@" + NormalizeHandle(h)
}

func fundedSellerText(d *Deal) string {
	return fmt.Sprintf("%s FUNDED\n\n%s locked in escrow.", d.Code, display(d))
}

func fundedBuyerText(d *Deal) string {
	return fmt.Sprintf("%s deposited.\n\nPlease release %s or dispute %s within the release window.", d.Code, d.Code, d.Code)
}

func releasedSellerText(d *Deal) string {
	return fmt.Sprintf("%s\n\nFunds released to you.", d.Code)
}

func releasedBuyerText(d *Deal) string {
	return fmt.Sprintf("%s\n\nDeal completed. Funds released to seller.", d.Code)
}

func overrideArbiterText(d *Deal) string {
	return fmt.Sprintf("%s: buyer released funds while disputed. Dispute closed.", d.Code)
}

func cancelledText(d *Deal, by Actor) string {
	return fmt.Sprintf("%s was cancelled by %s.", d.Code, at(by.Handle))
}

func disputeCounterpartyText(d *Deal) string {
	return fmt.Sprintf("DISPUTE on %s\n\nReason: %s\n\nSubmit evidence for %s.", d.Code, d.DisputeReason, d.Code)
}

func disputeArbiterText(d *Deal) string {
	return fmt.Sprintf("DISPUTE: %s\n\n%s\n%s vs %s\nBy: %s\nReason: %s",
		d.Code, display(d), at(d.SellerHandle), at(d.BuyerHandle), at(d.DisputedByHandle), d.DisputeReason)
}

func disputeCancelledText(d *Deal) string {
	return fmt.Sprintf("Dispute on %s cancelled. Deal is funded again.", d.Code)
}

func resolvedText(d *Deal, r Resolution, to Party) string {
	var outcome string
	switch {
	case r == ResolutionRelease && to == PartySeller:
		outcome = "Funds released to you."
	case r == ResolutionRelease:
		outcome = "Released to seller."
	case to == PartyBuyer:
		outcome = "Funds refunded to you."
	default:
		outcome = "Refunded to buyer."
	}
	return fmt.Sprintf("%s resolved\n\n%s", d.Code, outcome)
}

func assignedArbiterText(d *Deal) string {
	return fmt.Sprintf("Dispute assigned: %s\n\n%s\n%s vs %s", d.Code, display(d), at(d.SellerHandle), at(d.BuyerHandle))
}

func underReviewText(d *Deal) string {
	return fmt.Sprintf("%s: now being reviewed by an arbiter.", d.Code)
}

func reminderBuyerText(d *Deal) string {
	return fmt.Sprintf("%s: release window has expired.\n\nPlease release %s or dispute %s.", d.Code, d.Code, d.Code)
}

func reminderSellerText(d *Deal) string {
	return fmt.Sprintf("%s: release window has expired. Buyer has been reminded.\n\nYou may dispute %s if needed.", d.Code, d.Code)
}

func arbiterMessageText(d *Deal, body string) string {
	return fmt.Sprintf("Arbiter (%s):\n\n%s", d.Code, body)
}

func broadcastText(d *Deal, body string) string {
	return fmt.Sprintf("Admin (%s):\n\n%s", d.Code, body)
}

func newDealBuyerText(d *Deal) string {
	return fmt.Sprintf("New deal %s from %s\n\n%s\n%s\n\nRegister a wallet, then fund %s.",
		d.Code, at(d.SellerHandle), display(d), d.Description, d.Code)
}

func rosterAddedText() string {
	return "You are now a DealPact arbiter."
}

// FormatRemaining renders a release-window countdown such as "5h 12m".
func FormatRemaining(left time.Duration) string {
	h := int(left.Hours())
	m := int(left.Minutes()) % 60
	return fmt.Sprintf("%dh %dm", h, m)
}
