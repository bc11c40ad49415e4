package bot

import (
	"fmt"
	"strings"

	"github.com/centromex/vassist/internal/models"
)

const rule = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"

var statusLabels = map[models.RequestStatus]string{
	models.StatusPending:    "🕓 Waiting for a fulfiller",
	models.StatusAccepted:   "✋ Accepted",
	models.StatusPickedUp:   "📦 Picked up",
	models.StatusDelivering: "🚴 On the way",
	models.StatusDelivered:  "✅ Delivered",
	models.StatusCancelled:  "❌ Cancelled",
}

func statusLabel(s models.RequestStatus) string {
	if label, ok := statusLabels[s]; ok {
		return label
	}
	return string(s)
}

func modeIcon(m models.DeliveryMode) string {
	if m == models.ModeCyclist {
		return "🚲"
	}
	return "🚶"
}

// FormatRequest creates the card posted to fulfillers for a new request.
// It never includes the secret code.
func FormatRequest(req models.Request) string {
	var sb strings.Builder

	sb.WriteString(rule + "\n")
	sb.WriteString(fmt.Sprintf("📋 REQUEST %s • %s %s\n", req.ID, modeIcon(req.DeliveryMode), req.DeliveryMode))
	if req.Fare != "" && req.Fare != "0" {
		sb.WriteString(fmt.Sprintf("💵 Fare: %s\n", req.Fare))
	}
	sb.WriteString(rule + "\n\n")

	sb.WriteString(fmt.Sprintf("Item: %s\n", req.Item))
	sb.WriteString(fmt.Sprintf("From: %s%s\n", req.PickupLocation, formatCoord(req.PickupLat, req.PickupLng)))
	sb.WriteString(fmt.Sprintf("To:   %s%s\n", req.DropLocation, formatCoord(req.DropLat, req.DropLng)))

	sb.WriteString("\n" + rule + "\n")
	sb.WriteString(fmt.Sprintf("Reply /claim %s to take this request\n", req.ID))
	sb.WriteString(rule)

	return sb.String()
}

// FormatStatus describes where a request is in its lifecycle.
func FormatStatus(req models.Request) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("━━━ %s\n", req.ID))
	sb.WriteString(fmt.Sprintf("%s\n", statusLabel(req.Status)))
	sb.WriteString(fmt.Sprintf("Item: %s\n", req.Item))
	sb.WriteString(fmt.Sprintf("%s → %s\n", req.PickupLocation, req.DropLocation))
	if name := req.Fulfiller(); name != "" {
		sb.WriteString(fmt.Sprintf("Fulfiller: %s\n", name))
	}
	if next := nextStep(req); next != "" {
		sb.WriteString("→ " + next + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatList(requests []models.Request) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📋 OPEN REQUESTS (%d)\n\n", len(requests)))
	for _, req := range requests {
		sb.WriteString(fmt.Sprintf("━━━ %s • %s", req.ID, modeIcon(req.DeliveryMode)))
		if req.Fare != "" && req.Fare != "0" {
			sb.WriteString(fmt.Sprintf(" • %s", req.Fare))
		}
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s: %s → %s\n", req.Item, req.PickupLocation, req.DropLocation))
		sb.WriteString(fmt.Sprintf("→ /claim %s\n\n", req.ID))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func nextStep(req models.Request) string {
	switch req.Status {
	case models.StatusPending:
		return "/claim " + req.ID
	case models.StatusAccepted:
		return "/pickup " + req.ID + " once you have the item"
	case models.StatusPickedUp:
		return "/enroute " + req.ID + " when you head out"
	case models.StatusDelivering:
		return "/done " + req.ID + " <code> at the handoff"
	}
	return ""
}

func formatCoord(lat, lng *float64) string {
	if lat == nil || lng == nil {
		return ""
	}
	return fmt.Sprintf(" (%.5f, %.5f)", *lat, *lng)
}
