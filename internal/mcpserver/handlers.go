package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleQuoteFees quotes fees for a prospective sale.
func (h *Handlers) HandleQuoteFees(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	price := req.GetString("price", "")
	if price == "" {
		return mcp.NewToolResultError("price is required"), nil
	}

	raw, err := h.client.QuoteFees(ctx, price,
		req.GetString("category", ""),
		req.GetString("rail", ""),
		req.GetString("tier", ""),
		req.GetBool("auction", false))
	if err != nil {
		return toolError("Failed to quote fees", err), nil
	}

	text, err := formatQuote(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse quote: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCreateEscrow opens an escrow with the caller as buyer.
func (h *Handlers) HandleCreateEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p := CreateEscrowParams{
		SellerID:       req.GetString("seller_id", ""),
		Amount:         req.GetString("amount", ""),
		Chain:          req.GetString("chain", ""),
		ExpirationDays: req.GetInt("expiration_days", 0),
		Category:       req.GetString("category", ""),
		Metadata:       req.GetString("metadata", ""),
	}
	switch {
	case p.SellerID == "":
		return mcp.NewToolResultError("seller_id is required"), nil
	case p.Amount == "":
		return mcp.NewToolResultError("amount is required"), nil
	case p.Chain == "":
		return mcp.NewToolResultError("chain is required"), nil
	}

	raw, err := h.client.CreateEscrow(ctx, p)
	if err != nil {
		return toolError("Escrow creation failed", err), nil
	}
	return escrowResult(raw, "Escrow created. Call lock_funds to fund it.")
}

// HandleLockFunds funds an escrow.
func (h *Handlers) HandleLockFunds(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.LockFunds(ctx, escrowID, req.GetString("external_tx_ref", ""))
	if err != nil {
		return toolError("Lock failed", err), nil
	}
	return escrowResult(raw, "Funds are in custody.")
}

// HandleConfirmConditions confirms delivery.
func (h *Handlers) HandleConfirmConditions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.ConfirmConditions(ctx, escrowID, req.GetString("evidence", ""))
	if err != nil {
		return toolError("Confirmation failed", err), nil
	}
	return escrowResult(raw, "Delivery confirmed. Call release_funds to pay the seller.")
}

// HandleReleaseFunds pays the seller.
func (h *Handlers) HandleReleaseFunds(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.ReleaseFunds(ctx, escrowID)
	if err != nil {
		return toolError("Release failed", err), nil
	}
	return escrowResult(raw, "Funds released to the seller.")
}

// HandleGetEscrow looks up one escrow.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.GetEscrow(ctx, escrowID)
	if err != nil {
		return toolError("Failed to get escrow", err), nil
	}
	return escrowResult(raw, "")
}

// HandleListMyEscrows lists the caller's escrows.
func (h *Handlers) HandleListMyEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListEscrows(ctx, req.GetInt("limit", 20), req.GetString("cursor", ""))
	if err != nil {
		return toolError("Failed to list escrows", err), nil
	}

	text, err := formatEscrowList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrows: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleOpenDispute disputes an escrow.
func (h *Handlers) HandleOpenDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	raw, err := h.client.OpenDispute(ctx, escrowID, reason, req.GetString("description", ""))
	if err != nil {
		return toolError("Dispute failed", err), nil
	}

	text, err := formatDispute(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse dispute: %v", err)), nil
	}
	return mcp.NewToolResultText(text + "\nFunds stay in custody until an arbitration panel resolves the dispute."), nil
}

// HandleGetDispute looks up one dispute.
func (h *Handlers) HandleGetDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	disputeID := req.GetString("dispute_id", "")
	if disputeID == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}

	raw, err := h.client.GetDispute(ctx, disputeID)
	if err != nil {
		return toolError("Failed to get dispute", err), nil
	}

	text, err := formatDispute(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse dispute: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCastVote submits an arbitration vote.
func (h *Handlers) HandleCastVote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	disputeID := req.GetString("dispute_id", "")
	if disputeID == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}
	decision := req.GetString("decision", "")
	if decision != "buyer" && decision != "seller" {
		return mcp.NewToolResultError("decision must be 'buyer' or 'seller'"), nil
	}

	raw, err := h.client.CastVote(ctx, disputeID, decision,
		req.GetString("refund_percentage", ""), req.GetString("reasoning", ""))
	if err != nil {
		return toolError("Vote failed", err), nil
	}

	text, err := formatDispute(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse dispute: %v", err)), nil
	}
	return mcp.NewToolResultText("Vote recorded.\n\n" + text), nil
}

// HandleGetAnalytics returns global or per-party totals.
func (h *Handlers) HandleGetAnalytics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	partyID := req.GetString("party_id", "")

	var raw json.RawMessage
	var err error
	if partyID == "" {
		raw, err = h.client.GlobalAnalytics(ctx)
	} else {
		raw, err = h.client.UserAnalytics(ctx, partyID)
	}
	if err != nil {
		return toolError("Failed to get analytics", err), nil
	}

	text, err := formatAnalytics(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse analytics: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

// toolError renders an API failure. Expired escrows get an explicit hint
// because the LLM cannot recover by retrying.
func toolError(prefix string, err error) *mcp.CallToolResult {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == "escrow_expired" {
		return mcp.NewToolResultError(prefix + ": the escrow has expired and cannot be funded. Create a new escrow.")
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

func escrowResult(raw json.RawMessage, footer string) (*mcp.CallToolResult, error) {
	text, err := formatEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	if footer != "" {
		text += "\n" + footer
	}
	return mcp.NewToolResultText(text), nil
}

func unwrap(raw json.RawMessage, key string) (map[string]any, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if inner, ok := resp[key].(map[string]any); ok {
		return inner, nil
	}
	if _, ok := resp["id"]; ok {
		return resp, nil
	}
	return nil, fmt.Errorf("no %s in response: %s", key, string(raw))
}

func formatEscrow(raw json.RawMessage) (string, error) {
	e, err := unwrap(raw, "escrow")
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s\n", getString(e, "id"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(e, "status"))
	fmt.Fprintf(&sb, "  Amount: %s on %s\n", getString(e, "amount"), getString(e, "chain"))
	fmt.Fprintf(&sb, "  Buyer: %s | Seller: %s\n", getString(e, "buyerId"), getString(e, "sellerId"))
	if f, ok := e["fees"].(map[string]any); ok {
		fmt.Fprintf(&sb, "  Fees: buyer %s, seller %s, platform %s\n",
			getString(f, "buyerFeeAmount"), getString(f, "sellerFeeAmount"), getString(f, "platformFeeAmount"))
	}
	if v := getString(e, "expiresAt"); v != "" {
		fmt.Fprintf(&sb, "  Expires: %s\n", v)
	}
	if v := getString(e, "refundedAmount"); v != "" && v != "0" {
		fmt.Fprintf(&sb, "  Refunded to buyer: %s\n", v)
	}
	if v := getString(e, "disputeId"); v != "" {
		fmt.Fprintf(&sb, "  Dispute: %s\n", v)
	}
	return sb.String(), nil
}

func formatEscrowList(raw json.RawMessage) (string, error) {
	var resp struct {
		Escrows    []map[string]any `json:"escrows"`
		NextCursor string           `json:"nextCursor"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Escrows) == 0 {
		return "No escrows found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d escrow(s):\n\n", len(resp.Escrows))
	for i, e := range resp.Escrows {
		fmt.Fprintf(&sb, "%d. %s  %s  %s on %s  (buyer %s, seller %s)\n", i+1,
			getString(e, "id"), getString(e, "status"),
			getString(e, "amount"), getString(e, "chain"),
			getString(e, "buyerId"), getString(e, "sellerId"))
	}
	if resp.NextCursor != "" {
		fmt.Fprintf(&sb, "\nMore results available. Continue with cursor %s\n", resp.NextCursor)
	}
	return sb.String(), nil
}

func formatQuote(raw json.RawMessage) (string, error) {
	q, err := unwrapAny(raw, "quote")
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Fee quote for %s (%s, tier %s):\n",
		getString(q, "price"), getString(q, "category"), getString(q, "tier"))
	fmt.Fprintf(&sb, "  Buyer fee:    %s\n", getString(q, "buyerFeeAmount"))
	fmt.Fprintf(&sb, "  Seller fee:   %s\n", getString(q, "sellerFeeAmount"))
	fmt.Fprintf(&sb, "  Platform fee: %s\n", getString(q, "platformFeeAmount"))
	if v := getString(q, "discountAmount"); v != "" && v != "0" {
		fmt.Fprintf(&sb, "  Discount:     %s\n", v)
	}
	if notes, ok := q["notes"].([]any); ok && len(notes) > 0 {
		sb.WriteString("  Notes:\n")
		for _, n := range notes {
			fmt.Fprintf(&sb, "    - %v\n", n)
		}
	}
	return sb.String(), nil
}

func formatDispute(raw json.RawMessage) (string, error) {
	d, err := unwrap(raw, "dispute")
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispute %s on escrow %s\n", getString(d, "id"), getString(d, "escrowId"))
	fmt.Fprintf(&sb, "  Status: %s | Reason: %s\n", getString(d, "status"), getString(d, "reason"))
	if panel, ok := d["arbitrators"].([]any); ok && len(panel) > 0 {
		names := make([]string, 0, len(panel))
		for _, a := range panel {
			names = append(names, fmt.Sprint(a))
		}
		fmt.Fprintf(&sb, "  Panel: %s\n", strings.Join(names, ", "))
	}
	if votes, ok := d["votes"].(map[string]any); ok && len(votes) > 0 {
		ids := make([]string, 0, len(votes))
		for id := range votes {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		fmt.Fprintf(&sb, "  Votes (%d):\n", len(votes))
		for _, id := range ids {
			v, _ := votes[id].(map[string]any)
			fmt.Fprintf(&sb, "    %s: %s (refund %s%%)\n", id, getString(v, "decision"), getString(v, "refundPercentage"))
		}
	}
	if r, ok := d["resolution"].(map[string]any); ok {
		fmt.Fprintf(&sb, "  Resolution: %s, refund %s%% (%s buyer / %s seller votes)\n",
			getString(r, "decision"), getString(r, "refundPercentage"),
			getString(r, "buyerVotes"), getString(r, "sellerVotes"))
	}
	return sb.String(), nil
}

func formatAnalytics(raw json.RawMessage) (string, error) {
	a, err := unwrapAny(raw, "analytics")
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	if user := getString(a, "userId"); user != "" {
		fmt.Fprintf(&sb, "Escrow activity for %s:\n", user)
		fmt.Fprintf(&sb, "  Escrows: %s (%s as seller, %s as buyer)\n",
			getString(a, "totalEscrows"), getString(a, "asSellerCount"), getString(a, "asBuyerCount"))
		fmt.Fprintf(&sb, "  Volume: %s\n", getString(a, "totalVolume"))
		return sb.String(), nil
	}

	sb.WriteString("Platform escrow totals:\n")
	fmt.Fprintf(&sb, "  Escrows: %s (%s completed)\n", getString(a, "totalEscrows"), getString(a, "completedEscrows"))
	fmt.Fprintf(&sb, "  Volume: %s | Average: %s\n", getString(a, "totalVolume"), getString(a, "averageAmount"))
	fmt.Fprintf(&sb, "  Platform fees: %s\n", getString(a, "totalPlatformFees"))
	if by, ok := a["byStatus"].(map[string]any); ok && len(by) > 0 {
		statuses := make([]string, 0, len(by))
		for s := range by {
			statuses = append(statuses, s)
		}
		sort.Strings(statuses)
		sb.WriteString("  By status:")
		for _, s := range statuses {
			fmt.Fprintf(&sb, " %s=%s", s, getString(by, s))
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// unwrapAny is unwrap for payloads without an id field.
func unwrapAny(raw json.RawMessage, key string) (map[string]any, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if inner, ok := resp[key].(map[string]any); ok {
		return inner, nil
	}
	return resp, nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
