package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the holdfast MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolQuoteFees = mcp.NewTool("quote_fees",
	mcp.WithDescription(
		"Quote marketplace fees for a sale before creating an escrow. "+
			"Returns the buyer fee, seller fee, platform fee and any tier discount."),
	mcp.WithString("price",
		mcp.Required(),
		mcp.Description("Sale price as a decimal string (e.g. '250.00')")),
	mcp.WithString("category",
		mcp.Description("Item category (e.g. 'electronics', 'services'). Defaults to the standard category.")),
	mcp.WithString("rail",
		mcp.Description("Payment rail"),
		mcp.Enum("fiat", "crypto")),
	mcp.WithString("tier",
		mcp.Description("Seller tier for discounts"),
		mcp.Enum("basic", "pro", "elite", "institutional")),
	mcp.WithBoolean("auction",
		mcp.Description("Whether the sale is an auction")),
)

var ToolCreateEscrow = mcp.NewTool("create_escrow",
	mcp.WithDescription(
		"Open an escrow where you are the buyer. Fees are quoted and frozen at creation. "+
			"The escrow starts CREATED; call lock_funds to move your funds into custody."),
	mcp.WithString("seller_id",
		mcp.Required(),
		mcp.Description("Party id of the seller")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Sale amount as a decimal string (e.g. '100.00')")),
	mcp.WithString("chain",
		mcp.Required(),
		mcp.Description("Settlement network"),
		mcp.Enum("ethereum", "bitcoin", "base", "polygon", "solana", "stellar", "card")),
	mcp.WithNumber("expiration_days",
		mcp.Description("Days until the escrow expires (default 7)")),
	mcp.WithString("category",
		mcp.Description("Item category used for fee rates")),
	mcp.WithString("metadata",
		mcp.Description("Free-form description of what is being bought")),
)

var ToolLockFunds = mcp.NewTool("lock_funds",
	mcp.WithDescription(
		"Move your funds into custody for an escrow you are buying through. "+
			"The escrow becomes FUNDED. Fails if the escrow has expired."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow id returned by create_escrow")),
	mcp.WithString("external_tx_ref",
		mcp.Description("Optional reference of an on-chain or card transaction that funded the escrow")),
)

var ToolConfirmConditions = mcp.NewTool("confirm_conditions",
	mcp.WithDescription(
		"Confirm, as the buyer, that the seller delivered. The escrow becomes CONDITIONS_MET "+
			"and can then be released to the seller."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow id")),
	mcp.WithString("evidence",
		mcp.Description("Optional delivery evidence, e.g. a tracking number")),
)

var ToolReleaseFunds = mcp.NewTool("release_funds",
	mcp.WithDescription(
		"Release custody funds to the seller once conditions are met. Completes the escrow."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow id")),
)

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription("Look up an escrow's status, fees and deadlines."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow id")),
)

var ToolListMyEscrows = mcp.NewTool("list_my_escrows",
	mcp.WithDescription("List escrows where you are the buyer or seller, newest first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of escrows to return (default 20)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous page to continue listing")),
)

var ToolOpenDispute = mcp.NewTool("open_dispute",
	mcp.WithDescription(
		"Dispute a funded escrow. Funds stay in custody until an arbitration panel "+
			"votes on how to split them between buyer and seller."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow id")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Dispute reason"),
		mcp.Enum("not_delivered", "not_as_described", "damaged", "fraud", "other")),
	mcp.WithString("description",
		mcp.Description("What went wrong")),
)

var ToolGetDispute = mcp.NewTool("get_dispute",
	mcp.WithDescription("Look up a dispute's status, panel, votes and resolution."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("The dispute id")),
)

var ToolCastVote = mcp.NewTool("cast_vote",
	mcp.WithDescription(
		"Cast your arbitration vote on a dispute you were assigned to. "+
			"Each arbitrator votes once."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("The dispute id")),
	mcp.WithString("decision",
		mcp.Required(),
		mcp.Description("Which side you favor"),
		mcp.Enum("buyer", "seller")),
	mcp.WithString("refund_percentage",
		mcp.Description("Share of the escrow to refund to the buyer, 0 to 100 (e.g. '40')")),
	mcp.WithString("reasoning",
		mcp.Description("Why you voted this way")),
)

var ToolGetAnalytics = mcp.NewTool("get_analytics",
	mcp.WithDescription(
		"Get escrow volume statistics. Without party_id returns platform-wide totals."),
	mcp.WithString("party_id",
		mcp.Description("Optional party id for per-party totals")),
)
