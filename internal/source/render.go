package source

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cryptique/embedding-pipeline/internal/models"
)

// Renderer turns a raw source record into the text handed to the chunker.
// Dispatch is a closed switch over the source type: adding a collection means
// adding a case here, and an unknown type is an error rather than a fallback.
//
// Every rendering starts with a context header ("Data Type: ... | Source: ...")
// so the embedding carries provenance even after chunking splits the body.
type Renderer struct{}

// NewRenderer creates a renderer covering all known source types.
func NewRenderer() *Renderer {
	return &Renderer{}
}

// Summarize renders the record to text plus chunk-level metadata.
func (r *Renderer) Summarize(record models.SourceRecord) (string, map[string]any, error) {
	var body string
	switch record.Type {
	case models.SourceAnalytics:
		body = renderAnalytics(record.Fields)
	case models.SourceTransaction:
		body = renderTransaction(record.Fields)
	case models.SourceSession:
		body = renderSession(record.Fields)
	case models.SourceCampaign:
		body = renderCampaign(record.Fields)
	case models.SourceWebsite:
		body = renderWebsite(record.Fields)
	case models.SourceUserJourney:
		body = renderUserJourney(record.Fields)
	case models.SourceSmartContract:
		body = renderSmartContract(record.Fields)
	default:
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownSourceType, record.Type)
	}

	if strings.TrimSpace(body) == "" {
		return "", nil, nil
	}

	header := contextHeader(record)
	metadata := map[string]any{
		"data_type": string(record.Type),
		"source":    record.Type.Collection(),
	}
	if siteID := str(record.Fields, "site_id", "siteId"); siteID != "" {
		metadata["site_id"] = siteID
	}

	return header + "\n\n" + body, metadata, nil
}

// contextHeader formats the provenance prefix prepended to every rendering.
func contextHeader(record models.SourceRecord) string {
	parts := []string{
		"Data Type: " + string(record.Type),
		"Source: " + record.Type.Collection(),
	}
	if timeframe := str(record.Fields, "timeframe"); timeframe != "" {
		parts = append(parts, "Timeframe: "+timeframe)
	}
	return strings.Join(parts, " | ")
}

func renderAnalytics(fields map[string]any) string {
	var lines []string
	if url := str(fields, "website_url", "websiteUrl"); url != "" {
		lines = append(lines, fmt.Sprintf("Website %s analytics summary:", url))
	}
	lines = appendLine(lines, "Total visitors", fields, "total_visitors", "totalVisitors")
	lines = appendLine(lines, "Unique visitors", fields, "unique_visitors", "uniqueVisitors")
	lines = appendLine(lines, "Web3-enabled visitors", fields, "web3_visitors", "web3Visitors")
	lines = appendLine(lines, "Total page views", fields, "total_page_views", "totalPageViews")
	lines = appendLine(lines, "Wallets connected", fields, "wallets_connected", "walletsConnected")
	lines = appendLine(lines, "New visitors", fields, "new_visitors", "newVisitors")
	lines = appendLine(lines, "Returning visitors", fields, "returning_visitors", "returningVisitors")
	lines = append(lines, renderRemaining(fields,
		"website_url", "websiteUrl", "total_visitors", "totalVisitors",
		"unique_visitors", "uniqueVisitors", "web3_visitors", "web3Visitors",
		"total_page_views", "totalPageViews", "wallets_connected", "walletsConnected",
		"new_visitors", "newVisitors", "returning_visitors", "returningVisitors",
		"site_id", "siteId", "timeframe")...)
	return strings.Join(lines, "\n")
}

func renderTransaction(fields map[string]any) string {
	var lines []string
	lines = append(lines, "Blockchain transaction:")
	lines = appendLine(lines, "Hash", fields, "tx_hash", "txHash", "hash")
	lines = appendLine(lines, "From", fields, "from_address", "from")
	lines = appendLine(lines, "To", fields, "to_address", "to")
	lines = appendLine(lines, "Value", fields, "value")
	lines = appendLine(lines, "Chain", fields, "chain", "blockchain")
	lines = appendLine(lines, "Block", fields, "block_number", "blockNumber")
	lines = append(lines, renderRemaining(fields,
		"tx_hash", "txHash", "hash", "from_address", "from", "to_address", "to",
		"value", "chain", "blockchain", "block_number", "blockNumber",
		"site_id", "siteId", "timeframe")...)
	return strings.Join(lines, "\n")
}

func renderSession(fields map[string]any) string {
	var lines []string
	lines = append(lines, "Visitor session:")
	lines = appendLine(lines, "Visitor", fields, "visitor_id", "visitorId")
	lines = appendLine(lines, "Duration seconds", fields, "duration", "duration_seconds")
	lines = appendLine(lines, "Pages viewed", fields, "page_views", "pageViews")
	lines = appendLine(lines, "Wallet connected", fields, "wallet_connected", "walletConnected")
	lines = appendLine(lines, "Country", fields, "country")
	lines = appendLine(lines, "Device", fields, "device")
	lines = append(lines, renderRemaining(fields,
		"visitor_id", "visitorId", "duration", "duration_seconds",
		"page_views", "pageViews", "wallet_connected", "walletConnected",
		"country", "device", "site_id", "siteId", "timeframe")...)
	return strings.Join(lines, "\n")
}

func renderCampaign(fields map[string]any) string {
	var lines []string
	name := str(fields, "name")
	if name == "" {
		name = "Unknown Campaign"
	}
	lines = append(lines, fmt.Sprintf("Marketing Campaign Analysis for %s:", name))
	lines = appendLine(lines, "Source", fields, "source")
	lines = appendLine(lines, "Medium", fields, "medium")
	lines = appendLine(lines, "Total Visitors", fields, "visitors")
	lines = appendLine(lines, "Web3 Users", fields, "web3_users", "web3Users")
	lines = appendLine(lines, "Wallet Connections", fields, "unique_wallets", "uniqueWallets")
	lines = appendLine(lines, "Total Conversions", fields, "conversions")
	lines = appendLine(lines, "Conversion Value", fields, "conversions_value", "conversionsValue")
	lines = append(lines, renderRemaining(fields,
		"name", "source", "medium", "visitors", "web3_users", "web3Users",
		"unique_wallets", "uniqueWallets", "conversions",
		"conversions_value", "conversionsValue", "site_id", "siteId", "timeframe")...)
	return strings.Join(lines, "\n")
}

func renderWebsite(fields map[string]any) string {
	var lines []string
	lines = append(lines, "Website profile:")
	lines = appendLine(lines, "URL", fields, "url", "website_url", "websiteUrl")
	lines = appendLine(lines, "Name", fields, "name")
	lines = appendLine(lines, "Category", fields, "category")
	lines = appendLine(lines, "Description", fields, "description")
	lines = append(lines, renderRemaining(fields,
		"url", "website_url", "websiteUrl", "name", "category", "description",
		"site_id", "siteId", "timeframe")...)
	return strings.Join(lines, "\n")
}

func renderUserJourney(fields map[string]any) string {
	var lines []string
	lines = append(lines, "User journey:")
	lines = appendLine(lines, "Visitor", fields, "visitor_id", "visitorId")
	lines = appendLine(lines, "Entry page", fields, "entry_page", "entryPage")
	lines = appendLine(lines, "Exit page", fields, "exit_page", "exitPage")
	lines = appendLine(lines, "Steps", fields, "steps", "path")
	lines = appendLine(lines, "Converted", fields, "converted")
	lines = append(lines, renderRemaining(fields,
		"visitor_id", "visitorId", "entry_page", "entryPage",
		"exit_page", "exitPage", "steps", "path", "converted",
		"site_id", "siteId", "timeframe")...)
	return strings.Join(lines, "\n")
}

func renderSmartContract(fields map[string]any) string {
	var lines []string
	name := str(fields, "name")
	if name == "" {
		name = "Unknown Contract"
	}
	lines = append(lines, fmt.Sprintf("Smart Contract Analysis for %s:", name))
	lines = appendLine(lines, "Contract Address", fields, "address")
	lines = appendLine(lines, "Blockchain", fields, "blockchain", "chain")
	lines = appendLine(lines, "Token Symbol", fields, "token_symbol", "tokenSymbol")
	lines = appendLine(lines, "Total Transactions", fields, "total_transactions", "totalTransactions")
	lines = appendLine(lines, "Total Value", fields, "total_value", "totalValue")
	lines = append(lines, renderRemaining(fields,
		"name", "address", "blockchain", "chain", "token_symbol", "tokenSymbol",
		"total_transactions", "totalTransactions", "total_value", "totalValue",
		"site_id", "siteId", "timeframe")...)
	return strings.Join(lines, "\n")
}

// appendLine adds "label: value" when any of the keys is present.
func appendLine(lines []string, label string, fields map[string]any, keys ...string) []string {
	if v := str(fields, keys...); v != "" {
		return append(lines, label+": "+v)
	}
	return lines
}

// renderRemaining renders fields not covered by the named lines, sorted for
// stable output. Schemas drift; unknown fields still reach the embedding.
func renderRemaining(fields map[string]any, covered ...string) []string {
	skip := make(map[string]bool, len(covered))
	for _, k := range covered {
		skip[k] = true
	}

	var keys []string
	for k := range fields {
		if !skip[k] && k != "id" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var lines []string
	for _, k := range keys {
		if v := str(fields, k); v != "" {
			lines = append(lines, k+": "+v)
		}
	}
	return lines
}

// str stringifies the first present, non-empty field among keys.
func str(fields map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := fields[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				return t
			}
		case float64:
			if t == float64(int64(t)) {
				return fmt.Sprintf("%d", int64(t))
			}
			return fmt.Sprintf("%.4f", t)
		case fmt.Stringer:
			return t.String()
		default:
			return fmt.Sprintf("%v", t)
		}
	}
	return ""
}
