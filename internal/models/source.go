package models

// SourceType identifies which collection a job's raw records come from.
// The set is closed: dispatch over record shape happens through the
// per-variant renderers registered in the source package, never through
// free-form string matching.
type SourceType string

const (
	SourceAnalytics     SourceType = "analytics"
	SourceTransaction   SourceType = "transaction"
	SourceSession       SourceType = "session"
	SourceCampaign      SourceType = "campaign"
	SourceWebsite       SourceType = "website"
	SourceUserJourney   SourceType = "user_journey"
	SourceSmartContract SourceType = "smart_contract"
)

// SourceTypes lists every variant, in a stable order.
func SourceTypes() []SourceType {
	return []SourceType{
		SourceAnalytics,
		SourceTransaction,
		SourceSession,
		SourceCampaign,
		SourceWebsite,
		SourceUserJourney,
		SourceSmartContract,
	}
}

// Valid reports whether t is a known source type.
func (t SourceType) Valid() bool {
	switch t {
	case SourceAnalytics, SourceTransaction, SourceSession, SourceCampaign,
		SourceWebsite, SourceUserJourney, SourceSmartContract:
		return true
	}
	return false
}

// Collection returns the backing collection name for the source type.
func (t SourceType) Collection() string {
	switch t {
	case SourceAnalytics:
		return "analytics"
	case SourceTransaction:
		return "transactions"
	case SourceSession:
		return "sessions"
	case SourceCampaign:
		return "campaigns"
	case SourceWebsite:
		return "websites"
	case SourceUserJourney:
		return "user_journeys"
	case SourceSmartContract:
		return "smart_contracts"
	}
	return string(t)
}

// SourceRecord is one raw record fetched from the CRUD layer, opaque to the
// pipeline beyond its identity and a flat field map for the renderers.
type SourceRecord struct {
	ID     string         `json:"id"`
	Type   SourceType     `json:"type"`
	Fields map[string]any `json:"fields"`
}
