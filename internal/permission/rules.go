// Package permission implements the capability-based permission model:
// string validation, dangerous-combination detection, sliding window rate
// limiting, and resource allow-list matching.
package permission

// RiskLevel classifies how dangerous a capability is if misused.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

func (r RiskLevel) score() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 5
	case RiskHigh:
		return 10
	case RiskCritical:
		return 20
	default:
		return 0
	}
}

// Categories is the closed set of permission categories.
var Categories = map[string]bool{
	"file": true, "network": true, "database": true, "event": true,
	"llm": true, "ml": true, "code": true, "project": true,
	"template": true, "analytics": true, "crypto": true, "buffer": true,
	"system": true, "plugin": true, "security": true,
}

// RateLimit describes a sliding-window rate limit for a permission.
type RateLimit struct {
	Requests int
	WindowMs int64
}

// Rule is the static rule record for one known permission string.
type Rule struct {
	Permission       string
	Description      string
	RiskLevel        RiskLevel
	RequiredApproval bool
	AllowedResources []string
	RateLimit        *RateLimit
}

// dangerousCombos lists pairs of permissions that, held together, form a
// data-exfiltration shape and fail validation outright.
var dangerousCombos = [][2]string{
	{"file:write", "network:http"},
	{"database:write", "network:http"},
	{"plugin:communicate", "file:write"},
}

// DefaultRules is the built-in catalog of known permissions. Hosts may
// extend it; the validator treats any permission absent from this catalog
// (after wildcard expansion) as unknown.
func DefaultRules() map[string]Rule {
	rules := map[string]Rule{
		"file:read":           {Permission: "file:read", RiskLevel: RiskLow, Description: "read files in the plugin directory"},
		"file:write":          {Permission: "file:write", RiskLevel: RiskMedium, Description: "write files in the plugin directory"},
		"network:http":        {Permission: "network:http", RiskLevel: RiskMedium, Description: "make outbound HTTP requests", RateLimit: &RateLimit{Requests: 100, WindowMs: 60_000}},
		"database:read":       {Permission: "database:read", RiskLevel: RiskLow, Description: "read from the plugin's data collection"},
		"database:write":      {Permission: "database:write", RiskLevel: RiskMedium, Description: "write to the plugin's data collection"},
		"event:publish":       {Permission: "event:publish", RiskLevel: RiskLow, Description: "publish events on the bus"},
		"event:subscribe":     {Permission: "event:subscribe", RiskLevel: RiskLow, Description: "subscribe to events on the bus"},
		"llm:invoke":          {Permission: "llm:invoke", RiskLevel: RiskMedium, Description: "invoke the LLM collaborator"},
		"ml:infer":            {Permission: "ml:infer", RiskLevel: RiskMedium, Description: "run ML inference"},
		"code:execute":        {Permission: "code:execute", RiskLevel: RiskCritical, Description: "execute arbitrary code", RequiredApproval: true},
		"project:read":        {Permission: "project:read", RiskLevel: RiskLow, Description: "read project metadata"},
		"project:write":       {Permission: "project:write", RiskLevel: RiskMedium, Description: "mutate project metadata"},
		"template:read":       {Permission: "template:read", RiskLevel: RiskLow, Description: "read templates"},
		"template:write":      {Permission: "template:write", RiskLevel: RiskMedium, Description: "write templates"},
		"analytics:read":      {Permission: "analytics:read", RiskLevel: RiskLow, Description: "read analytics data"},
		"analytics:write":     {Permission: "analytics:write", RiskLevel: RiskLow, Description: "write analytics events"},
		"crypto:sign":         {Permission: "crypto:sign", RiskLevel: RiskHigh, Description: "sign data with platform keys", RequiredApproval: true},
		"buffer:read":         {Permission: "buffer:read", RiskLevel: RiskLow, Description: "read shared buffers"},
		"buffer:write":        {Permission: "buffer:write", RiskLevel: RiskLow, Description: "write shared buffers"},
		"system:info":         {Permission: "system:info", RiskLevel: RiskLow, Description: "read platform/system info"},
		"plugin:communicate":  {Permission: "plugin:communicate", RiskLevel: RiskMedium, Description: "send messages to other plugins"},
		"security:audit":      {Permission: "security:audit", RiskLevel: RiskHigh, Description: "read the audit log", RequiredApproval: true},
	}
	return rules
}
