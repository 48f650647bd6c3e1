package domain

import (
	"encoding/json"
	"time"
)

// ToolDescriptor is what a downstream server reports for one tool.
// The input schema is carried opaquely.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// MaxToolTags caps the derived tag list per tool entry.
const MaxToolTags = 5

// ToolEntry is a registered tool addressed by its qualified name,
// "<serverName>/<toolName>". Entries never outlive their server's
// registration in the index.
type ToolEntry struct {
	QualifiedName string          `json:"qualifiedName"`
	Name          string          `json:"name"`
	ServerID      string          `json:"serverId"`
	ServerName    string          `json:"serverName"`
	Description   string          `json:"description,omitempty"`
	InputSchema   json.RawMessage `json:"inputSchema,omitempty"`
	Category      string          `json:"category"`
	Tags          []string        `json:"tags,omitempty"`
	UsageCount    int64           `json:"usageCount"`
	LastUsedAt    *time.Time      `json:"lastUsedAt,omitempty"`
	RegisteredAt  time.Time       `json:"registeredAt"`
}
