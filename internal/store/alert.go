// Package store implements the bounded in-memory alert cache for the
// Dataminr relay. It keeps a time-ordered sequence of recent alerts with an
// alertId index for O(1) lookup, applies admission filtering (type set,
// duplicate suppression, maximum age) on insert, and evicts oldest-first
// when the configured item bound is exceeded. The package also caches the
// vendor's lists catalog used to scope feed queries.
package store

import "encoding/json"

// Alert is an immutable record received from the Dataminr feed. Only
// AlertID, AlertTimestamp, and AlertType.Name are interpreted by the relay;
// the remaining fields are opaque payload preserved for downstream
// consumers (the renderer and the UI).
type Alert struct {
	// AlertID is the vendor-assigned identifier. Alerts with an empty
	// AlertID are stored but not indexed.
	AlertID string `json:"alertId"`

	// AlertTimestamp is the vendor-supplied event time in Unix milliseconds.
	AlertTimestamp int64 `json:"alertTimestamp"`

	// AlertType carries the free-form, case-insensitive classification
	// (e.g. "flash", "urgent", "alert") checked at admission.
	AlertType AlertType `json:"alertType"`

	// Headline is the short human-readable alert text.
	Headline string `json:"headline,omitempty"`

	SubHeadline json.RawMessage `json:"subHeadline,omitempty"`

	// ListsMatched names the watch lists this alert matched; used by the
	// read-time list-id filter. The vendor may omit it on single-alert
	// fetches.
	ListsMatched []ListMatch `json:"listsMatched,omitempty"`

	// Opaque analytical attachments, passed through untouched.
	PublicPost             json.RawMessage `json:"publicPost,omitempty"`
	LiveBrief              json.RawMessage `json:"liveBrief,omitempty"`
	IntelAgents            json.RawMessage `json:"intelAgents,omitempty"`
	Metadata               json.RawMessage `json:"metadata,omitempty"`
	LinkedAlerts           json.RawMessage `json:"linkedAlerts,omitempty"`
	AlertReferenceTerms    json.RawMessage `json:"alertReferenceTerms,omitempty"`
	DataminrAlertURL       string          `json:"dataminrAlertUrl,omitempty"`
	EstimatedEventLocation json.RawMessage `json:"estimatedEventLocation,omitempty"`
}

// AlertType is the classification element of an alert.
type AlertType struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// ListMatch is one entry of an alert's listsMatched array.
type ListMatch struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// List is a vendor-side subscription group from the lists catalog.
type List struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
