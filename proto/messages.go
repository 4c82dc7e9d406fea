package proto

import "github.com/mtiwari1/gophermeta/internal/metadata"

// MetadataRequest asks for one item at a load level ("essential",
// "technical" or "advanced"; empty means essential).
type MetadataRequest struct {
	Descriptor metadata.MediaDescriptor `json:"descriptor"`
	Level      string                   `json:"level,omitempty"`
}

// MetadataResponse carries the item's loading status and, when loaded, its
// record.
type MetadataResponse struct {
	Id     string           `json:"id"`
	Status string           `json:"status"`
	Record *metadata.Record `json:"record,omitempty"`
	Reason string           `json:"reason,omitempty"`
}

// PrefetchRequest schedules background loading. With Scope set the
// descriptors replace the active scope and FocusedId is skipped.
type PrefetchRequest struct {
	Descriptors []metadata.MediaDescriptor `json:"descriptors"`
	Level       string                     `json:"level,omitempty"`
	Scope       bool                       `json:"scope,omitempty"`
	FocusedId   string                     `json:"focused_id,omitempty"`
}

type PrefetchResponse struct {
	Accepted int `json:"accepted"`
}

type StatsRequest struct{}

type StatsResponse struct {
	Hits           uint64  `json:"hits"`
	Misses         uint64  `json:"misses"`
	HitRate        float64 `json:"hit_rate"`
	Size           int     `json:"size"`
	MaxSize        int     `json:"max_size"`
	DurableEntries int64   `json:"durable_entries"`
	ActiveJobs     int     `json:"active_jobs"`
}

// ClearCacheRequest clears both tiers, or only the fast tier when
// MemoryOnly is set.
type ClearCacheRequest struct {
	MemoryOnly bool `json:"memory_only,omitempty"`
}

type ClearCacheResponse struct{}
