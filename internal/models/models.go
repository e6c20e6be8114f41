package models

// SessionStatus is the lifecycle state of one download session as exposed to
// progress pollers.
type SessionStatus string

const (
	StatusQueued           SessionStatus = "queued"
	StatusProgress         SessionStatus = "progress"
	StatusAccessRestricted SessionStatus = "access_restricted"
	StatusCompleted        SessionStatus = "completed"
	StatusError            SessionStatus = "error"
	StatusCancelled        SessionStatus = "cancelled"
	StatusNotFound         SessionStatus = "not_found"
)

// SessionState is the per-session record served to pollers. Percentage is
// 0..100 and monotonically non-decreasing within one resolution run.
type SessionState struct {
	Status     SessionStatus `json:"status"`
	Message    string        `json:"message"`
	Percentage int           `json:"percentage"`
}

// Source identifies where a candidate artifact lives.
type Source string

const (
	SourceGlobalCache Source = "global_cache"
	SourceHuggingFace Source = "huggingface"
	SourceCivitAI     Source = "civitai"
	SourceDirectURL   Source = "direct_url"
	SourceGoogleDrive Source = "google_drive"
)

// SizeUnknown marks a candidate whose remote size could not be determined.
const SizeUnknown int64 = -1

// Candidate is a located-but-not-yet-downloaded remote artifact. Exactly one
// of the identifier groups is populated depending on Source.
type Candidate struct {
	Source         Source
	RelevanceScore float64
	SizeBytes      int64

	// Global cache
	RemoteKey string
	Category  string

	// Hugging Face
	RepoID   string
	FilePath string

	// CivitAI
	ModelID   int
	VersionID int
	Hashes    Hashes

	// Direct URL / Google Drive
	URL         string
	DriveFileID string

	// Filename the artifact should be saved under.
	Filename string
}

// Config is the TOML configuration for the resolver.
type Config struct {
	// Paths
	BasePath          string `toml:"BasePath"`          // root of the models tree
	CatalogDBPath     string `toml:"CatalogDBPath"`     // bitcask store for the global catalog + session journal
	RegistryIndexPath string `toml:"RegistryIndexPath"` // bleve index of resolved models

	// Auth
	HuggingFaceToken string `toml:"HuggingFaceToken"`
	CivitaiToken     string `toml:"CivitaiToken"`

	// Global cache
	GlobalCacheBucket  string `toml:"GlobalCacheBucket"`
	GlobalCachePrefix  string `toml:"GlobalCachePrefix"`
	CopyCommand        string `toml:"CopyCommand"` // external object-copy binary, e.g. "aws"
	CatalogTTLMinutes  int    `toml:"CatalogTTLMinutes"`
	CopyTimeoutMinutes int    `toml:"CopyTimeoutMinutes"`

	// Network behaviour
	ApiClientTimeoutSec int  `toml:"ApiClientTimeoutSec"`
	ApiDelayMs          int  `toml:"ApiDelayMs"`
	LogApiRequests      bool `toml:"LogApiRequests"`

	// Downloader behaviour
	Overwrite bool `toml:"Overwrite"`
}

// --- CivitAI API payloads ---

type (
	CivitaiModel struct {
		ID            int                   `json:"id"`
		Name          string                `json:"name"`
		Description   string                `json:"description"`
		Type          string                `json:"type"`
		Nsfw          bool                  `json:"nsfw"`
		Stats         CivitaiStats          `json:"stats"`
		Creator       CivitaiCreator        `json:"creator"`
		Tags          []string              `json:"tags"`
		ModelVersions []CivitaiModelVersion `json:"modelVersions"`
	}

	CivitaiStats struct {
		DownloadCount int     `json:"downloadCount"`
		FavoriteCount int     `json:"favoriteCount"`
		RatingCount   int     `json:"ratingCount"`
		Rating        float64 `json:"rating"`
	}

	CivitaiCreator struct {
		Username string `json:"username"`
		Image    string `json:"image"`
	}

	CivitaiModelVersion struct {
		ID          int           `json:"id"`
		ModelId     int           `json:"modelId"`
		Name        string        `json:"name"`
		PublishedAt string        `json:"publishedAt"`
		BaseModel   string        `json:"baseModel"`
		Files       []CivitaiFile `json:"files"`
		DownloadUrl string        `json:"downloadUrl"`
	}

	CivitaiFile struct {
		Name        string          `json:"name"`
		ID          int             `json:"id"`
		SizeKB      float64         `json:"sizeKB"`
		Type        string          `json:"type"`
		Metadata    CivitaiFileMeta `json:"metadata"`
		Hashes      Hashes          `json:"hashes"`
		DownloadUrl string          `json:"downloadUrl"`
		Primary     bool            `json:"primary"`
	}

	CivitaiFileMeta struct {
		Fp     string `json:"fp"`
		Size   string `json:"size"`
		Format string `json:"format"`
	}

	Hashes struct {
		AutoV2 string `json:"AutoV2"`
		SHA256 string `json:"SHA256"`
		CRC32  string `json:"CRC32"`
		BLAKE3 string `json:"BLAKE3"`
	}

	CivitaiSearchResponse struct {
		Items []CivitaiModel `json:"items"`
	}
)

// --- Hugging Face API payloads ---

type (
	HFModelInfo struct {
		ID       string   `json:"id"`
		ModelID  string   `json:"modelId"`
		Private  bool     `json:"private"`
		Gated    any      `json:"gated"` // false, "auto" or "manual"
		Siblings []HFFile `json:"siblings"`
	}

	HFFile struct {
		Filename string `json:"rfilename"`
		Size     int64  `json:"size"`
	}
)

// IsGated reports whether the repo requires explicit access approval.
func (m HFModelInfo) IsGated() bool {
	switch v := m.Gated.(type) {
	case bool:
		return v
	case string:
		return v != "" && v != "false"
	default:
		return false
	}
}

// SessionJournalEntry is the durable record of a finished resolution attempt,
// kept in the catalog database for the catalog tooling. Progress itself is
// memory-only.
type SessionJournalEntry struct {
	SessionID string        `json:"sessionId"`
	ModelName string        `json:"modelName"`
	Status    SessionStatus `json:"status"`
	Source    Source        `json:"source,omitempty"`
	Path      string        `json:"path,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp int64         `json:"timestamp"`
}
